package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/docpipe/internal/api/shared"
	"github.com/phrazzld/docpipe/internal/batch"
	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/platform/logger"
	"github.com/phrazzld/docpipe/internal/store"
)

// PipelineService starts and revokes work.
type PipelineService interface {
	StartBatch(ctx context.Context, req batch.BatchRequest) (string, error)
	StartChain(ctx context.Context, req batch.ChainRequest) (string, error)
	RevokeBatch(ctx context.Context, batchID string) (bool, error)
	RevokeChain(ctx context.Context, chainID string) (bool, error)
}

// ExecutionReader reads the execution ledger.
type ExecutionReader interface {
	GetBatch(ctx context.Context, batchID string) (*domain.BatchExecution, error)
	ListChains(ctx context.Context, batchID string) ([]*domain.ChainExecution, error)
	GetChain(ctx context.Context, chainID string) (*domain.ChainExecution, error)
	ListTaskLogs(ctx context.Context, chainID string) ([]*domain.TaskLog, error)
}

// ContextReader reads live pipeline contexts.
type ContextReader interface {
	Load(ctx context.Context, batchID, chainID string) (*domain.PipelineContext, error)
}

// PipelineHandler serves the batch and chain endpoints.
type PipelineHandler struct {
	service  PipelineService
	ledger   ExecutionReader
	contexts ContextReader
}

// NewPipelineHandler creates a PipelineHandler.
func NewPipelineHandler(service PipelineService, ledger ExecutionReader, contexts ContextReader) *PipelineHandler {
	return &PipelineHandler{service: service, ledger: ledger, contexts: contexts}
}

// CreateBatch handles POST /api/batches.
func (h *PipelineHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	req := CreateBatchRequest{Options: domain.DefaultOptions()}
	if !decodeAndValidate(w, r, &req) {
		return
	}

	batchID, err := h.service.StartBatch(r.Context(), batch.BatchRequest{
		Name:        req.Name,
		ChainName:   req.ChainName,
		Items:       req.Items,
		ChunkSize:   req.ChunkSize,
		Options:     req.Options,
		InitiatedBy: shared.GetSubject(r.Context()),
	})
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("batch accepted", "batch_id", batchID, "items", len(req.Items))
	shared.RespondWithJSON(w, r, http.StatusAccepted, AcceptedResponse{
		ID:        batchID,
		StatusURL: "/api/batches/" + batchID,
	})
}

// GetBatch handles GET /api/batches/{batchID}. ?include=chains adds the
// batch's chain records.
func (h *PipelineHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "batchID")
	if !ok {
		return
	}

	b, err := h.ledger.GetBatch(r.Context(), batchID)
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}

	resp := BatchStatusResponse{Batch: b}
	if r.URL.Query().Get("include") == "chains" {
		chains, err := h.ledger.ListChains(r.Context(), batchID)
		if err != nil {
			respondWithMappedError(w, r, err)
			return
		}
		resp.Chains = chains
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// CancelBatch handles POST /api/batches/{batchID}/cancel.
func (h *PipelineHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "batchID")
	if !ok {
		return
	}

	revoked, err := h.service.RevokeBatch(r.Context(), batchID)
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, CancelResponse{ID: batchID, Revoked: revoked})
}

// CreateChain handles POST /api/chains.
func (h *PipelineHandler) CreateChain(w http.ResponseWriter, r *http.Request) {
	req := CreateChainRequest{Options: domain.DefaultOptions()}
	if !decodeAndValidate(w, r, &req) {
		return
	}

	chainID, err := h.service.StartChain(r.Context(), batch.ChainRequest{
		ChainName:   req.ChainName,
		InputPath:   req.InputPath,
		Options:     req.Options,
		InitiatedBy: shared.GetSubject(r.Context()),
	})
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("chain accepted", "chain_id", chainID)
	shared.RespondWithJSON(w, r, http.StatusAccepted, AcceptedResponse{
		ID:        chainID,
		StatusURL: "/api/chains/" + chainID,
	})
}

// GetChain handles GET /api/chains/{chainID}.
func (h *PipelineHandler) GetChain(w http.ResponseWriter, r *http.Request) {
	chainID, ok := pathID(w, r, "chainID")
	if !ok {
		return
	}

	chain, err := h.ledger.GetChain(r.Context(), chainID)
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}
	tasks, err := h.ledger.ListTaskLogs(r.Context(), chainID)
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}

	resp := ChainStatusResponse{Chain: chain, Tasks: tasks}
	if resp.Tasks == nil {
		resp.Tasks = []*domain.TaskLog{}
	}

	pctx, err := h.contexts.Load(r.Context(), chain.BatchID, chain.ID)
	switch {
	case err == nil:
		resp.CurrentStage = pctx.CurrentStage
		resp.CompletedStages = pctx.CompletedStages
	case errors.Is(err, store.ErrNotFound):
	default:
		logger.FromContext(r.Context()).Warn("failed to load live context",
			"chain_id", chainID, "error", err)
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// CancelChain handles POST /api/chains/{chainID}/cancel.
func (h *PipelineHandler) CancelChain(w http.ResponseWriter, r *http.Request) {
	chainID, ok := pathID(w, r, "chainID")
	if !ok {
		return
	}

	revoked, err := h.service.RevokeChain(r.Context(), chainID)
	if err != nil {
		respondWithMappedError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, CancelResponse{ID: chainID, Revoked: revoked})
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := shared.DecodeJSON(w, r, v); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return false
	}
	if err := shared.ValidateRequest(v); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, param))
	if id == "" || len(id) > 128 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid "+param)
		return "", false
	}
	return id, true
}

func respondWithMappedError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}
