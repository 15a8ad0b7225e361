package api

import "github.com/phrazzld/docpipe/internal/domain"

// CreateBatchRequest is the body of POST /api/batches. Omitted option
// fields keep their defaults.
type CreateBatchRequest struct {
	Name      string         `json:"name"       validate:"max=200"`
	ChainName string         `json:"chain_name" validate:"max=100"`
	Items     []string       `json:"items"      validate:"required,min=1,dive,required"`
	ChunkSize int            `json:"chunk_size" validate:"gte=0,lte=1000"`
	Options   domain.Options `json:"options"`
}

// CreateChainRequest is the body of POST /api/chains.
type CreateChainRequest struct {
	ChainName string         `json:"chain_name" validate:"max=100"`
	InputPath string         `json:"input_path" validate:"required"`
	Options   domain.Options `json:"options"`
}

// AcceptedResponse is returned for asynchronous starts.
type AcceptedResponse struct {
	ID        string `json:"id"`
	StatusURL string `json:"status_url"`
}

// CancelResponse reports whether a cancel request changed anything.
type CancelResponse struct {
	ID      string `json:"id"`
	Revoked bool   `json:"revoked"`
}

// BatchStatusResponse is the body of GET /api/batches/{batchID}.
type BatchStatusResponse struct {
	Batch  *domain.BatchExecution   `json:"batch"`
	Chains []*domain.ChainExecution `json:"chains,omitempty"`
}

// ChainStatusResponse is the body of GET /api/chains/{chainID}.
// CurrentStage and CompletedStages come from the live context and are
// empty once it has expired.
type ChainStatusResponse struct {
	Chain           *domain.ChainExecution `json:"chain"`
	CurrentStage    string                 `json:"current_stage,omitempty"`
	CompletedStages []string               `json:"completed_stages,omitempty"`
	Tasks           []*domain.TaskLog      `json:"tasks"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
