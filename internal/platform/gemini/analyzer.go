package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/phrazzld/docpipe/internal/config"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/stages"
)

// ProviderName is the LLMOptions.Provider value served by Analyzer.
const ProviderName = "gemini"

// ErrInvalidConfig is returned by New for unusable configuration.
var ErrInvalidConfig = errors.New("invalid gemini configuration")

// Analyzer implements stages.Analyzer on the Gemini API.
type Analyzer struct {
	client          *genai.Client
	model           string
	maxOutputTokens int32
	logger          *slog.Logger
}

var _ stages.Analyzer = (*Analyzer)(nil)

// New creates an Analyzer from the LLM configuration. httpClient may be nil.
func New(ctx context.Context, cfg config.LLMConfig, httpClient *http.Client, logger *slog.Logger) (*Analyzer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: api key cannot be empty", ErrInvalidConfig)
	}
	if cfg.GeminiModel == "" {
		return nil, fmt.Errorf("%w: model cannot be empty", ErrInvalidConfig)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.GeminiAPIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.GeminiBaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create client: %v", ErrInvalidConfig, err)
	}

	return &Analyzer{
		client:          client,
		model:           cfg.GeminiModel,
		maxOutputTokens: int32(cfg.MaxOutputTokens),
		logger:          logger.With("provider", ProviderName),
	}, nil
}

// Provider implements stages.Analyzer.
func (a *Analyzer) Provider() string { return ProviderName }

// Analyze implements stages.Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, req stages.AnalysisRequest) (*stages.AnalysisResponse, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	temperature := float32(req.Temperature)

	cfg := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		MaxOutputTokens:  a.maxOutputTokens,
		ResponseMIMEType: "application/json",
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	a.logger.DebugContext(ctx, "Calling Gemini", "model", model, "prompt_length", len(req.Prompt))

	resp, err := a.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, classify(ctx, err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("%w: prompt blocked: %s", stages.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, stages.ErrEmptyResponse
	}

	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent:
		return nil, fmt.Errorf("%w: finish reason %s", stages.ErrContentBlocked, candidate.FinishReason)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, stages.ErrEmptyResponse
	}

	return &stages.AnalysisResponse{Text: text.String(), Model: model}, nil
}

// classify wraps transient failures so the stage retry policy applies.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		// Transport failure.
		return pipeline.Retryable(fmt.Errorf("gemini request failed: %w", err))
	}

	if transientAPIError(apiErr) {
		return pipeline.Retryable(fmt.Errorf("gemini returned %d %s: %w", apiErr.Code, apiErr.Status, err))
	}
	return fmt.Errorf("gemini returned %d %s: %w", apiErr.Code, apiErr.Status, err)
}

// transientAPIError decides on the HTTP code when the body carries one and
// on the RPC status name otherwise.
func transientAPIError(e genai.APIError) bool {
	if e.Code >= 100 && e.Code < 600 {
		return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
	}
	switch e.Status {
	case "RESOURCE_EXHAUSTED", "UNAVAILABLE", "INTERNAL", "DEADLINE_EXCEEDED", "ABORTED":
		return true
	}
	return false
}
