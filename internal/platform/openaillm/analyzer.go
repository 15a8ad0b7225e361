// Package openaillm adapts the OpenAI chat completions API to the
// stages.Analyzer interface.
package openaillm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/phrazzld/docpipe/internal/config"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/stages"
)

// ProviderName is the LLMOptions.Provider value served by Analyzer.
const ProviderName = "openai"

// ErrInvalidConfig is returned by New for unusable configuration.
var ErrInvalidConfig = errors.New("invalid openai configuration")

// Analyzer implements stages.Analyzer on chat completions.
type Analyzer struct {
	client          openai.Client
	model           string
	maxOutputTokens int64
	logger          *slog.Logger
}

var _ stages.Analyzer = (*Analyzer)(nil)

// New creates an Analyzer. httpClient may be nil.
func New(cfg config.LLMConfig, httpClient *http.Client, logger *slog.Logger) (*Analyzer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("%w: api key cannot be empty", ErrInvalidConfig)
	}
	if cfg.OpenAIModel == "" {
		return nil, fmt.Errorf("%w: model cannot be empty", ErrInvalidConfig)
	}

	// Retries belong to the stage retry policy.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIAPIKey),
		option.WithMaxRetries(0),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &Analyzer{
		client:          openai.NewClient(opts...),
		model:           cfg.OpenAIModel,
		maxOutputTokens: int64(cfg.MaxOutputTokens),
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

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	}
	if a.maxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(a.maxOutputTokens)
	}

	a.logger.DebugContext(ctx, "Calling OpenAI", "model", model, "prompt_length", len(req.Prompt))

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return nil, stages.ErrEmptyResponse
	}

	choice := completion.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", stages.ErrContentBlocked, choice.Message.Refusal)
	}
	if choice.FinishReason == "content_filter" {
		return nil, fmt.Errorf("%w: content filter", stages.ErrContentBlocked)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return nil, stages.ErrEmptyResponse
	}

	if completion.Model != "" {
		model = completion.Model
	}
	return &stages.AnalysisResponse{Text: choice.Message.Content, Model: model}, nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}

	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return pipeline.Retryable(fmt.Errorf("openai request failed: %w", err))
	}

	code := apiErr.StatusCode
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return pipeline.Retryable(fmt.Errorf("openai returned %d: %w", code, err))
	}
	return fmt.Errorf("openai returned %d: %w", code, err)
}
