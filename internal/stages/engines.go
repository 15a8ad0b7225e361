package stages

import (
	"context"
	"errors"

	"github.com/phrazzld/docpipe/internal/domain"
)

var (
	// ErrContentBlocked is returned by analyzers when the provider refuses the content.
	ErrContentBlocked = errors.New("content blocked by provider")

	// ErrEmptyResponse is returned by analyzers when the provider returns no text.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// Recognition is the raw output of an OCR engine.
type Recognition struct {
	Engine string
	Blocks []domain.TextBlock
}

// OCREngine turns a document into text blocks.
type OCREngine interface {
	Recognize(ctx context.Context, document []byte, opts domain.OCROptions) (*Recognition, error)
}

// AnalysisRequest is one prompt sent to an LLM provider.
type AnalysisRequest struct {
	System      string
	Prompt      string
	Model       string
	Temperature float64
}

// AnalysisResponse is the raw reply of an LLM provider.
type AnalysisResponse struct {
	Text  string
	Model string
}

// Analyzer sends prompts to one LLM provider.
type Analyzer interface {
	// Provider returns the name used in LLMOptions.Provider.
	Provider() string
	Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResponse, error)
}
