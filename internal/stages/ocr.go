package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/store"
)

const ocrVersion = "1.0"

// OCR downloads the input document and recognizes its text.
type OCR struct {
	blobs  store.BlobStorage
	engine OCREngine
	logger *slog.Logger
}

// NewOCR creates the OCR stage.
func NewOCR(blobs store.BlobStorage, engine OCREngine, logger *slog.Logger) *OCR {
	return &OCR{blobs: blobs, engine: engine, logger: logger.With("stage", pipeline.StageOCR)}
}

func (s *OCR) Name() string { return pipeline.StageOCR }

func (s *OCR) ValidateInput(pctx *domain.PipelineContext) error {
	if strings.TrimSpace(pctx.InputPath) == "" {
		return pipeline.NewValidationError("input_path", "is required", domain.ErrEmptyInput)
	}
	if err := pctx.Options.Validate(); err != nil {
		return pipeline.NewValidationError("options", "invalid", err)
	}
	return nil
}

func (s *OCR) Execute(ctx context.Context, pctx *domain.PipelineContext) (*domain.PipelineContext, error) {
	data, err := s.blobs.Download(ctx, pctx.InputPath)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return nil, pipeline.NewValidationError("input_path", "document not found", err)
		}
		return nil, pipeline.Retryable(fmt.Errorf("failed to download %s: %w", pctx.InputPath, err))
	}
	if len(data) == 0 {
		return nil, pipeline.NewValidationError("input_path", "document is empty", domain.ErrEmptyInput)
	}

	opts := pctx.Options.OCR
	rec, err := s.engine.Recognize(ctx, data, opts)
	if err != nil {
		return nil, err
	}

	blocks := make([]domain.TextBlock, 0, len(rec.Blocks))
	lines := make([]string, 0, len(rec.Blocks))
	var total float64
	for _, b := range rec.Blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		b.Text = text
		blocks = append(blocks, b)
		lines = append(lines, text)
		total += b.Confidence
	}

	var confidence float64
	if len(blocks) > 0 {
		confidence = total / float64(len(blocks))
	}
	engine := rec.Engine
	if engine == "" {
		engine = opts.Engine
	}

	pctx.OCR = &domain.OCRResult{
		StageResult: domain.StageResult{
			Version:    ocrVersion,
			Confidence: confidence,
			Metadata: map[string]any{
				"blocks":    len(blocks),
				"bytes":     len(data),
				"languages": opts.Languages,
			},
		},
		Engine: engine,
		Text:   strings.Join(lines, "\n"),
		Blocks: blocks,
	}
	s.logger.DebugContext(ctx, "recognized document",
		"chain_id", pctx.ChainID,
		"blocks", len(blocks),
		"confidence", confidence)
	return pctx, nil
}

func (s *OCR) ValidateOutput(pctx *domain.PipelineContext) error {
	if pctx.OCR == nil {
		return pipeline.NewValidationError("ocr", "result is missing", nil)
	}
	if len(pctx.OCR.Blocks) == 0 {
		return pipeline.NewValidationError("ocr", "no text recognized", nil)
	}
	if floor := pctx.Options.OCR.MinConfidence; pctx.OCR.Confidence < floor {
		return pipeline.NewValidationError("ocr.confidence",
			fmt.Sprintf("%.2f is below the minimum %.2f", pctx.OCR.Confidence, floor), nil)
	}
	return nil
}
