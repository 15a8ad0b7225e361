package domain

import (
	"fmt"
	"slices"
	"time"
)

// StandaloneBatchID is the batch key used for chains that do not belong to a batch.
const StandaloneBatchID = "standalone"

// StageResult carries the metadata every stage attaches to its output.
type StageResult struct {
	Version    string         `json:"version"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// BoundingBox is an axis-aligned box in page coordinates: X0,Y0 top-left, X1,Y1 bottom-right.
type BoundingBox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// Height returns the vertical extent of the box.
func (b BoundingBox) Height() float64 {
	return b.Y1 - b.Y0
}

// TextBlock is one unit of recognized text.
type TextBlock struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// OCRResult is the output of the OCR stage.
type OCRResult struct {
	StageResult
	Engine string      `json:"engine"`
	Text   string      `json:"text"`
	Blocks []TextBlock `json:"blocks"`
}

// Region kinds produced by layout analysis.
const (
	RegionLine      = "line"
	RegionParagraph = "paragraph"
)

// LayoutRegion is a group of blocks in reading order.
type LayoutRegion struct {
	Kind string      `json:"kind"`
	Text string      `json:"text"`
	BBox BoundingBox `json:"bbox"`
}

// LayoutResult is the output of the layout stage.
type LayoutResult struct {
	StageResult
	Regions []LayoutRegion `json:"regions"`
	Text    string         `json:"text"`
}

// AnalysisResult is the output of the LLM analysis stage.
type AnalysisResult struct {
	StageResult
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	DocumentType string            `json:"document_type"`
	Summary      string            `json:"summary"`
	Fields       map[string]string `json:"fields"`
}

// PostProcessResult is the final output of a chain.
type PostProcessResult struct {
	StageResult
	Format     string `json:"format"`
	Content    string `json:"content"`
	PublicURL  string `json:"public_url,omitempty"`
	PrivateRef string `json:"private_ref,omitempty"`
}

// PipelineContext is the per-document state passed between stages. Only the
// orchestrator that owns a chain mutates it; other processes see it through
// the context store.
type PipelineContext struct {
	BatchID   string  `json:"batch_id,omitempty"`
	ChainID   string  `json:"chain_id"`
	ChainName string  `json:"chain_name"`
	InputPath string  `json:"input_path"`
	Options   Options `json:"options"`

	OCR      *OCRResult         `json:"ocr,omitempty"`
	Layout   *LayoutResult      `json:"layout,omitempty"`
	Analysis *AnalysisResult    `json:"analysis,omitempty"`
	Output   *PostProcessResult `json:"output,omitempty"`

	Status          Status   `json:"status"`
	CurrentStage    string   `json:"current_stage,omitempty"`
	CompletedStages []string `json:"completed_stages,omitempty"`
	Error           string   `json:"error,omitempty"`
	RetryCount      int      `json:"retry_count"`

	InitiatedBy string    `json:"initiated_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewPipelineContext creates a PENDING context for one document.
func NewPipelineContext(batchID, chainID, chainName, inputPath string, opts Options) (*PipelineContext, error) {
	if chainID == "" {
		return nil, fmt.Errorf("%w: chain id is required", ErrInvalidID)
	}
	if inputPath == "" {
		return nil, fmt.Errorf("%w: input path", ErrEmptyInput)
	}
	now := time.Now().UTC()
	return &PipelineContext{
		BatchID:   batchID,
		ChainID:   chainID,
		ChainName: chainName,
		InputPath: inputPath,
		Options:   opts,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// StoreBatchID returns the batch component of the context's storage key.
func (c *PipelineContext) StoreBatchID() string {
	if c.BatchID == "" {
		return StandaloneBatchID
	}
	return c.BatchID
}

// HasCompleted reports whether the named stage already succeeded for this context.
func (c *PipelineContext) HasCompleted(stage string) bool {
	return slices.Contains(c.CompletedStages, stage)
}

// MarkCompleted records a successful stage and clears per-stage state.
func (c *PipelineContext) MarkCompleted(stage string) {
	if !c.HasCompleted(stage) {
		c.CompletedStages = append(c.CompletedStages, stage)
	}
	c.RetryCount = 0
	c.Error = ""
}
