package stages

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/pipeline"
)

const layoutVersion = "1.0"

// Layout groups OCR blocks into lines and paragraphs in reading order.
type Layout struct {
	logger *slog.Logger
}

// NewLayout creates the layout stage.
func NewLayout(logger *slog.Logger) *Layout {
	return &Layout{logger: logger.With("stage", pipeline.StageLayout)}
}

func (s *Layout) Name() string { return pipeline.StageLayout }

func (s *Layout) ValidateInput(pctx *domain.PipelineContext) error {
	if pctx.OCR == nil || len(pctx.OCR.Blocks) == 0 {
		return pipeline.NewValidationError("ocr", "layout needs recognized blocks", nil)
	}
	return nil
}

func (s *Layout) Execute(ctx context.Context, pctx *domain.PipelineContext) (*domain.PipelineContext, error) {
	opts := pctx.Options.Layout
	lines := groupLines(pctx.OCR.Blocks, opts.LineTolerance)
	paragraphs := groupParagraphs(lines, opts.ParagraphGap)

	texts := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		texts = append(texts, p.Text)
	}

	pctx.Layout = &domain.LayoutResult{
		StageResult: domain.StageResult{
			Version:    layoutVersion,
			Confidence: pctx.OCR.Confidence,
			Metadata: map[string]any{
				"lines":      len(lines),
				"paragraphs": len(paragraphs),
			},
		},
		Regions: paragraphs,
		Text:    strings.Join(texts, "\n\n"),
	}
	s.logger.DebugContext(ctx, "analyzed layout",
		"chain_id", pctx.ChainID,
		"lines", len(lines),
		"paragraphs", len(paragraphs))
	return pctx, nil
}

func (s *Layout) ValidateOutput(pctx *domain.PipelineContext) error {
	if pctx.Layout == nil || len(pctx.Layout.Regions) == 0 {
		return pipeline.NewValidationError("layout", "no regions produced", nil)
	}
	return nil
}

// groupLines sorts blocks top to bottom and merges blocks whose top edges are
// within tolerance into one line, ordered left to right.
func groupLines(blocks []domain.TextBlock, tolerance float64) []domain.LayoutRegion {
	sorted := append([]domain.TextBlock(nil), blocks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BBox.Y0 != sorted[j].BBox.Y0 {
			return sorted[i].BBox.Y0 < sorted[j].BBox.Y0
		}
		return sorted[i].BBox.X0 < sorted[j].BBox.X0
	})

	var groups [][]domain.TextBlock
	for _, b := range sorted {
		n := len(groups)
		if n > 0 && math.Abs(b.BBox.Y0-groups[n-1][0].BBox.Y0) <= tolerance {
			groups[n-1] = append(groups[n-1], b)
			continue
		}
		groups = append(groups, []domain.TextBlock{b})
	}

	lines := make([]domain.LayoutRegion, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].BBox.X0 < g[j].BBox.X0 })
		words := make([]string, 0, len(g))
		box := g[0].BBox
		for _, b := range g {
			words = append(words, b.Text)
			box = union(box, b.BBox)
		}
		lines = append(lines, domain.LayoutRegion{
			Kind: domain.RegionLine,
			Text: strings.Join(words, " "),
			BBox: box,
		})
	}
	return lines
}

// groupParagraphs starts a new paragraph whenever the vertical gap between
// consecutive lines exceeds gap.
func groupParagraphs(lines []domain.LayoutRegion, gap float64) []domain.LayoutRegion {
	var out []domain.LayoutRegion
	var texts []string
	for i, l := range lines {
		if i > 0 && l.BBox.Y0-lines[i-1].BBox.Y1 > gap {
			out[len(out)-1].Text = strings.Join(texts, "\n")
			texts = nil
		}
		if len(texts) == 0 {
			out = append(out, domain.LayoutRegion{Kind: domain.RegionParagraph, BBox: l.BBox})
		}
		texts = append(texts, l.Text)
		out[len(out)-1].BBox = union(out[len(out)-1].BBox, l.BBox)
	}
	if len(out) > 0 {
		out[len(out)-1].Text = strings.Join(texts, "\n")
	}
	return out
}

func union(a, b domain.BoundingBox) domain.BoundingBox {
	return domain.BoundingBox{
		X0: math.Min(a.X0, b.X0),
		Y0: math.Min(a.Y0, b.Y0),
		X1: math.Max(a.X1, b.X1),
		Y1: math.Max(a.Y1, b.Y1),
	}
}
