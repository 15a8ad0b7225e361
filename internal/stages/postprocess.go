package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/store"
)

const postProcessVersion = "1.0"

var formatFiles = map[string]struct {
	ext         string
	contentType string
}{
	domain.FormatJSON:     {"json", "application/json"},
	domain.FormatMarkdown: {"md", "text/markdown; charset=utf-8"},
	domain.FormatText:     {"txt", "text/plain; charset=utf-8"},
}

// outputDocument is the JSON rendering of a finished analysis.
type outputDocument struct {
	ChainID      string            `json:"chain_id"`
	Source       string            `json:"source"`
	DocumentType string            `json:"document_type"`
	Summary      string            `json:"summary"`
	Fields       map[string]string `json:"fields"`
	Confidence   float64           `json:"confidence"`
}

// PostProcessing normalizes the analysis, renders it and optionally uploads it.
type PostProcessing struct {
	blobs  store.BlobStorage
	logger *slog.Logger
}

// NewPostProcessing creates the post-processing stage. blobs may be nil when
// uploads are never requested.
func NewPostProcessing(blobs store.BlobStorage, logger *slog.Logger) *PostProcessing {
	return &PostProcessing{blobs: blobs, logger: logger.With("stage", pipeline.StagePostProcessing)}
}

func (s *PostProcessing) Name() string { return pipeline.StagePostProcessing }

func (s *PostProcessing) ValidateInput(pctx *domain.PipelineContext) error {
	if pctx.Analysis == nil {
		return pipeline.NewValidationError("analysis", "post-processing needs an analysis result", nil)
	}
	opts := pctx.Options.PostProcess
	if _, ok := formatFiles[opts.Format]; !ok {
		return pipeline.NewValidationError("options.post_process.format", fmt.Sprintf("unsupported format %q", opts.Format), nil)
	}
	if opts.Upload && s.blobs == nil {
		return pipeline.NewValidationError("options.post_process.upload", "no blob storage configured", nil)
	}
	return nil
}

func (s *PostProcessing) Execute(ctx context.Context, pctx *domain.PipelineContext) (*domain.PipelineContext, error) {
	opts := pctx.Options.PostProcess
	a := pctx.Analysis

	doc := outputDocument{
		ChainID:      pctx.ChainID,
		Source:       pctx.InputPath,
		DocumentType: a.DocumentType,
		Summary:      normalizeSpace(a.Summary),
		Fields:       make(map[string]string, len(a.Fields)),
		Confidence:   a.Confidence,
	}
	for k, v := range a.Fields {
		key := normalizeSpace(k)
		if key == "" {
			continue
		}
		doc.Fields[key] = normalizeSpace(v)
	}

	content, err := render(doc, opts.Format)
	if err != nil {
		return nil, err
	}

	result := &domain.PostProcessResult{
		StageResult: domain.StageResult{
			Version:    postProcessVersion,
			Confidence: a.Confidence,
			Metadata:   map[string]any{"fields": len(doc.Fields)},
		},
		Format:  opts.Format,
		Content: content,
	}

	if opts.Upload {
		file := formatFiles[opts.Format]
		key := path.Join(opts.OutputPrefix, pctx.ChainID+"."+file.ext)
		public, private, err := s.blobs.Upload(ctx, []byte(content), key, file.contentType)
		if err != nil {
			return nil, pipeline.Retryable(fmt.Errorf("failed to upload %s: %w", key, err))
		}
		result.PublicURL = public
		result.PrivateRef = private
		s.logger.InfoContext(ctx, "uploaded output", "chain_id", pctx.ChainID, "key", key)
	}

	pctx.Output = result
	return pctx, nil
}

func (s *PostProcessing) ValidateOutput(pctx *domain.PipelineContext) error {
	if pctx.Output == nil || pctx.Output.Content == "" {
		return pipeline.NewValidationError("output", "rendered content is empty", nil)
	}
	if pctx.Options.PostProcess.Upload && pctx.Output.PrivateRef == "" {
		return pipeline.NewValidationError("output", "upload reference is missing", nil)
	}
	return nil
}

func render(doc outputDocument, format string) (string, error) {
	keys := make([]string, 0, len(doc.Fields))
	for k := range doc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	switch format {
	case domain.FormatJSON:
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to render json: %w", err)
		}
		return string(out), nil
	case domain.FormatMarkdown:
		fmt.Fprintf(&b, "# %s\n\n", titleCase(doc.DocumentType))
		if doc.Summary != "" {
			fmt.Fprintf(&b, "%s\n\n", doc.Summary)
		}
		if len(keys) > 0 {
			b.WriteString("| Field | Value |\n|---|---|\n")
			for _, k := range keys {
				fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(k), escapeCell(doc.Fields[k]))
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "_Source: %s_\n", doc.Source)
	case domain.FormatText:
		fmt.Fprintf(&b, "Document type: %s\n", doc.DocumentType)
		if doc.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n", doc.Summary)
		}
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, doc.Fields[k])
		}
	default:
		return "", pipeline.NewValidationError("options.post_process.format", fmt.Sprintf("unsupported format %q", format), nil)
	}
	return b.String(), nil
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
