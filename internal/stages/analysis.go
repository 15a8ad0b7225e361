package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/pipeline"
)

const analysisVersion = "1.0"

// MaxPromptDocumentChars bounds the document text placed in a prompt.
const MaxPromptDocumentChars = 30000

const systemPrompt = `You extract structured data from scanned business documents.
Reply with a single JSON object and nothing else.`

const defaultPromptTemplate = `Classify the document below and extract its key fields.

Return JSON with exactly these keys:
  "document_type": a short lowercase label such as "invoice", "receipt" or "contract"
  "summary": one or two sentences describing the document
  "fields": an object mapping field names to string values
  "confidence": a number between 0 and 1
{{- if .Instructions}}

Additional instructions:
{{.Instructions}}
{{- end}}

Document:
"""
{{.Text}}
"""`

type promptData struct {
	Instructions string
	Text         string
}

// analysisReply is the JSON shape requested from the model.
type analysisReply struct {
	DocumentType string         `json:"document_type"`
	Summary      string         `json:"summary"`
	Fields       map[string]any `json:"fields"`
	Confidence   *float64       `json:"confidence"`
}

// LLMAnalysis asks an LLM provider to classify the document and extract fields.
type LLMAnalysis struct {
	analyzers map[string]Analyzer
	prompt    *template.Template
	logger    *slog.Logger
}

// NewLLMAnalysis creates the analysis stage over the given providers.
func NewLLMAnalysis(logger *slog.Logger, analyzers ...Analyzer) (*LLMAnalysis, error) {
	tmpl, err := template.New("analysis").Parse(defaultPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	s := &LLMAnalysis{
		analyzers: make(map[string]Analyzer, len(analyzers)),
		prompt:    tmpl,
		logger:    logger.With("stage", pipeline.StageLLMAnalysis),
	}
	for _, a := range analyzers {
		if a != nil {
			s.analyzers[a.Provider()] = a
		}
	}
	return s, nil
}

func (s *LLMAnalysis) Name() string { return pipeline.StageLLMAnalysis }

func (s *LLMAnalysis) ValidateInput(pctx *domain.PipelineContext) error {
	if strings.TrimSpace(documentText(pctx)) == "" {
		return pipeline.NewValidationError("layout", "no document text to analyze", domain.ErrEmptyInput)
	}
	if err := pctx.Options.Validate(); err != nil {
		return pipeline.NewValidationError("options", "invalid", err)
	}
	if _, ok := s.analyzers[pctx.Options.LLM.Provider]; !ok {
		return pipeline.NewValidationError("options.llm.provider",
			fmt.Sprintf("provider %q is not configured", pctx.Options.LLM.Provider), nil)
	}
	return nil
}

func (s *LLMAnalysis) Execute(ctx context.Context, pctx *domain.PipelineContext) (*domain.PipelineContext, error) {
	opts := pctx.Options.LLM
	analyzer := s.analyzers[opts.Provider]

	prompt, err := s.buildPrompt(opts.Instructions, documentText(pctx))
	if err != nil {
		return nil, err
	}

	resp, err := analyzer.Analyze(ctx, AnalysisRequest{
		System:      systemPrompt,
		Prompt:      prompt,
		Model:       opts.Model,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return nil, err
	}

	reply, err := parseReply(resp.Text)
	if err != nil {
		return nil, pipeline.NewValidationError("analysis", "unparseable model output", err)
	}

	confidence := 1.0
	if reply.Confidence != nil && *reply.Confidence >= 0 && *reply.Confidence <= 1 {
		confidence = *reply.Confidence
	}
	if pctx.Layout != nil {
		confidence *= pctx.Layout.Confidence
	} else if pctx.OCR != nil {
		confidence *= pctx.OCR.Confidence
	}

	pctx.Analysis = &domain.AnalysisResult{
		StageResult: domain.StageResult{
			Version:    analysisVersion,
			Confidence: confidence,
			Metadata:   map[string]any{"prompt_chars": len(prompt)},
		},
		Provider:     analyzer.Provider(),
		Model:        resp.Model,
		DocumentType: strings.ToLower(strings.TrimSpace(reply.DocumentType)),
		Summary:      strings.TrimSpace(reply.Summary),
		Fields:       stringFields(reply.Fields),
	}
	s.logger.DebugContext(ctx, "analyzed document",
		"chain_id", pctx.ChainID,
		"provider", analyzer.Provider(),
		"document_type", pctx.Analysis.DocumentType,
		"fields", len(pctx.Analysis.Fields))
	return pctx, nil
}

func (s *LLMAnalysis) ValidateOutput(pctx *domain.PipelineContext) error {
	if pctx.Analysis == nil {
		return pipeline.NewValidationError("analysis", "result is missing", nil)
	}
	if pctx.Analysis.DocumentType == "" {
		return pipeline.NewValidationError("analysis.document_type", "is required", nil)
	}
	return nil
}

func (s *LLMAnalysis) buildPrompt(instructions, text string) (string, error) {
	if r := []rune(text); len(r) > MaxPromptDocumentChars {
		text = string(r[:MaxPromptDocumentChars])
	}
	var buf bytes.Buffer
	if err := s.prompt.Execute(&buf, promptData{Instructions: strings.TrimSpace(instructions), Text: text}); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

// documentText prefers the layout text and falls back to raw OCR text.
func documentText(pctx *domain.PipelineContext) string {
	if pctx.Layout != nil && strings.TrimSpace(pctx.Layout.Text) != "" {
		return pctx.Layout.Text
	}
	if pctx.OCR != nil {
		return pctx.OCR.Text
	}
	return ""
}

// parseReply decodes the model output, tolerating a fenced code block
// around the JSON object.
func parseReply(text string) (*analysisReply, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}

	var reply analysisReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func stringFields(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
