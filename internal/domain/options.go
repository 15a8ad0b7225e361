package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// OCR engines understood by the OCR stage.
const (
	OCREngineEasyOCR   = "easyocr"
	OCREnginePaddleOCR = "paddleocr"
)

// LLM providers understood by the analysis stage.
const (
	LLMProviderGemini = "gemini"
	LLMProviderOpenAI = "openai"
)

// Output formats produced by post-processing.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// OCROptions controls text recognition.
type OCROptions struct {
	Engine        string   `json:"engine"         validate:"required,oneof=easyocr paddleocr"`
	Languages     []string `json:"languages"      validate:"required,min=1,dive,required"`
	MinConfidence float64  `json:"min_confidence" validate:"gte=0,lte=1"`
}

// LayoutOptions controls how OCR blocks are grouped into lines and paragraphs.
type LayoutOptions struct {
	// LineTolerance is the vertical distance within which blocks share a line.
	LineTolerance float64 `json:"line_tolerance" validate:"gte=0"`
	// ParagraphGap is the vertical gap between lines that starts a new paragraph.
	ParagraphGap float64 `json:"paragraph_gap"  validate:"gte=0"`
}

// LLMOptions controls document analysis.
type LLMOptions struct {
	Provider     string  `json:"provider"     validate:"required,oneof=gemini openai"`
	Model        string  `json:"model"`
	Instructions string  `json:"instructions" validate:"max=4000"`
	Temperature  float64 `json:"temperature"  validate:"gte=0,lte=2"`
}

// PostProcessOptions controls rendering and upload of the final output.
type PostProcessOptions struct {
	Format       string `json:"format"        validate:"required,oneof=json markdown text"`
	Upload       bool   `json:"upload"`
	OutputPrefix string `json:"output_prefix" validate:"required_if=Upload true"`
}

// Options is the typed set of per-run pipeline options.
type Options struct {
	OCR         OCROptions         `json:"ocr"`
	Layout      LayoutOptions      `json:"layout"`
	LLM         LLMOptions         `json:"llm"`
	PostProcess PostProcessOptions `json:"post_process"`
}

var optionsValidator = validator.New()

// DefaultOptions returns the options used when a request does not override them.
func DefaultOptions() Options {
	return Options{
		OCR: OCROptions{
			Engine:        OCREngineEasyOCR,
			Languages:     []string{"en"},
			MinConfidence: 0.3,
		},
		Layout: LayoutOptions{
			LineTolerance: 8,
			ParagraphGap:  24,
		},
		LLM: LLMOptions{
			Provider:    LLMProviderGemini,
			Temperature: 0.2,
		},
		PostProcess: PostProcessOptions{
			Format: FormatJSON,
		},
	}
}

// Validate checks the options against their field constraints.
func (o Options) Validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}
