// Package ocrhttp is a stages.OCREngine backed by an OCR service speaking
// JSON over HTTP. The service runs EasyOCR or PaddleOCR and returns one
// block per detected text region.
package ocrhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/phrazzld/docpipe/internal/config"
	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/stages"
)

const (
	recognizePath = "/v1/recognize"
	maxErrorBody  = 4 << 10
)

// ErrUnsupportedDocument is returned for documents the service cannot read.
var ErrUnsupportedDocument = errors.New("unsupported document type")

var supportedTypes = []string{"image/png", "image/jpeg", "image/tiff", "image/webp", "image/bmp", "application/pdf"}

type recognizeRequest struct {
	Engine        string   `json:"engine"`
	Languages     []string `json:"languages"`
	MinConfidence float64  `json:"min_confidence"`
	MIMEType      string   `json:"mime_type"`
	Document      string   `json:"document"`
}

type recognizeBlock struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	// Box is the region polygon as [x, y] points.
	Box [][2]float64 `json:"box"`
}

type recognizeResponse struct {
	Engine string           `json:"engine"`
	Blocks []recognizeBlock `json:"blocks"`
}

// Client calls the OCR service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

var _ stages.OCREngine = (*Client)(nil)

// New creates a Client. httpClient may be nil.
func New(cfg config.OCRConfig, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("ocr url cannot be empty")
	}
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.Timeout = cfg.Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		logger:  logger.With("component", "ocr_client"),
	}, nil
}

// Recognize implements stages.OCREngine.
func (c *Client) Recognize(ctx context.Context, document []byte, opts domain.OCROptions) (*stages.Recognition, error) {
	mime := mimetype.Detect(document)
	if !mimetype.EqualsAny(mime.String(), supportedTypes...) {
		return nil, pipeline.NewValidationError("document", mime.String(), ErrUnsupportedDocument)
	}

	body, err := json.Marshal(recognizeRequest{
		Engine:        opts.Engine,
		Languages:     opts.Languages,
		MinConfidence: opts.MinConfidence,
		MIMEType:      mime.String(),
		Document:      base64.StdEncoding.EncodeToString(document),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+recognizePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.DebugContext(ctx, "Calling OCR service",
		"engine", opts.Engine,
		"mime_type", mime.String(),
		"document_bytes", len(document))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, pipeline.Retryable(fmt.Errorf("ocr request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode >= 500 {
			return nil, pipeline.Retryable(err)
		}
		return nil, err
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, pipeline.Retryable(fmt.Errorf("failed to decode ocr response: %w", err))
	}

	engine := out.Engine
	if engine == "" {
		engine = opts.Engine
	}
	blocks := make([]domain.TextBlock, 0, len(out.Blocks))
	for _, b := range out.Blocks {
		blocks = append(blocks, domain.TextBlock{
			Text:       b.Text,
			Confidence: clamp(b.Confidence),
			BBox:       bounds(b.Box),
		})
	}
	return &stages.Recognition{Engine: engine, Blocks: blocks}, nil
}

// bounds returns the axis-aligned box enclosing the polygon.
func bounds(points [][2]float64) domain.BoundingBox {
	if len(points) == 0 {
		return domain.BoundingBox{}
	}
	box := domain.BoundingBox{X0: math.Inf(1), Y0: math.Inf(1), X1: math.Inf(-1), Y1: math.Inf(-1)}
	for _, p := range points {
		box.X0 = math.Min(box.X0, p[0])
		box.Y0 = math.Min(box.Y0, p[1])
		box.X1 = math.Max(box.X1, p[0])
		box.Y1 = math.Max(box.Y1, p[1])
	}
	return box
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
