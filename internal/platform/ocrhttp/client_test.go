package ocrhttp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/docpipe/internal/config"
	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/pipeline"
)

var pngDoc = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(config.OCRConfig{URL: srv.URL + "/", APIKey: "ocr-key", Timeout: 5 * time.Second},
		nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func opts() domain.OCROptions {
	return domain.OCROptions{Engine: domain.OCREngineEasyOCR, Languages: []string{"en", "de"}, MinConfidence: 0.4}
}

func TestRecognize(t *testing.T) {
	var got recognizeRequest
	var gotPath, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"engine":"easyocr","blocks":[
			{"text":"Invoice","confidence":0.98,"box":[[10,20],[110,20],[110,40],[10,40]]},
			{"text":"Total","confidence":1.4,"box":[[12,60],[70,58],[72,80],[11,81]]}
		]}`)
	})

	rec, err := c.Recognize(context.Background(), pngDoc, opts())
	require.NoError(t, err)

	assert.Equal(t, "/v1/recognize", gotPath)
	assert.Equal(t, "Bearer ocr-key", gotAuth)
	assert.Equal(t, "easyocr", got.Engine)
	assert.Equal(t, []string{"en", "de"}, got.Languages)
	assert.Equal(t, "image/png", got.MIMEType)
	decoded, err := base64.StdEncoding.DecodeString(got.Document)
	require.NoError(t, err)
	assert.Equal(t, pngDoc, decoded)

	assert.Equal(t, "easyocr", rec.Engine)
	require.Len(t, rec.Blocks, 2)
	assert.Equal(t, "Invoice", rec.Blocks[0].Text)
	assert.Equal(t, domain.BoundingBox{X0: 10, Y0: 20, X1: 110, Y1: 40}, rec.Blocks[0].BBox)
	assert.Equal(t, 1.0, rec.Blocks[1].Confidence)
	assert.Equal(t, domain.BoundingBox{X0: 11, Y0: 58, X1: 72, Y1: 81}, rec.Blocks[1].BBox)
}

func TestRecognizeRejectsUnsupportedDocument(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.Recognize(context.Background(), []byte("just some text"), opts())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedDocument)
	assert.False(t, pipeline.IsRetryable(err))
	assert.False(t, called)
}

func TestRecognizeErrorClassification(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", true},
		{"unavailable", http.StatusServiceUnavailable, "down", true},
		{"bad request", http.StatusBadRequest, "bad engine", false},
		{"garbled body", http.StatusOK, "{not json", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			_, err := c.Recognize(context.Background(), pngDoc, opts())
			require.Error(t, err)
			assert.Equal(t, tc.retryable, pipeline.IsRetryable(err))
		})
	}
}

func TestBounds(t *testing.T) {
	assert.Equal(t, domain.BoundingBox{}, bounds(nil))
	assert.Equal(t, domain.BoundingBox{X0: 1, Y0: 2, X1: 1, Y1: 2}, bounds([][2]float64{{1, 2}}))
}
