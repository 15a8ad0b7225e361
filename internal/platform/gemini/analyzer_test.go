package gemini

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/phrazzld/docpipe/internal/config"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/stages"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAnalyzer(t *testing.T, handler http.HandlerFunc) *Analyzer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(context.Background(), config.LLMConfig{
		GeminiAPIKey:    "test-key",
		GeminiModel:     "gemini-test",
		GeminiBaseURL:   srv.URL,
		MaxOutputTokens: 512,
		RequestTimeout:  5 * time.Second,
	}, srv.Client(), testLogger())
	require.NoError(t, err)
	return a
}

func reply(text, finishReason string) string {
	body := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": text}},
			},
			"finishReason": finishReason,
		}},
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(context.Background(), config.LLMConfig{GeminiModel: "m"}, nil, testLogger())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(context.Background(), config.LLMConfig{GeminiAPIKey: "k"}, nil, testLogger())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(context.Background(), config.LLMConfig{GeminiAPIKey: "k", GeminiModel: "m"}, nil, nil)
	assert.Error(t, err)
}

func TestAnalyzeSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	a := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply(`{"summary":"ok"}`, "STOP"))
	})

	assert.Equal(t, "gemini", a.Provider())

	resp, err := a.Analyze(context.Background(), stages.AnalysisRequest{
		System:      "be terse",
		Prompt:      "analyze this",
		Temperature: 0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, resp.Text)
	assert.Equal(t, "gemini-test", resp.Model)
	assert.True(t, strings.HasSuffix(gotPath, "models/gemini-test:generateContent"), gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Contains(t, gotBody, "systemInstruction")
	assert.Contains(t, gotBody, "contents")
}

func TestAnalyzeUsesRequestModel(t *testing.T) {
	var gotPath string
	a := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, reply("{}", "STOP"))
	})

	resp, err := a.Analyze(context.Background(), stages.AnalysisRequest{Prompt: "p", Model: "gemini-other"})
	require.NoError(t, err)
	assert.Equal(t, "gemini-other", resp.Model)
	assert.Contains(t, gotPath, "gemini-other")
}

func TestAnalyzeSafetyBlockIsFatal(t *testing.T) {
	a := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, reply("", "SAFETY"))
	})

	_, err := a.Analyze(context.Background(), stages.AnalysisRequest{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, stages.ErrContentBlocked)
	assert.False(t, pipeline.IsRetryable(err))
}

func TestAnalyzeEmptyResponse(t *testing.T) {
	a := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[]}`)
	})

	_, err := a.Analyze(context.Background(), stages.AnalysisRequest{Prompt: "p"})
	assert.ErrorIs(t, err, stages.ErrEmptyResponse)
}

func TestAnalyzeErrorClassification(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, true},
		{"server error", http.StatusServiceUnavailable, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`, true},
		{"bad request", http.StatusBadRequest, `{"error":{"code":400,"message":"nope","status":"INVALID_ARGUMENT"}}`, false},
		{"forbidden", http.StatusForbidden, `{"error":{"code":403,"message":"nope","status":"PERMISSION_DENIED"}}`, false},
		{"rpc code with exhausted status", http.StatusTooManyRequests, `{"error":{"code":8,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, true},
		{"rpc code with invalid status", http.StatusBadRequest, `{"error":{"code":3,"message":"nope","status":"INVALID_ARGUMENT"}}`, false},
		{"plain text body", http.StatusBadGateway, `upstream unavailable`, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			a := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			_, err := a.Analyze(context.Background(), stages.AnalysisRequest{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tc.retryable, pipeline.IsRetryable(err))
			assert.Equal(t, int32(1), calls.Load(), "the adapter must not retry on its own")
		})
	}
}

func TestTransientAPIError(t *testing.T) {
	assert.True(t, transientAPIError(genai.APIError{Code: 500}))
	assert.True(t, transientAPIError(genai.APIError{Code: 14, Status: "UNAVAILABLE"}))
	assert.False(t, transientAPIError(genai.APIError{Code: 404, Status: "UNAVAILABLE"}), "an HTTP code wins over the status name")
	assert.False(t, transientAPIError(genai.APIError{Status: "NOT_FOUND"}))
}

func TestAnalyzeTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a, err := New(context.Background(), config.LLMConfig{
		GeminiAPIKey:   "k",
		GeminiModel:    "m",
		GeminiBaseURL:  url,
		RequestTimeout: time.Second,
	}, nil, testLogger())
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), stages.AnalysisRequest{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, pipeline.IsRetryable(err))
}
