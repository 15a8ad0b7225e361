package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusStarted, false},
		{StatusRetry, false},
		{StatusSuccess, true},
		{StatusFailure, true},
		{StatusRevoked, true},
	}

	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.status.IsTerminal())
			assert.NoError(t, tc.status.Validate())
		})
	}

	assert.ErrorIs(t, Status("DONE").Validate(), ErrInvalidStatus)
}

func TestTotalChunksFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		items, size, want int
	}{
		{10, 3, 4},
		{9, 3, 3},
		{1, 10, 1},
		{0, 5, 0},
		{5, 0, 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, TotalChunksFor(tc.items, tc.size), "items=%d size=%d", tc.items, tc.size)
	}
}

func TestNewBatchExecution(t *testing.T) {
	t.Parallel()

	b, err := NewBatchExecution("01HZX", "invoices", "document_analysis", 10, 3, "svc", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, 4, b.TotalChunks)
	assert.Zero(t, b.CompletedItems)
	assert.Zero(t, b.FailedItems)

	_, err = NewBatchExecution("01HZX", "x", "c", 0, 3, "", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = NewBatchExecution("", "x", "c", 3, 3, "", nil)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestNewChainExecution(t *testing.T) {
	t.Parallel()

	c, err := NewChainExecution("c1", "document_analysis", "", 4, "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, c.Status)
	assert.InDelta(t, 0.0, c.Progress(), 0.0001)

	c.CompletedTasks, c.FailedTasks = 2, 1
	assert.InDelta(t, 0.75, c.Progress(), 0.0001)

	_, err = NewChainExecution("c1", "x", "", 0, "", nil)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestPipelineContextCompletion(t *testing.T) {
	t.Parallel()

	pctx, err := NewPipelineContext("", "chain-1", "document_analysis", "docs/a.png", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, StandaloneBatchID, pctx.StoreBatchID())
	assert.Equal(t, StatusPending, pctx.Status)

	pctx.RetryCount = 2
	pctx.Error = "boom"
	pctx.MarkCompleted("ocr")
	pctx.MarkCompleted("ocr")

	assert.Equal(t, []string{"ocr"}, pctx.CompletedStages)
	assert.True(t, pctx.HasCompleted("ocr"))
	assert.False(t, pctx.HasCompleted("layout"))
	assert.Zero(t, pctx.RetryCount)
	assert.Empty(t, pctx.Error)

	_, err = NewPipelineContext("b", "", "x", "p", DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = NewPipelineContext("b", "c", "x", "", DefaultOptions())
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultOptions().Validate())

	tests := []struct {
		name   string
		mutate func(*Options)
		field  string
	}{
		{"unknown engine", func(o *Options) { o.OCR.Engine = "tesseract" }, "Engine"},
		{"no languages", func(o *Options) { o.OCR.Languages = nil }, "Languages"},
		{"confidence above one", func(o *Options) { o.OCR.MinConfidence = 1.5 }, "MinConfidence"},
		{"negative tolerance", func(o *Options) { o.Layout.LineTolerance = -1 }, "LineTolerance"},
		{"unknown provider", func(o *Options) { o.LLM.Provider = "llama" }, "Provider"},
		{"hot temperature", func(o *Options) { o.LLM.Temperature = 3 }, "Temperature"},
		{"upload without prefix", func(o *Options) { o.PostProcess.Upload = true }, "OutputPrefix"},
		{"unknown format", func(o *Options) { o.PostProcess.Format = "xml" }, "Format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(&opts)
			err := opts.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidOptions)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestTruncateError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", TruncateError("short"))
	long := strings.Repeat("é", MaxTaskErrorLength+20)
	got := TruncateError(long)
	assert.Len(t, []rune(got), MaxTaskErrorLength)
}
