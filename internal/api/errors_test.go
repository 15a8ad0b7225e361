package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/docpipe/internal/batch"
	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/store"
)

func TestMapErrorToStatusCode(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{"batch not found", fmt.Errorf("get: %w", store.ErrBatchNotFound), http.StatusNotFound},
		{"chain not found", store.NewStoreError("chain_execution", "get", "missing", store.ErrChainNotFound), http.StatusNotFound},
		{"duplicate", store.ErrDuplicate, http.StatusConflict},
		{"too many items", batch.ErrTooManyItems, http.StatusRequestEntityTooLarge},
		{"empty input", domain.ErrEmptyInput, http.StatusBadRequest},
		{"invalid options", domain.ErrInvalidOptions, http.StatusBadRequest},
		{"unknown chain", fmt.Errorf("%w: receipts", pipeline.ErrUnknownChain), http.StatusBadRequest},
		{"stage validation", pipeline.NewValidationError("document", "bad mime", nil), http.StatusBadRequest},
		{"unavailable", store.ErrUnavailable, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, MapErrorToStatusCode(tc.err))
		})
	}
}

func TestGetSafeErrorMessageHidesDetails(t *testing.T) {
	err := fmt.Errorf("insert failed for postgres://admin:hunter2@db:5432/pipeline: %w", errors.New("timeout"))
	msg := GetSafeErrorMessage(err)
	assert.Equal(t, "An unexpected error occurred", msg)
	assert.NotContains(t, msg, "hunter2")

	assert.Equal(t, "Chain not found", GetSafeErrorMessage(store.ErrChainNotFound))
	assert.Equal(t, "Unknown chain", GetSafeErrorMessage(pipeline.ErrUnknownChain))
}

func TestJSONFieldName(t *testing.T) {
	assert.Equal(t, "input_path", jsonFieldName("InputPath"))
	assert.Equal(t, "items", jsonFieldName("Items"))
	assert.Equal(t, "chunk_size", jsonFieldName("ChunkSize"))
}
