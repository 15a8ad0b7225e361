package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// stubTask runs run when executed. A nil run succeeds.
type stubTask struct {
	id       uuid.UUID
	taskType string
	payload  []byte
	run      func(ctx context.Context) error
}

func (s *stubTask) ID() uuid.UUID      { return s.id }
func (s *stubTask) Type() string       { return s.taskType }
func (s *stubTask) Payload() []byte    { return s.payload }
func (s *stubTask) Status() TaskStatus { return TaskStatusPending }

func (s *stubTask) Execute(ctx context.Context) error {
	if s.run == nil {
		return nil
	}
	return s.run(ctx)
}

func newStubTask(id uuid.UUID, taskType string, payload []byte) *stubTask {
	return &stubTask{id: id, taskType: taskType, payload: payload}
}

type stubPayload struct {
	Label string `json:"label"`
}

// stubTaskFor returns a chunk-typed task whose payload carries label.
func stubTaskFor(label string) *stubTask {
	data, _ := json.Marshal(stubPayload{Label: label})
	return newStubTask(uuid.New(), TaskTypeBatchChunk, data)
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
