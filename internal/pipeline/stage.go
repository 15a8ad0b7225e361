package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/phrazzld/docpipe/internal/domain"
)

// Stage names understood by the registry.
const (
	StageOCR            = "ocr"
	StageLayout         = "layout"
	StageLLMAnalysis    = "llm_analysis"
	StagePostProcessing = "post_processing"
)

// Stage is one step of a chain. ValidateInput failures are fatal and never
// consume a retry; Execute errors are classified by the chain's RetryPolicy.
type Stage interface {
	Name() string
	ValidateInput(pctx *domain.PipelineContext) error
	Execute(ctx context.Context, pctx *domain.PipelineContext) (*domain.PipelineContext, error)
	ValidateOutput(pctx *domain.PipelineContext) error
}

// Registry maps stage names to implementations.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry creates a registry holding stages.
func NewRegistry(stages ...Stage) *Registry {
	r := &Registry{stages: make(map[string]Stage, len(stages))}
	for _, s := range stages {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a stage under its name.
func (r *Registry) Register(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[s.Name()] = s
}

// Resolve returns the stages for names in order, failing on the first unknown name.
func (r *Registry) Resolve(names []string) ([]Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stage, 0, len(names))
	for _, name := range names {
		s, ok := r.stages[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
		}
		out = append(out, s)
	}
	return out, nil
}

// Names returns the registered stage names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
