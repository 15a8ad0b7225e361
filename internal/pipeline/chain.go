package pipeline

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultChainName is the chain used when a request names none.
const DefaultChainName = "document_analysis"

//go:embed chains.yaml
var defaultDefinitions []byte

// Chain is a resolved, ordered list of stages with its retry behaviour.
type Chain struct {
	Name   string
	Stages []Stage
	Retry  RetryPolicy
	// StageTimeout bounds each Execute attempt. Zero means no per-attempt bound.
	StageTimeout time.Duration
}

// StageNames returns the names of the chain's stages in order.
func (c *Chain) StageNames() []string {
	names := make([]string, len(c.Stages))
	for i, s := range c.Stages {
		names[i] = s.Name()
	}
	return names
}

// RetrySpec overrides parts of the default retry policy for one chain.
type RetrySpec struct {
	MaxRetries     *int           `yaml:"max_retries"`
	InitialBackoff *time.Duration `yaml:"initial_backoff"`
	Multiplier     *float64       `yaml:"multiplier"`
	MaxBackoff     *time.Duration `yaml:"max_backoff"`
	Jitter         *bool          `yaml:"jitter"`
}

func (s *RetrySpec) apply(p RetryPolicy) RetryPolicy {
	if s == nil {
		return p
	}
	if s.MaxRetries != nil {
		p.MaxRetries = *s.MaxRetries
	}
	if s.InitialBackoff != nil {
		p.InitialBackoff = *s.InitialBackoff
	}
	if s.Multiplier != nil {
		p.Multiplier = *s.Multiplier
	}
	if s.MaxBackoff != nil {
		p.MaxBackoff = *s.MaxBackoff
	}
	if s.Jitter != nil {
		p.Jitter = *s.Jitter
	}
	return p
}

// Definition is the declarative form of a chain.
type Definition struct {
	Name         string        `yaml:"name"`
	Stages       []string      `yaml:"stages"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
	Retry        *RetrySpec    `yaml:"retry"`
}

type definitionFile struct {
	Chains []Definition `yaml:"chains"`
}

// LoadDefinitions parses chain definitions from YAML.
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	var f definitionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode chain definitions: %w", err)
	}
	if len(f.Chains) == 0 {
		return nil, fmt.Errorf("chain definitions: no chains defined")
	}
	seen := make(map[string]bool, len(f.Chains))
	for i, d := range f.Chains {
		if d.Name == "" {
			return nil, fmt.Errorf("chain definitions: chain %d has no name", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("chain definitions: duplicate chain %q", d.Name)
		}
		if len(d.Stages) == 0 {
			return nil, fmt.Errorf("chain definitions: chain %q has no stages", d.Name)
		}
		seen[d.Name] = true
	}
	return f.Chains, nil
}

// LoadDefinitionsFile reads definitions from path, or the built-in
// definitions when path is empty.
func LoadDefinitionsFile(path string) ([]Definition, error) {
	if path == "" {
		return LoadDefinitions(bytes.NewReader(defaultDefinitions))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chain definitions: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadDefinitions(f)
}

// Catalog holds the chains available to the coordinator.
type Catalog struct {
	chains map[string]*Chain
}

// BuildCatalog resolves every definition against the registry. An unknown
// stage name fails the whole build.
func (r *Registry) BuildCatalog(defs []Definition, defaults RetryPolicy) (*Catalog, error) {
	c := &Catalog{chains: make(map[string]*Chain, len(defs))}
	for _, d := range defs {
		stages, err := r.Resolve(d.Stages)
		if err != nil {
			return nil, fmt.Errorf("chain %q: %w", d.Name, err)
		}
		c.chains[d.Name] = &Chain{
			Name:         d.Name,
			Stages:       stages,
			Retry:        d.Retry.apply(defaults),
			StageTimeout: d.StageTimeout,
		}
	}
	return c, nil
}

// Get returns the chain called name.
func (c *Catalog) Get(name string) (*Chain, error) {
	if name == "" {
		name = DefaultChainName
	}
	ch, ok := c.chains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, name)
	}
	return ch, nil
}

// Names returns the catalog's chain names sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.chains))
	for n := range c.chains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
