// Package registry loads the provider fleet from a YAML file and owns it for
// the life of the process. The built structure is immutable; Reload swaps the
// whole thing atomically so in-flight requests never observe partial edits.
package registry

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thriftgate/thriftgate/internal/provider"
	"github.com/thriftgate/thriftgate/internal/provider/anthropic"
	"github.com/thriftgate/thriftgate/internal/provider/openaicompat"
)

const (
	KindAnthropic  = "anthropic"
	KindOpenAIChat = "openai"
)

// Descriptor is one registry file entry. Credentials are never written in the
// file itself; APIKeyEnv names the environment variable that holds them.
type Descriptor struct {
	Name           string  `yaml:"name"`
	Kind           string  `yaml:"kind"`
	Endpoint       string  `yaml:"endpoint"`
	Model          string  `yaml:"model"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	Priority       int     `yaml:"priority"`
	SupportsTools  bool    `yaml:"supports_tools"`
	CostPerMTokIn  float64 `yaml:"cost_per_mtok_input"`
	CostPerMTokOut float64 `yaml:"cost_per_mtok_output"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type registryFile struct {
	Providers []Descriptor `yaml:"providers"`
}

// snapshot is the immutable view handed to request handlers.
type snapshot struct {
	all         []provider.Provider
	toolCapable []provider.Provider
	primary     provider.Provider
	byName      map[string]provider.Provider
}

type Registry struct {
	path      string
	estimator provider.TokenEstimator
	value     atomic.Value // *snapshot
}

// Load reads and validates the registry file and builds the provider fleet.
// A registry without a tool-capable provider is a startup failure, never a
// per-request one.
func Load(path string, estimator provider.TokenEstimator) (*Registry, error) {
	r := &Registry{path: path, estimator: estimator}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the file and swaps the whole structure in one store.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal registry file: %w", err)
	}

	snap, err := build(file.Providers, r.estimator)
	if err != nil {
		return err
	}

	r.value.Store(snap)
	return nil
}

func build(descriptors []Descriptor, estimator provider.TokenEstimator) (*snapshot, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("registry declares no providers")
	}

	seen := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("registry entry with empty name")
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate provider name %q", d.Name)
		}
		seen[d.Name] = true
		if d.Endpoint == "" {
			return nil, fmt.Errorf("provider %q: endpoint is required", d.Name)
		}
		if d.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("provider %q: timeout_seconds must be positive", d.Name)
		}
		if d.Kind != KindAnthropic && d.Kind != KindOpenAIChat {
			return nil, fmt.Errorf("provider %q: unknown kind %q", d.Name, d.Kind)
		}
	}

	// Equal priorities keep declaration order so fallback is deterministic.
	ordered := make([]Descriptor, len(descriptors))
	copy(ordered, descriptors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	snap := &snapshot{byName: make(map[string]provider.Provider, len(ordered))}
	for _, d := range ordered {
		settings := provider.Settings{
			Name:          d.Name,
			Endpoint:      d.Endpoint,
			Model:         d.Model,
			APIKey:        os.Getenv(d.APIKeyEnv),
			SupportsTools: d.SupportsTools,
			CostIn:        d.CostPerMTokIn,
			CostOut:       d.CostPerMTokOut,
			Timeout:       time.Duration(d.TimeoutSeconds) * time.Second,
			Estimator:     estimator,
		}

		var p provider.Provider
		switch d.Kind {
		case KindAnthropic:
			p = anthropic.New(settings)
		case KindOpenAIChat:
			p = openaicompat.New(settings)
		}

		snap.all = append(snap.all, p)
		snap.byName[d.Name] = p
		if d.SupportsTools {
			snap.toolCapable = append(snap.toolCapable, p)
			if snap.primary == nil {
				snap.primary = p
			}
		}
	}

	if snap.primary == nil {
		return nil, fmt.Errorf("registry has no tool-capable provider")
	}

	return snap, nil
}

func (r *Registry) current() *snapshot {
	return r.value.Load().(*snapshot)
}

// All returns every provider sorted by priority.
func (r *Registry) All() []provider.Provider {
	return r.current().all
}

// ToolCapable returns the providers legal for tool-requiring requests,
// sorted by priority.
func (r *Registry) ToolCapable() []provider.Provider {
	return r.current().toolCapable
}

// Primary is the designated tool-capable provider whose cost table is the
// savings baseline.
func (r *Registry) Primary() provider.Provider {
	return r.current().primary
}

func (r *Registry) Get(name string) (provider.Provider, bool) {
	p, ok := r.current().byName[name]
	return p, ok
}
