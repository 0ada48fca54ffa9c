package deckhand

import (
	"context"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LanguageModel abstracts the chat model backend.
type LanguageModel interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams text deltas into ch, then returns the final
	// response with tool calls and usage stats. Implementations must
	// not close ch; the caller owns it.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the backend name (e.g. "anthropic", "oci").
	Name() string
}

// ProviderKind identifies a model backend family.
type ProviderKind string

const (
	ProviderOCI         ProviderKind = "oci"
	ProviderOpenAI      ProviderKind = "openai"
	ProviderAnthropic   ProviderKind = "anthropic"
	ProviderGoogle      ProviderKind = "google"
	ProviderAzureOpenAI ProviderKind = "azure-openai"
)

func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderOCI, ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderAzureOpenAI:
		return true
	}
	return false
}

// ProviderConfig describes one configured backend.
type ProviderConfig struct {
	ID    string       `json:"id" toml:"id"`
	Kind  ProviderKind `json:"kind" toml:"kind"`
	Model string       `json:"model" toml:"model"`

	// Models is the allowlist of requestable model names. Requests for a
	// model outside the list fall back to Model, which is always allowed.
	Models []string `json:"models,omitempty" toml:"models"`

	APIKey   string `json:"-" toml:"api_key"`
	Endpoint string `json:"endpoint,omitempty" toml:"endpoint"`

	// Azure OpenAI deployment name; ignored by other kinds.
	Deployment string `json:"deployment,omitempty" toml:"deployment"`
	// OCI Generative AI compartment; ignored by other kinds.
	CompartmentID string `json:"compartmentId,omitempty" toml:"compartment_id"`
	Region        string `json:"region,omitempty" toml:"region"`
}

// ResolveModel maps a requested model to one the provider allows.
// Unknown or empty requests fall back to the default model.
func (c ProviderConfig) ResolveModel(requested string) string {
	if requested == "" || requested == c.Model {
		return c.Model
	}
	if slices.Contains(c.Models, requested) {
		return requested
	}
	return c.Model
}

// equal reports whether two configs are identical, allowlist included.
func (c ProviderConfig) equal(other ProviderConfig) bool {
	if !slices.Equal(c.Models, other.Models) {
		return false
	}
	c.Models, other.Models = nil, nil
	return reflect.DeepEqual(c, other)
}

// Validate checks the fields every backend needs.
func (c ProviderConfig) Validate() error {
	if c.ID == "" {
		return E(KindValidation, "provider id is required")
	}
	if !c.Kind.Valid() {
		return Errorf(KindValidation, "unknown provider kind %q", c.Kind).With("id", c.ID)
	}
	if c.Model == "" {
		return Errorf(KindValidation, "provider %s has no model", c.ID)
	}
	return nil
}

// ProviderBuilder turns a config into a live backend client.
type ProviderBuilder func(cfg ProviderConfig) (LanguageModel, error)

// ProviderRegistry resolves provider ids to built LanguageModel
// instances. Construction is lazy and deduplicated: concurrent Get
// calls for the same id share one build. Reload swaps the config set
// copy-on-write; models handed out before a reload keep working, so
// in-flight streams never lose their backend mid-response.
type ProviderRegistry struct {
	build  ProviderBuilder
	logger *slog.Logger

	mu      sync.RWMutex
	configs map[string]ProviderConfig
	models  map[string]LanguageModel
	group   singleflight.Group
}

// ProviderRegistryOption configures a ProviderRegistry.
type ProviderRegistryOption func(*ProviderRegistry)

// WithProviderLogger sets the logger. Defaults to a no-op logger.
func WithProviderLogger(l *slog.Logger) ProviderRegistryOption {
	return func(r *ProviderRegistry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewProviderRegistry creates a registry over the given configs.
// Invalid configs are rejected here, not at first use.
func NewProviderRegistry(build ProviderBuilder, configs []ProviderConfig, opts ...ProviderRegistryOption) (*ProviderRegistry, error) {
	if build == nil {
		return nil, E(KindInternal, "provider builder is required")
	}
	r := &ProviderRegistry{
		build:   build,
		logger:  nopLogger,
		configs: make(map[string]ProviderConfig, len(configs)),
		models:  make(map[string]LanguageModel),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.configs[cfg.ID]; dup {
			return nil, Errorf(KindValidation, "duplicate provider id %q", cfg.ID)
		}
		r.configs[cfg.ID] = cfg
	}
	return r, nil
}

// Get returns the built model for id, constructing it on first use.
func (r *ProviderRegistry) Get(ctx context.Context, id string) (LanguageModel, error) {
	r.mu.RLock()
	if m, ok := r.models[id]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	cfg, ok := r.configs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(KindNotFound, "unknown provider %q", id)
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		m, err := r.build(cfg)
		if err != nil {
			return nil, Errorf(KindInternal, "build provider %s: %v", id, err)
		}
		r.mu.Lock()
		// A reload may have replaced or removed the config while we were
		// building. Only cache when the config we built from is still
		// current; the caller still gets a working instance either way.
		if current, ok := r.configs[id]; ok && current.equal(cfg) {
			r.models[id] = m
		}
		r.mu.Unlock()
		r.logger.Info("provider built", "provider", id, "kind", string(cfg.Kind))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(LanguageModel), nil
}

// Config returns the stored config for id.
func (r *ProviderRegistry) Config(id string) (ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// IDs lists configured provider ids in sorted order.
func (r *ProviderRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reload replaces the config set. Unchanged configs keep their built
// instances; changed or removed ids are dropped and rebuilt on next
// Get. Models already handed out are unaffected.
func (r *ProviderRegistry) Reload(configs []ProviderConfig) error {
	next := make(map[string]ProviderConfig, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, dup := next[cfg.ID]; dup {
			return Errorf(KindValidation, "duplicate provider id %q", cfg.ID)
		}
		next[cfg.ID] = cfg
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	models := make(map[string]LanguageModel, len(r.models))
	for id, m := range r.models {
		if cfg, ok := next[id]; ok && cfg.equal(r.configs[id]) {
			models[id] = m
		}
	}
	r.configs = next
	r.models = models
	r.logger.Info("providers reloaded", "count", len(next))
	return nil
}
