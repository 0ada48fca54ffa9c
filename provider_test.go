package deckhand

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeModel is a minimal LanguageModel for registry tests.
type fakeModel struct {
	name string
}

func (m *fakeModel) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	return ChatResponse{Content: "ok", Model: m.name}, nil
}

func (m *fakeModel) ChatStream(_ context.Context, _ ChatRequest, _ chan<- string) (ChatResponse, error) {
	return ChatResponse{Content: "ok", Model: m.name}, nil
}

func (m *fakeModel) Name() string { return m.name }

func testConfigs() []ProviderConfig {
	return []ProviderConfig{
		{ID: "oci-genai", Kind: ProviderOCI, Model: "cohere.command-r", Region: "us-ashburn-1", CompartmentID: "ocid1.compartment.oc1..x"},
		{ID: "claude", Kind: ProviderAnthropic, Model: "claude-sonnet-4-5", APIKey: "k"},
	}
}

func TestProviderRegistryLazyBuild(t *testing.T) {
	var builds atomic.Int32
	build := func(cfg ProviderConfig) (LanguageModel, error) {
		builds.Add(1)
		return &fakeModel{name: cfg.ID}, nil
	}
	r, err := NewProviderRegistry(build, testConfigs())
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	if builds.Load() != 0 {
		t.Fatalf("builds at construction = %d, want 0", builds.Load())
	}

	ctx := context.Background()
	m1, err := r.Get(ctx, "claude")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m2, err := r.Get(ctx, "claude")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if m1 != m2 {
		t.Error("second Get returned a different instance")
	}
	if builds.Load() != 1 {
		t.Errorf("builds = %d, want 1", builds.Load())
	}
}

func TestProviderRegistryConcurrentGetBuildsOnce(t *testing.T) {
	var builds atomic.Int32
	gate := make(chan struct{})
	build := func(cfg ProviderConfig) (LanguageModel, error) {
		builds.Add(1)
		<-gate
		return &fakeModel{name: cfg.ID}, nil
	}
	r, err := NewProviderRegistry(build, testConfigs())
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]LanguageModel, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := r.Get(context.Background(), "oci-genai")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			results[i] = m
		}()
	}
	close(gate)
	wg.Wait()

	if builds.Load() != 1 {
		t.Errorf("builds = %d, want 1", builds.Load())
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different instance", i)
		}
	}
}

func TestProviderRegistryUnknownID(t *testing.T) {
	r, err := NewProviderRegistry(func(cfg ProviderConfig) (LanguageModel, error) {
		return &fakeModel{name: cfg.ID}, nil
	}, testConfigs())
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	_, err = r.Get(context.Background(), "nope")
	if KindOf(err) != KindNotFound {
		t.Errorf("kind = %v, want NotFound", KindOf(err))
	}
}

func TestProviderRegistryValidation(t *testing.T) {
	build := func(cfg ProviderConfig) (LanguageModel, error) {
		return &fakeModel{name: cfg.ID}, nil
	}
	tests := []struct {
		name    string
		configs []ProviderConfig
	}{
		{"missing id", []ProviderConfig{{Kind: ProviderOpenAI, Model: "gpt-4o"}}},
		{"bad kind", []ProviderConfig{{ID: "x", Kind: "watson", Model: "m"}}},
		{"missing model", []ProviderConfig{{ID: "x", Kind: ProviderOpenAI}}},
		{"duplicate id", []ProviderConfig{
			{ID: "x", Kind: ProviderOpenAI, Model: "gpt-4o"},
			{ID: "x", Kind: ProviderAnthropic, Model: "claude"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProviderRegistry(build, tt.configs); KindOf(err) != KindValidation {
				t.Errorf("kind = %v, want Validation", KindOf(err))
			}
		})
	}
}

func TestProviderRegistryReload(t *testing.T) {
	var builds atomic.Int32
	build := func(cfg ProviderConfig) (LanguageModel, error) {
		builds.Add(1)
		return &fakeModel{name: cfg.ID + "/" + cfg.Model}, nil
	}
	r, err := NewProviderRegistry(build, testConfigs())
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	ctx := context.Background()

	before, err := r.Get(ctx, "claude")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Change claude's model, keep oci-genai identical, drop nothing.
	next := testConfigs()
	next[1].Model = "claude-opus-4-1"
	if err := r.Reload(next); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	after, err := r.Get(ctx, "claude")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if after == before {
		t.Error("changed config did not rebuild")
	}
	if after.Name() != "claude/claude-opus-4-1" {
		t.Errorf("rebuilt name = %s", after.Name())
	}
	// The instance handed out before the reload still works.
	if resp, err := before.Chat(ctx, ChatRequest{}); err != nil || resp.Content != "ok" {
		t.Errorf("old instance broken after reload: %v %v", resp, err)
	}

	// Unchanged config keeps its built instance across reloads.
	oci1, _ := r.Get(ctx, "oci-genai")
	if err := r.Reload(next); err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	oci2, _ := r.Get(ctx, "oci-genai")
	if oci1 != oci2 {
		t.Error("unchanged config was rebuilt")
	}
}

func TestProviderRegistryReloadRemoves(t *testing.T) {
	r, err := NewProviderRegistry(func(cfg ProviderConfig) (LanguageModel, error) {
		return &fakeModel{name: cfg.ID}, nil
	}, testConfigs())
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	if err := r.Reload(testConfigs()[:1]); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := r.Get(context.Background(), "claude"); KindOf(err) != KindNotFound {
		t.Errorf("removed provider still resolvable, err = %v", err)
	}
	ids := r.IDs()
	if len(ids) != 1 || ids[0] != "oci-genai" {
		t.Errorf("IDs = %v", ids)
	}
}

func TestProviderRegistryBuildError(t *testing.T) {
	calls := 0
	r, err := NewProviderRegistry(func(cfg ProviderConfig) (LanguageModel, error) {
		calls++
		return nil, E(KindInternal, "boom")
	}, testConfigs())
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	ctx := context.Background()
	if _, err := r.Get(ctx, "claude"); err == nil {
		t.Fatal("Get succeeded with failing builder")
	}
	// Failed builds are not cached; the next Get tries again.
	_, _ = r.Get(ctx, "claude")
	if calls != 2 {
		t.Errorf("builder calls = %d, want 2", calls)
	}
}
