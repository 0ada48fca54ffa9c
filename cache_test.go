package deckhand

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFingerprintDeterministic(t *testing.T) {
	a, err := Fingerprint("wf-1", 2, map[string]any{"region": "phx", "count": 3})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint("wf-1", 2, map[string]any{"count": 3, "region": "phx"})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Errorf("insertion order changed the fingerprint: %s vs %s", a, b)
	}

	c, _ := Fingerprint("wf-1", 3, map[string]any{"region": "phx", "count": 3})
	if a == c {
		t.Error("version bump kept the fingerprint")
	}
	d, _ := Fingerprint("wf-2", 2, map[string]any{"region": "phx", "count": 3})
	if a == d {
		t.Error("different workflow kept the fingerprint")
	}
}

func TestFingerprintRejectsUnserializable(t *testing.T) {
	_, err := Fingerprint("wf-1", 1, map[string]any{"ch": make(chan int)})
	if KindOf(err) != KindValidation {
		t.Errorf("kind = %v, want Validation", KindOf(err))
	}
}

func TestCacheDoMemoizes(t *testing.T) {
	c := NewResultCache()
	var calls atomic.Int32
	fn := func(context.Context) (any, error) {
		calls.Add(1)
		return "value", nil
	}

	v, cached, err := c.Do(context.Background(), "fp-1", fn)
	if err != nil || v != "value" || cached {
		t.Fatalf("first Do = %v cached=%v err=%v", v, cached, err)
	}
	v, cached, err = c.Do(context.Background(), "fp-1", fn)
	if err != nil || v != "value" || !cached {
		t.Fatalf("second Do = %v cached=%v err=%v", v, cached, err)
	}
	if calls.Load() != 1 {
		t.Errorf("fn ran %d times", calls.Load())
	}
}

func TestCacheDoSharesInflight(t *testing.T) {
	c := NewResultCache()
	var calls atomic.Int32
	gate := make(chan struct{})
	fn := func(context.Context) (any, error) {
		calls.Add(1)
		<-gate
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.Do(context.Background(), "fp-1", fn)
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("fn ran %d times, want 1", calls.Load())
	}
	for i, v := range results {
		if v != "shared" {
			t.Errorf("result %d = %v", i, v)
		}
	}
}

func TestCacheDoNeverCachesFailures(t *testing.T) {
	c := NewResultCache()
	var calls atomic.Int32
	boom := errors.New("boom")
	fail := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}

	if _, _, err := c.Do(context.Background(), "fp-1", fail); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, _, err := c.Do(context.Background(), "fp-1", fail); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("fn ran %d times, want 2", calls.Load())
	}
	if c.Len() != 0 {
		t.Errorf("failure was cached, len = %d", c.Len())
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewResultCache(WithCacheTTL(30 * time.Millisecond))
	if _, _, err := c.Do(context.Background(), "fp-1", func(context.Context) (any, error) {
		return "v1", nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if _, ok := c.Get("fp-1"); !ok {
		t.Fatal("fresh entry missing")
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get("fp-1"); ok {
		t.Error("stale entry survived TTL")
	}
}

func TestCacheEvictsOldest(t *testing.T) {
	c := NewResultCache(WithCacheMaxEntries(2))
	put := func(fp, v string) {
		_, _, err := c.Do(context.Background(), fp, func(context.Context) (any, error) { return v, nil })
		if err != nil {
			t.Fatalf("Do(%s): %v", fp, err)
		}
		// Distinct storedAt timestamps keep eviction order deterministic.
		time.Sleep(2 * time.Millisecond)
	}
	put("fp-1", "a")
	put("fp-2", "b")
	put("fp-3", "c")

	if _, ok := c.Get("fp-1"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.Get("fp-3"); !ok {
		t.Error("newest entry missing")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := NewResultCache()
	_, _, _ = c.Do(context.Background(), "fp-1", func(context.Context) (any, error) { return "v", nil })
	c.Invalidate("fp-1")
	if _, ok := c.Get("fp-1"); ok {
		t.Error("entry survived Invalidate")
	}
}
