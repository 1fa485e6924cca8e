package cursor

import (
	"context"
	"errors"
	"sync"
	"testing"

	xerrors "IRIS-Chain/internal/errors"
)

type flakyStore struct {
	MemoryStore
	failSave bool
}

func (f *flakyStore) Save(ctx context.Context, block uint64) error {
	if f.failSave {
		return errors.New("redis unavailable")
	}
	return f.MemoryStore.Save(ctx, block)
}

func TestInitStartsAtHead(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), 10)

	c := New(store)
	start, err := c.Init(context.Background(), 50, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if start != 50 || c.Value() != 50 {
		t.Fatalf("expected cursor at head, got %d", c.Value())
	}
}

func TestInitResumesFromStore(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), 42)

	c := New(store)
	if _, err := c.Init(context.Background(), 50, true); err != nil {
		t.Fatalf("init: %v", err)
	}
	if c.Value() != 42 {
		t.Fatalf("expected resume at 42, got %d", c.Value())
	}

	ahead := NewMemoryStore()
	_ = ahead.Save(context.Background(), 99)
	c = New(ahead)
	if _, err := c.Init(context.Background(), 50, true); err != nil {
		t.Fatalf("init: %v", err)
	}
	if c.Value() != 50 {
		t.Fatalf("stored value beyond head should be ignored, got %d", c.Value())
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	c := New(nil)
	if _, err := c.Init(context.Background(), 10, false); err != nil {
		t.Fatalf("init: %v", err)
	}

	steps := []struct {
		to       uint64
		advanced bool
		want     uint64
	}{
		{12, true, 12},
		{11, false, 12},
		{12, false, 12},
		{20, true, 20},
	}
	for _, step := range steps {
		advanced, err := c.Advance(context.Background(), step.to)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if advanced != step.advanced || c.Value() != step.want {
			t.Fatalf("advance(%d): advanced=%v value=%d", step.to, advanced, c.Value())
		}
	}
}

func TestAdvanceConcurrentNeverDecreases(t *testing.T) {
	c := New(nil)
	var wg sync.WaitGroup
	for i := uint64(1); i <= 100; i++ {
		wg.Add(1)
		go func(to uint64) {
			defer wg.Done()
			_, _ = c.Advance(context.Background(), to)
		}(i)
	}
	wg.Wait()
	if c.Value() != 100 {
		t.Fatalf("expected 100, got %d", c.Value())
	}
}

func TestAdvanceStoreFailureKeepsValue(t *testing.T) {
	store := &flakyStore{}
	c := New(store)
	if _, err := c.Init(context.Background(), 5, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	store.failSave = true

	advanced, err := c.Advance(context.Background(), 8)
	if !advanced || c.Value() != 8 {
		t.Fatalf("in-memory value should advance even if persistence fails")
	}
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
}
