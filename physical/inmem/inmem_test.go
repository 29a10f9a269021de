package inmem

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical"
)

func newBackend(t *testing.T, conf map[string]string) *InmemBackend {
	t.Helper()
	b, err := NewInmem(conf, logger.NewNop())
	if err != nil {
		t.Fatalf("failed to create inmem backend: %v", err)
	}
	return b.(*InmemBackend)
}

func TestInmemBackend_Basic(t *testing.T) {
	b := newBackend(t, nil)
	ctx := context.Background()

	v, err := b.Put(ctx, "tokens/whoop:u1", []byte("one"), 0)
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	entry, err := b.Get(ctx, "tokens/whoop:u1")
	if err != nil {
		t.Fatalf("failed to get entry: %v", err)
	}
	if entry == nil || !reflect.DeepEqual(entry.Value, []byte("one")) || entry.Version != 1 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	v, err = b.Put(ctx, "tokens/whoop:u1", []byte("two"), 1)
	if err != nil {
		t.Fatalf("failed to update entry: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}

	if err := b.Delete(ctx, "tokens/whoop:u1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	entry, err = b.Get(ctx, "tokens/whoop:u1")
	if err != nil || entry != nil {
		t.Fatalf("expected missing entry, got %+v, %v", entry, err)
	}
	if err := b.Delete(ctx, "tokens/whoop:u1"); err != nil {
		t.Fatalf("deleting a missing key should not fail: %v", err)
	}
}

func TestInmemBackend_VersionConflict(t *testing.T) {
	b := newBackend(t, nil)
	ctx := context.Background()

	if _, err := b.Put(ctx, "k", []byte("a"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Put(ctx, "k", []byte("b"), 0); !errors.Is(err, physical.ErrVersionConflict) {
		t.Fatalf("create over existing key: expected conflict, got %v", err)
	}
	if _, err := b.Put(ctx, "k", []byte("b"), 7); !errors.Is(err, physical.ErrVersionConflict) {
		t.Fatalf("stale version: expected conflict, got %v", err)
	}
	if _, err := b.Put(ctx, "missing", []byte("b"), 1); !errors.Is(err, physical.ErrVersionConflict) {
		t.Fatalf("update of missing key: expected conflict, got %v", err)
	}
}

func TestInmemBackend_ConcurrentCAS(t *testing.T) {
	b := newBackend(t, nil)
	ctx := context.Background()
	if _, err := b.Put(ctx, "k", []byte("seed"), 0); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for n := 0; n < 32; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Put(ctx, "k", []byte("x"), 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestInmemBackend_List(t *testing.T) {
	b := newBackend(t, nil)
	ctx := context.Background()
	for _, k := range []string{"tokens/whoop:c", "tokens/whoop:a", "tokens/garmin:a", "sync/whoop:a", "tokens/whoop:b"} {
		if _, err := b.Put(ctx, k, []byte("v"), 0); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := b.List(ctx, "tokens/whoop:", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"tokens/whoop:a", "tokens/whoop:b", "tokens/whoop:c"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}

	keys, err = b.List(ctx, "tokens/", "tokens/whoop:a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"tokens/whoop:b"}) {
		t.Fatalf("unexpected page: %v", keys)
	}
}

func TestInmemBackend_FailureInjection(t *testing.T) {
	b := newBackend(t, nil)
	ctx := context.Background()

	b.FailPut(true)
	if _, err := b.Put(ctx, "k", []byte("v"), 0); !errors.Is(err, physical.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	b.FailPut(false)
	b.FailGet(true)
	if _, err := b.Get(ctx, "k"); !errors.Is(err, physical.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestInmemBackend_MaxValueSize(t *testing.T) {
	b := newBackend(t, map[string]string{"max_value_size": "4"})
	if _, err := b.Put(context.Background(), "k", []byte("too long"), 0); !errors.Is(err, physical.ErrValueTooLarge) {
		t.Fatalf("expected value too large, got %v", err)
	}
	if _, err := NewInmem(map[string]string{"max_value_size": "x"}, nil); err == nil {
		t.Fatal("expected error for invalid max_value_size")
	}
}
