package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestCachedStore_ReadThrough(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	// Pre-populate backing store.
	if err := backing.Create(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}
	if err := backing.AppendDiff(ctx, "doc1", insertAt(1, 0, "hello")); err != nil {
		t.Fatal(err)
	}
	if err := backing.UpdateContent(ctx, "doc1", "hello", 1); err != nil {
		t.Fatal(err)
	}

	cs := NewCachedStore(backing, time.Hour, quietLogger()) // long interval, no auto flush
	defer cs.Close()

	// Get should load from backing.
	info, err := cs.Get(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Content != "hello" || info.Version != 1 {
		t.Errorf("unexpected info: %+v", info)
	}

	// Diffs should also be available.
	diffs, err := cs.GetDiffs(ctx, "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 {
		t.Fatalf("got %d diffs, want 1", len(diffs))
	}
}

func TestCachedStore_GetNotFound(t *testing.T) {
	cs := NewCachedStore(NewMemoryStore(), time.Hour, quietLogger())
	defer cs.Close()

	if _, err := cs.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCachedStore_CreateExistingInBacking(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()
	backing.Create(ctx, "doc1")

	cs := NewCachedStore(backing, time.Hour, quietLogger())
	defer cs.Close()

	if err := cs.Create(ctx, "doc1"); !errors.Is(err, ErrExists) {
		t.Errorf("err = %v, want ErrExists", err)
	}
}

func TestCachedStore_WriteBehind(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, 50*time.Millisecond, quietLogger())
	defer cs.Close()

	// Create doc in cache.
	if err := cs.Create(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}

	// Backing should NOT have it yet.
	if _, err := backing.Get(ctx, "doc1"); err == nil {
		t.Error("expected backing to not have doc yet")
	}

	// Wait for flush.
	time.Sleep(150 * time.Millisecond)

	// Now backing should have it.
	info, err := backing.Get(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != "doc1" {
		t.Errorf("unexpected doc ID: %s", info.ID)
	}
}

func TestCachedStore_DiffFlushTracking(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, 50*time.Millisecond, quietLogger())
	defer cs.Close()

	if err := cs.Create(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}

	// Append 3 diffs.
	for i := int64(1); i <= 3; i++ {
		if err := cs.AppendDiff(ctx, "doc1", insertAt(i, 0, "x")); err != nil {
			t.Fatal(err)
		}
	}

	// Wait for first flush.
	time.Sleep(150 * time.Millisecond)

	diffs, err := backing.GetDiffs(ctx, "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 3 {
		t.Fatalf("after first flush: got %d diffs, want 3", len(diffs))
	}

	// Append 2 more.
	for i := int64(4); i <= 5; i++ {
		if err := cs.AppendDiff(ctx, "doc1", insertAt(i, 0, "y")); err != nil {
			t.Fatal(err)
		}
	}

	// Wait for second flush.
	time.Sleep(150 * time.Millisecond)

	diffs, err = backing.GetDiffs(ctx, "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 5 {
		t.Fatalf("after second flush: got %d diffs, want 5", len(diffs))
	}
	for i, d := range diffs {
		if d.Version != int64(i+1) {
			t.Errorf("diffs[%d].Version = %d, want %d", i, d.Version, i+1)
		}
	}
}

func TestCachedStore_CloseFlushes(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, time.Hour, quietLogger()) // very long interval

	if err := cs.Create(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}
	if err := cs.AppendDiff(ctx, "doc1", insertAt(1, 0, "hello world")); err != nil {
		t.Fatal(err)
	}
	if err := cs.UpdateContent(ctx, "doc1", "hello world", 1); err != nil {
		t.Fatal(err)
	}

	// Close triggers final flush.
	cs.Close()

	// Backing should have everything.
	info, err := backing.Get(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Content != "hello world" || info.Version != 1 {
		t.Errorf("unexpected info: content=%q version=%d", info.Content, info.Version)
	}

	diffs, err := backing.GetDiffs(ctx, "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 {
		t.Fatalf("got %d diffs, want 1", len(diffs))
	}
}

func TestCachedStore_PreLoadedDoc(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	// Pre-populate backing with doc and 2 diffs.
	if err := backing.Create(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}
	backing.AppendDiff(ctx, "doc1", insertAt(1, 0, "a"))
	backing.AppendDiff(ctx, "doc1", insertAt(2, 1, "b"))
	backing.UpdateContent(ctx, "doc1", "ab", 2)

	cs := NewCachedStore(backing, time.Hour, quietLogger())

	// Load into cache via Get.
	if _, err := cs.Get(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}

	// Append a new diff via cache.
	if err := cs.AppendDiff(ctx, "doc1", insertAt(3, 2, "c")); err != nil {
		t.Fatal(err)
	}

	// Close to flush.
	cs.Close()

	// Backing should have exactly 3 diffs (no duplicates).
	diffs, err := backing.GetDiffs(ctx, "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 3 {
		t.Fatalf("got %d diffs, want 3", len(diffs))
	}
}

func TestCachedStore_ListMergesUnflushed(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	backing.Create(ctx, "a")
	backing.Create(ctx, "b")

	cs := NewCachedStore(backing, time.Hour, quietLogger())
	defer cs.Close()

	if err := cs.Create(ctx, "c"); err != nil {
		t.Fatal(err)
	}

	docs, err := cs.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Errorf("got %d docs, want 3", len(docs))
	}
}

func TestCachedStore_CloseTwice(t *testing.T) {
	cs := NewCachedStore(NewMemoryStore(), time.Hour, quietLogger())
	cs.Close()
	cs.Close()
}
