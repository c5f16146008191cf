package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alimasry/go-doc-sync/doc"
	"github.com/alimasry/go-doc-sync/wire"
)

// dirtyState tracks what needs flushing for a single document.
type dirtyState struct {
	contentDirty bool // content/version needs writing to backing store
	flushedDiffs int  // number of diffs already flushed (index into the log)
	created      bool // doc created locally but not yet in backing store
}

// CachedStore wraps a backing DocumentStore with an in-memory cache.
// All reads and writes are served from the cache. Dirty documents are
// flushed to the backing store periodically in the background.
type CachedStore struct {
	cache         *MemoryStore
	backing       DocumentStore
	log           logrus.FieldLogger
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty documents to the backing store every flushInterval. A nil logger
// means the logrus standard logger.
func NewCachedStore(backing DocumentStore, flushInterval time.Duration, logger logrus.FieldLogger) *CachedStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		log:           logger.WithField("component", "cached_store"),
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, id string) error {
	// The backing store is the authority on which ids exist.
	_, err := cs.Get(ctx, id)
	if err == nil {
		return fmt.Errorf("create %q: %w", id, ErrExists)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := cs.cache.Create(ctx, id); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[id] = &dirtyState{contentDirty: true, created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	info, err := cs.cache.Get(ctx, id)
	if err == nil {
		return info, nil
	}
	// Cache miss, load from backing store.
	if err := cs.loadFromBacking(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.Get(ctx, id)
}

// List merges documents that only exist in the cache so far with the
// backing store's view.
func (cs *CachedStore) List(ctx context.Context) ([]DocumentInfo, error) {
	backed, err := cs.backing.List(ctx)
	if err != nil {
		return nil, err
	}
	cached, err := cs.cache.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(backed))
	for i, info := range backed {
		byID[info.ID] = i
	}
	for _, info := range cached {
		if i, ok := byID[info.ID]; ok {
			backed[i] = info
			continue
		}
		backed = append(backed, info)
	}
	return backed, nil
}

func (cs *CachedStore) UpdateContent(ctx context.Context, id, content string, version doc.Version) error {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}
	if err := cs.cache.UpdateContent(ctx, id, content, version); err != nil {
		return err
	}
	cs.mu.Lock()
	ds := cs.dirty[id]
	if ds == nil {
		ds = &dirtyState{flushedDiffs: cs.cachedDiffCount(id)}
		cs.dirty[id] = ds
	}
	ds.contentDirty = true
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) AppendDiff(ctx context.Context, id string, d wire.Diff) error {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}

	// Snapshot the log length before append so we know how many diffs were
	// already flushed if this doc was previously clean (removed from dirty map).
	prevLen := cs.cachedDiffCount(id)

	if err := cs.cache.AppendDiff(ctx, id, d); err != nil {
		return err
	}
	// Mark dirty so flush loop picks up the new diff.
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedDiffs: prevLen}
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) GetDiffs(ctx context.Context, id string, fromVersion doc.Version) ([]wire.Diff, error) {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.GetDiffs(ctx, id, fromVersion)
}

func (cs *CachedStore) cachedDiffCount(id string) int {
	cs.cache.mu.RLock()
	defer cs.cache.mu.RUnlock()
	if rec, ok := cs.cache.docs[id]; ok {
		return len(rec.diffs)
	}
	return 0
}

// loadFromBacking loads a document and its diff log from the backing store
// into the cache. It sets flushedDiffs so that already-persisted diffs are
// not re-flushed.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	info, err := cs.backing.Get(ctx, id)
	if err != nil {
		return err
	}
	diffs, err := cs.backing.GetDiffs(ctx, id, 0)
	if err != nil {
		return err
	}

	// Write directly into cache's internal map.
	cs.cache.mu.Lock()
	if _, exists := cs.cache.docs[id]; !exists {
		cs.cache.docs[id] = &docRecord{
			info:  *info,
			diffs: diffs,
		}
	}
	cs.cache.mu.Unlock()

	// Set flushedDiffs so we don't re-flush existing diffs.
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedDiffs: len(diffs)}
	}
	cs.mu.Unlock()

	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty documents to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	snapshot := make(map[string]*dirtyState, len(cs.dirty))
	for id, ds := range cs.dirty {
		cp := *ds
		snapshot[id] = &cp
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, ds := range snapshot {
		log := cs.log.WithField("doc", id)

		// Read current state from cache.
		cs.cache.mu.RLock()
		rec, ok := cs.cache.docs[id]
		if !ok {
			cs.cache.mu.RUnlock()
			continue
		}
		info := rec.info
		total := len(rec.diffs)
		// Copy the new diffs while holding the lock.
		var pending []wire.Diff
		if ds.flushedDiffs < total {
			pending = make([]wire.Diff, total-ds.flushedDiffs)
			copy(pending, rec.diffs[ds.flushedDiffs:])
		}
		cs.cache.mu.RUnlock()

		// 1. Create doc in backing store if needed.
		if ds.created {
			if err := cs.backing.Create(ctx, id); err != nil {
				log.WithError(err).Warn("create in backing store failed")
				continue
			}
		}

		// 2. Flush new diffs (before content, so crash-recovery can replay).
		for _, d := range pending {
			if err := cs.backing.AppendDiff(ctx, id, d); err != nil {
				log.WithError(err).WithField("version", d.Version).Warn("flush diff failed")
				// Stop flushing this doc, will retry next cycle.
				break
			}
			ds.flushedDiffs++
		}

		// 3. Flush content if dirty.
		if ds.contentDirty {
			if err := cs.backing.UpdateContent(ctx, id, info.Content, info.Version); err != nil {
				log.WithError(err).Warn("flush content failed")
			} else {
				ds.contentDirty = false
			}
		}

		ds.created = false

		// Update the authoritative dirty state.
		cs.mu.Lock()
		cur := cs.dirty[id]
		if cur != nil {
			cur.flushedDiffs = ds.flushedDiffs
			cur.created = ds.created
			// Only clear contentDirty if no new writes happened since snapshot.
			if !ds.contentDirty {
				cur.contentDirty = false
			}
			// Remove from dirty map if fully clean.
			if !cur.contentDirty && !cur.created && cur.flushedDiffs >= cs.cachedDiffCount(id) {
				delete(cs.dirty, id)
			}
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() error {
	cs.closeOnce.Do(func() { close(cs.stop) })
	<-cs.done
	return nil
}
