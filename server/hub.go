package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/alimasry/go-doc-sync/doc"
	"github.com/alimasry/go-doc-sync/events"
	"github.com/alimasry/go-doc-sync/store"
	"github.com/alimasry/go-doc-sync/wire"
)

// ErrHubClosed is returned once Close has been called.
var ErrHubClosed = errors.New("hub closed")

type joinRequest struct {
	client *Client
	docID  string
}

// HubConfig holds the collaborators shared by every session. Zero fields get
// defaults: no-op publisher, default document options, the standard logger.
type HubConfig struct {
	Publisher       events.Publisher
	DocumentOptions []doc.Option
	Logger          logrus.FieldLogger
}

// Hub manages document sessions and routes clients to the right session.
type Hub struct {
	store     store.DocumentStore
	publisher events.Publisher
	docOpts   []doc.Option
	log       logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	joinDoc chan joinRequest
	stop    chan struct{}
}

func NewHub(st store.DocumentStore, cfg HubConfig) *Hub {
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Hub{
		store:     st,
		publisher: cfg.Publisher,
		docOpts:   cfg.DocumentOptions,
		log:       cfg.Logger,
		sessions:  make(map[string]*Session),
		joinDoc:   make(chan joinRequest, 64),
		stop:      make(chan struct{}),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case req := <-h.joinDoc:
			h.handleJoinDoc(req)
		case <-h.stop:
			return
		}
	}
}

// Close stops the main loop and every session.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.stop)
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	h.log.WithField("sessions", len(sessions)).Info("hub closed")
}

func (h *Hub) requestJoin(req joinRequest) {
	select {
	case h.joinDoc <- req:
	case <-h.stop:
		req.client.abortJoin()
		req.client.sendError("server shutting down")
	}
}

// handleJoinDoc creates the document if it does not exist yet.
func (h *Hub) handleJoinDoc(req joinRequest) {
	s, err := h.session(context.Background(), req.docID, true)
	if err != nil {
		h.log.WithError(err).WithField("doc", req.docID).Error("failed to open document")
		req.client.abortJoin()
		req.client.sendError("failed to load document")
		return
	}
	s.Join(req.client)
}

// Create adds an empty document to the store.
func (h *Hub) Create(ctx context.Context, docID string) error {
	return h.store.Create(ctx, docID)
}

// List returns every stored document.
func (h *Hub) List(ctx context.Context) ([]store.DocumentInfo, error) {
	return h.store.List(ctx)
}

// Session returns the session for an existing document, loading it if it is
// not active. The error matches store.ErrNotFound for unknown documents.
func (h *Hub) Session(ctx context.Context, docID string) (*Session, error) {
	return h.session(ctx, docID, false)
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}

// session returns the active session for docID or loads one. Store access
// happens without h.mu held; when two loads race the first to register wins
// and the other document is dropped unused.
func (h *Hub) session(ctx context.Context, docID string, create bool) (*Session, error) {
	h.mu.RLock()
	s, ok := h.sessions[docID]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, ErrHubClosed
	}
	if ok {
		return s, nil
	}

	if create {
		if err := h.store.Create(ctx, docID); err != nil && !errors.Is(err, store.ErrExists) {
			return nil, err
		}
	}
	d, err := loadDocument(ctx, h.store, docID, h.docOpts, h.log)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if s, ok := h.sessions[docID]; ok {
		return s, nil
	}
	s = newSession(d, h.store, h.publisher, h.log)
	h.sessions[docID] = s
	go s.Run()
	h.log.WithFields(logrus.Fields{"doc": docID, "version": d.Version()}).Info("session started")
	return s, nil
}

// loadDocument rebuilds a document from the store. When the stored diff log
// is complete it is replayed so the document starts with a warm history;
// otherwise the document is restored from the stored snapshot.
func loadDocument(ctx context.Context, st store.DocumentStore, docID string, opts []doc.Option, logger logrus.FieldLogger) (*doc.Document, error) {
	info, err := st.Get(ctx, docID)
	if err != nil {
		return nil, err
	}

	logger = logger.WithField("doc", docID)
	diffs, err := st.GetDiffs(ctx, docID, 1)
	switch {
	case err != nil:
		logger.WithError(err).Warn("diff log unavailable, restoring snapshot")
	case completeLog(diffs, info.Version):
		d, err := replay(docID, diffs, opts)
		if err != nil {
			logger.WithError(err).Warn("diff log replay failed, restoring snapshot")
			break
		}
		if d.GetData() == info.Content {
			return d, nil
		}
		logger.Warn("diff log does not match snapshot, restoring snapshot")
	}

	return doc.Restore(docID, info.Content, info.Version, opts...)
}

// completeLog reports whether diffs holds versions 1 through version.
func completeLog(diffs []wire.Diff, version doc.Version) bool {
	if int64(len(diffs)) != int64(version) {
		return false
	}
	for i, w := range diffs {
		if w.Version != int64(i+1) {
			return false
		}
	}
	return true
}

func replay(docID string, diffs []wire.Diff, opts []doc.Option) (*doc.Document, error) {
	d := doc.New(docID, opts...)
	for _, w := range diffs {
		diff, err := w.ToDiff()
		if err != nil {
			return nil, fmt.Errorf("replay version %d: %w", w.Version, err)
		}
		if err := d.ApplyDiff(diff); err != nil {
			return nil, fmt.Errorf("replay version %d: %w", w.Version, err)
		}
	}
	return d, nil
}
