package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alimasry/go-doc-sync/doc"
	"github.com/alimasry/go-doc-sync/store"
	"github.com/alimasry/go-doc-sync/wire"
)

func newTestHub(t *testing.T, st store.DocumentStore, cfg HubConfig) *Hub {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	hub := NewHub(st, cfg)
	go hub.Run()
	t.Cleanup(hub.Close)
	return hub
}

// seedLog stores the diffs produced by applying edits to an empty document.
func seedLog(t *testing.T, st store.DocumentStore, docID string, edits ...*doc.Diff) *doc.Document {
	t.Helper()
	if err := st.Create(ctx(), docID); err != nil {
		t.Fatal(err)
	}
	d := doc.New(docID)
	for _, e := range edits {
		if err := d.ApplyDiff(e); err != nil {
			t.Fatal(err)
		}
		if err := st.AppendDiff(ctx(), docID, wire.FromDiff(*e)); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpdateContent(ctx(), docID, d.GetData(), d.Version()); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestHub_CreateSessionOnJoin(t *testing.T) {
	st := store.NewMemoryStore()
	hub := newTestHub(t, st, HubConfig{})

	c := mockClient("c1")
	c.hub = hub
	hub.joinDoc <- joinRequest{client: c, docID: "new-doc"}

	msg := recvMsg(t, c)
	if msg.Type != MsgSnapshot {
		t.Errorf("expected snapshot, got %q", msg.Type)
	}
	if msg.DocID != "new-doc" {
		t.Errorf("docId = %q, want %q", msg.DocID, "new-doc")
	}

	if hub.GetSession("new-doc") == nil {
		t.Error("session not created")
	}
	if _, err := st.Get(ctx(), "new-doc"); err != nil {
		t.Errorf("document not stored: %v", err)
	}
}

func TestHub_JoinExistingDoc(t *testing.T) {
	st := store.NewMemoryStore()
	st.Create(ctx(), "existing")
	st.UpdateContent(ctx(), "existing", "hello world", 0)
	hub := newTestHub(t, st, HubConfig{})

	c := mockClient("c1")
	c.hub = hub
	hub.joinDoc <- joinRequest{client: c, docID: "existing"}

	msg := recvMsg(t, c)
	if msg.Content != "hello world" {
		t.Errorf("content = %q, want %q", msg.Content, "hello world")
	}
}

func TestHub_SessionUnknownDocument(t *testing.T) {
	hub := newTestHub(t, store.NewMemoryStore(), HubConfig{})

	_, err := hub.Session(ctx(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if hub.GetSession("missing") != nil {
		t.Error("no session should exist for a missing document")
	}
}

func TestHub_SessionIsShared(t *testing.T) {
	st := store.NewMemoryStore()
	st.Create(ctx(), "doc1")
	hub := newTestHub(t, st, HubConfig{})

	s1, err := hub.Session(ctx(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := hub.Session(ctx(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("expected the same session for the same document")
	}
}

func TestHub_ReplaysCompleteLog(t *testing.T) {
	st := store.NewMemoryStore()
	seedLog(t, st, "doc1",
		doc.NewInsert(0, "hello"),
		doc.NewInsert(5, " world"),
		doc.NewDelete(0, 1),
	)
	hub := newTestHub(t, st, HubConfig{})

	s, err := hub.Session(ctx(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Content != "ello world" || snap.Version != 3 {
		t.Errorf("snapshot = %q v%d, want %q v3", snap.Content, snap.Version, "ello world")
	}

	// Replaying warms the history window.
	u, err := s.Updates(ctx(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !u.Hit || len(u.Diffs) != 3 {
		t.Errorf("updates = %+v, want hit with 3 diffs", u)
	}
}

func TestHub_RestoresWhenLogIncomplete(t *testing.T) {
	st := store.NewMemoryStore()
	st.Create(ctx(), "doc1")
	st.UpdateContent(ctx(), "doc1", "abc", 5)
	hub := newTestHub(t, st, HubConfig{})

	s, err := hub.Session(ctx(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot(ctx())
	if snap.Content != "abc" || snap.Version != 5 {
		t.Errorf("snapshot = %q v%d, want %q v5", snap.Content, snap.Version, "abc")
	}
	u, _ := s.Updates(ctx(), 5)
	if u.Hit {
		t.Error("restored document has no history and should miss")
	}

	v, err := s.Submit(ctx(), doc.NewInsert(3, "d"))
	if err != nil {
		t.Fatal(err)
	}
	if v != 6 {
		t.Errorf("version = %d, want 6", v)
	}
}

func TestHub_RestoresWhenLogDisagrees(t *testing.T) {
	st := store.NewMemoryStore()
	seedLog(t, st, "doc1", doc.NewInsert(0, "abc"))
	st.UpdateContent(ctx(), "doc1", "xyz", 1)
	hub := newTestHub(t, st, HubConfig{})

	s, err := hub.Session(ctx(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot(ctx())
	if snap.Content != "xyz" {
		t.Errorf("content = %q, want the stored snapshot %q", snap.Content, "xyz")
	}
	u, _ := s.Updates(ctx(), 1)
	if u.Hit {
		t.Error("restored document has no history and should miss")
	}
}

func TestHub_DocumentOptions(t *testing.T) {
	st := store.NewMemoryStore()
	st.Create(ctx(), "doc1")
	st.UpdateContent(ctx(), "doc1", "abc", 0)
	hub := newTestHub(t, st, HubConfig{
		DocumentOptions: []doc.Option{doc.WithDeletePolicy(doc.RejectOverlongDeletes)},
	})

	s, err := hub.Session(ctx(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(ctx(), doc.NewDelete(1, 5)); !errors.Is(err, doc.ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
}

func TestHub_Close(t *testing.T) {
	st := store.NewMemoryStore()
	st.Create(ctx(), "doc1")
	hub := NewHub(st, HubConfig{Logger: quietLogger()})
	go hub.Run()

	s, err := hub.Session(ctx(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	hub.Close()
	hub.Close()

	if _, err := s.Snapshot(ctx()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Snapshot err = %v, want ErrSessionClosed", err)
	}
	if _, err := hub.Session(ctx(), "doc1"); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Session err = %v, want ErrHubClosed", err)
	}
}

// blockingStore holds Get for one document until release is closed.
type blockingStore struct {
	*store.MemoryStore
	block   string
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Get(ctx context.Context, id string) (*store.DocumentInfo, error) {
	if id == s.block {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.MemoryStore.Get(ctx, id)
}

func TestHub_SlowLoadDoesNotBlockOtherDocuments(t *testing.T) {
	st := &blockingStore{
		MemoryStore: store.NewMemoryStore(),
		block:       "slow",
		entered:     make(chan struct{}, 2),
		release:     make(chan struct{}),
	}
	st.Create(ctx(), "slow")
	st.Create(ctx(), "fast")
	hub := newTestHub(t, st, HubConfig{})

	type result struct {
		s   *Session
		err error
	}
	slow := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := hub.Session(ctx(), "slow")
			slow <- result{s, err}
		}()
	}
	<-st.entered
	<-st.entered

	fast := make(chan error, 1)
	go func() {
		_, err := hub.Session(ctx(), "fast")
		fast <- err
	}()
	select {
	case err := <-fast:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loading one document blocked another")
	}

	close(st.release)
	r1, r2 := <-slow, <-slow
	if r1.err != nil || r2.err != nil {
		t.Fatalf("errors: %v, %v", r1.err, r2.err)
	}
	if r1.s != r2.s {
		t.Error("concurrent loads of one document should share a session")
	}
	if hub.GetSession("slow") != r1.s {
		t.Error("registered session differs from the returned one")
	}
}
