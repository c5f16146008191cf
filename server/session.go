package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alimasry/go-doc-sync/doc"
	"github.com/alimasry/go-doc-sync/events"
	"github.com/alimasry/go-doc-sync/store"
	"github.com/alimasry/go-doc-sync/wire"
)

// ErrSessionClosed is returned by requests made to a stopped session.
var ErrSessionClosed = errors.New("session closed")

const publishTimeout = time.Second

// submission is a diff waiting to be applied. client is nil for diffs that
// arrive over HTTP; reply is nil for diffs that arrive over WebSocket.
type submission struct {
	client *Client
	diff   *doc.Diff
	reply  chan error
}

type syncRequest struct {
	client *Client
	from   doc.Version
	reply  chan Updates
}

// Snapshot is the state of a document at one version.
type Snapshot struct {
	DocID   string
	Content string
	Version doc.Version
	Clients int
}

// Updates is the answer to a request for every diff from a version on. Hit is
// false when history no longer covers the request.
type Updates struct {
	Diffs   []doc.Diff
	Hit     bool
	Version doc.Version
	Oldest  doc.Version
}

// Session manages collaboration for a single document.
// All operations are serialized through a single goroutine, which is the
// only code that touches the document.
type Session struct {
	docID     string
	doc       *doc.Document
	store     store.DocumentStore
	publisher events.Publisher
	log       logrus.FieldLogger
	clients   map[*Client]bool

	incoming  chan submission
	syncs     chan syncRequest
	snapshots chan chan Snapshot
	join      chan *Client
	leave     chan *Client

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newSession(d *doc.Document, st store.DocumentStore, pub events.Publisher, logger logrus.FieldLogger) *Session {
	return &Session{
		docID:     d.ID(),
		doc:       d,
		store:     st,
		publisher: pub,
		log:       logger.WithField("doc", d.ID()),
		clients:   make(map[*Client]bool),
		incoming:  make(chan submission, 64),
		syncs:     make(chan syncRequest, 16),
		snapshots: make(chan chan Snapshot, 16),
		join:      make(chan *Client, 16),
		leave:     make(chan *Client, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run is the session's main loop. It serializes all operations.
func (s *Session) Run() {
	defer close(s.done)
	for {
		select {
		case c := <-s.join:
			s.handleJoin(c)
		case c := <-s.leave:
			s.handleLeave(c)
		case sub := <-s.incoming:
			s.handleDiff(sub)
		case req := <-s.syncs:
			s.handleSync(req)
		case reply := <-s.snapshots:
			reply <- s.snapshot()
		case <-s.stop:
			return
		}
	}
}

// Stop ends the main loop and waits for it to return.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Snapshot returns the current content and version.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.snapshots <- reply:
	case <-s.done:
		return Snapshot{}, ErrSessionClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return Snapshot{}, ErrSessionClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Updates returns every diff from version from on, if history still holds
// them.
func (s *Session) Updates(ctx context.Context, from doc.Version) (Updates, error) {
	reply := make(chan Updates, 1)
	select {
	case s.syncs <- syncRequest{from: from, reply: reply}:
	case <-s.done:
		return Updates{}, ErrSessionClosed
	case <-ctx.Done():
		return Updates{}, ctx.Err()
	}
	select {
	case u := <-reply:
		return u, nil
	case <-s.done:
		return Updates{}, ErrSessionClosed
	case <-ctx.Done():
		return Updates{}, ctx.Err()
	}
}

// Submit applies d and returns the version it was stamped with. The diff is
// broadcast to every connected client. If ctx ends after the diff was queued
// it may still be applied.
func (s *Session) Submit(ctx context.Context, d *doc.Diff) (doc.Version, error) {
	reply := make(chan error, 1)
	select {
	case s.incoming <- submission{diff: d, reply: reply}:
	case <-s.done:
		return doc.NoVersion, ErrSessionClosed
	case <-ctx.Done():
		return doc.NoVersion, ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return doc.NoVersion, err
		}
		return d.Version(), nil
	case <-s.done:
		return doc.NoVersion, ErrSessionClosed
	case <-ctx.Done():
		return doc.NoVersion, ctx.Err()
	}
}

// Join adds c to the session.
func (s *Session) Join(c *Client) {
	select {
	case s.join <- c:
	case <-s.done:
		c.abortJoin()
		c.sendError("document closed")
	}
}

// Leave removes c from the session.
func (s *Session) Leave(c *Client) {
	select {
	case s.leave <- c:
	case <-s.done:
	}
}

func (s *Session) queueDiff(c *Client, d *doc.Diff) {
	select {
	case s.incoming <- submission{client: c, diff: d}:
	case <-s.done:
		c.sendError("document closed")
	}
}

func (s *Session) queueSync(c *Client, from doc.Version) {
	select {
	case s.syncs <- syncRequest{client: c, from: from}:
	case <-s.done:
		c.sendError("document closed")
	}
}

func (s *Session) handleJoin(c *Client) {
	c.mu.Lock()
	if c.closed {
		c.joining = false
		c.mu.Unlock()
		return
	}
	if c.session != nil && c.session != s {
		c.mu.Unlock()
		c.sendError("already joined to a document")
		return
	}
	c.session = s
	c.joining = false
	c.mu.Unlock()
	s.clients[c] = true

	// Send current document state to the joining client.
	c.sendMsg(ServerMessage{
		Type:    MsgSnapshot,
		DocID:   s.docID,
		Content: s.doc.GetData(),
		Version: int64(s.doc.Version()),
		Clients: s.clientInfos(),
	})

	// Notify other clients about the new user.
	for other := range s.clients {
		if other != c {
			other.sendMsg(ServerMessage{
				Type:     MsgJoin,
				ClientID: c.ID,
				Name:     c.Name,
				Color:    c.Color,
			})
		}
	}
	s.log.WithField("client", c.ID).Debug("client joined")
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	close(c.send)

	for other := range s.clients {
		other.sendMsg(ServerMessage{
			Type:     MsgLeave,
			ClientID: c.ID,
		})
	}
	s.log.WithField("client", c.ID).Debug("client left")
}

func (s *Session) handleDiff(sub submission) {
	if err := s.doc.ApplyDiff(sub.diff); err != nil {
		s.log.WithError(err).WithField("diff", sub.diff).Debug("diff rejected")
		if sub.reply != nil {
			sub.reply <- err
		}
		if sub.client != nil {
			sub.client.sendError(err.Error())
		}
		return
	}

	w := wire.FromDiff(*sub.diff)
	var clientID string
	if sub.client != nil {
		clientID = sub.client.ID
	}
	s.persist(w)
	s.publish(clientID, w)

	if sub.reply != nil {
		sub.reply <- nil
	}
	if sub.client != nil {
		sub.client.sendMsg(ServerMessage{
			Type:    MsgAck,
			DocID:   s.docID,
			Version: w.Version,
		})
	}

	for c := range s.clients {
		if c != sub.client {
			c.sendMsg(ServerMessage{
				Type:     MsgDiff,
				DocID:    s.docID,
				Version:  w.Version,
				Diff:     &w,
				ClientID: clientID,
			})
		}
	}
}

// persist writes the diff before the content so a reader that sees the new
// content can also find the diff that produced it.
func (s *Session) persist(w wire.Diff) {
	ctx := context.Background()
	if err := s.store.AppendDiff(ctx, s.docID, w); err != nil {
		s.log.WithError(err).WithField("version", w.Version).Warn("append diff failed")
	}
	if err := s.store.UpdateContent(ctx, s.docID, s.doc.GetData(), s.doc.Version()); err != nil {
		s.log.WithError(err).WithField("version", w.Version).Warn("update content failed")
	}
}

func (s *Session) publish(clientID string, w wire.Diff) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, events.NewDiffApplied(s.docID, clientID, w)); err != nil {
		s.log.WithError(err).WithField("version", w.Version).Warn("publish diff failed")
	}
}

func (s *Session) handleSync(req syncRequest) {
	diffs, hit := s.doc.GetUpdates(req.from)
	if req.reply != nil {
		req.reply <- Updates{
			Diffs:   diffs,
			Hit:     hit,
			Version: s.doc.Version(),
			Oldest:  s.doc.OldestCached(),
		}
		return
	}

	if !hit {
		req.client.sendMsg(ServerMessage{
			Type:    MsgResync,
			DocID:   s.docID,
			Content: s.doc.GetData(),
			Version: int64(s.doc.Version()),
		})
		return
	}
	req.client.sendMsg(ServerMessage{
		Type:    MsgUpdates,
		DocID:   s.docID,
		Version: int64(s.doc.Version()),
		Diffs:   wire.FromDiffs(diffs),
	})
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		DocID:   s.docID,
		Content: s.doc.GetData(),
		Version: s.doc.Version(),
		Clients: len(s.clients),
	}
}

func (s *Session) clientInfos() []ClientInfo {
	infos := make([]ClientInfo, 0, len(s.clients))
	for c := range s.clients {
		infos = append(infos, c.Info())
	}
	return infos
}
