// Package events publishes a record of every applied diff for downstream
// consumers. Publication is best-effort and never affects the document.
package events

import (
	"context"
	"time"

	"github.com/alimasry/go-doc-sync/wire"
)

const EventDiffApplied = "DIFF_APPLIED"

// DiffApplied describes one successfully applied diff.
type DiffApplied struct {
	EventType string    `json:"eventType"`
	DocID     string    `json:"docId"`
	Version   int64     `json:"version"`
	ClientID  string    `json:"clientId,omitempty"`
	Diff      wire.Diff `json:"diff"`
	AppliedAt time.Time `json:"appliedAt"`
}

// NewDiffApplied builds an event for d, which must already be applied.
func NewDiffApplied(docID, clientID string, d wire.Diff) DiffApplied {
	return DiffApplied{
		EventType: EventDiffApplied,
		DocID:     docID,
		Version:   d.Version,
		ClientID:  clientID,
		Diff:      d,
		AppliedAt: time.Now().UTC(),
	}
}

// Publisher hands events to a sink.
type Publisher interface {
	Publish(ctx context.Context, evt DiffApplied) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DiffApplied) error { return nil }
func (NopPublisher) Close() error { return nil }
