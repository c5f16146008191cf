// Package doc implements a versioned text document with a bounded history of
// recently applied diffs, so readers can catch up incrementally instead of
// re-reading the whole text.
//
// A Document is not safe for concurrent use. Callers serialize access.
package doc

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
)

var (
	// ErrOutOfRange is returned when a diff does not fit the current buffer.
	ErrOutOfRange = errors.New("diff out of range")
	// ErrAlreadyApplied is returned for a diff that already has a version.
	ErrAlreadyApplied = errors.New("diff already applied")
	// ErrNilDiff is returned when ApplyDiff is called with nil.
	ErrNilDiff = errors.New("nil diff")
	// ErrEmptyDiff is returned for a Diff that was not built by NewInsert or
	// NewDelete.
	ErrEmptyDiff = errors.New("diff has no edit")
)

// Document owns the text, assigns versions and keeps the history window.
type Document struct {
	id      string
	version Version
	buf     Buffer

	// history holds Diff values, oldest first. Versions are contiguous and the
	// newest equals version.
	history      *queue.Queue
	historySize  int
	oldestCached Version

	deletePolicy DeletePolicy
}

// New creates an empty document at version 0.
func New(id string, opts ...Option) *Document {
	return newDocument(id, "", opts)
}

func newDocument(id, content string, opts []Option) *Document {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Document{
		id:           id,
		buf:          o.newBuffer(content),
		history:      queue.New(),
		historySize:  o.historySize,
		oldestCached: NoVersion,
		deletePolicy: o.deletePolicy,
	}
}

// Restore rebuilds a document from a snapshot taken at version. The history
// window starts empty, so updates from before the next applied diff are cache
// misses.
func Restore(id, content string, version Version, opts ...Option) (*Document, error) {
	if version < 0 {
		return nil, fmt.Errorf("restore %q: negative version %d", id, version)
	}
	d := newDocument(id, content, opts)
	d.version = version
	return d, nil
}

func (d *Document) ID() string { return d.id }

func (d *Document) Version() Version { return d.version }

// OldestCached returns the version of the oldest diff in the history window,
// or NoVersion if no diff has been applied.
func (d *Document) OldestCached() Version { return d.oldestCached }

// Len returns the buffer length in characters.
func (d *Document) Len() int { return d.buf.Len() }

// GetData returns the full current text.
func (d *Document) GetData() string { return d.buf.String() }

// ApplyDiff validates diff against the buffer and, if it fits, assigns it the
// next version, applies it and records it in the history window. On error
// nothing changes, including the diff.
func (d *Document) ApplyDiff(diff *Diff) error {
	if diff == nil {
		return ErrNilDiff
	}
	if diff.edit == nil {
		return ErrEmptyDiff
	}
	if diff.Applied() {
		return fmt.Errorf("%w: %s", ErrAlreadyApplied, diff)
	}
	n, err := d.check(diff)
	if err != nil {
		return err
	}

	d.version++
	diff.stamp(d.version)

	at := int(diff.index)
	switch e := diff.edit.(type) {
	case Insertion:
		d.buf.Insert(at, e.Text)
	case Deletion:
		d.buf.Delete(at, n)
	}

	d.history.Add(*diff)
	if d.history.Length() > d.historySize {
		d.history.Remove()
		d.oldestCached++
	} else if d.history.Length() == 1 {
		d.oldestCached = d.version
	}
	return nil
}

// check validates diff and returns the number of characters a delete will
// actually remove.
func (d *Document) check(diff *Diff) (int, error) {
	size := Index(d.buf.Len())
	if diff.index < 0 || diff.index > size {
		return 0, fmt.Errorf("%w: index %d not in [0, %d]", ErrOutOfRange, diff.index, size)
	}
	switch e := diff.edit.(type) {
	case Insertion:
		return 0, nil
	case Deletion:
		if e.Length < 0 {
			return 0, fmt.Errorf("%w: negative delete length %d", ErrOutOfRange, e.Length)
		}
		avail := Length(size - diff.index)
		if e.Length <= avail {
			return int(e.Length), nil
		}
		if d.deletePolicy == RejectOverlongDeletes {
			return 0, fmt.Errorf("%w: delete of %d at %d past end %d", ErrOutOfRange, e.Length, diff.index, size)
		}
		return int(avail), nil
	default:
		return 0, fmt.Errorf("%w: diff has no edit", ErrOutOfRange)
	}
}

// GetUpdates returns every diff from version from through the current
// version, oldest first. It returns false when from is older than the history
// window or nothing has been applied yet; the caller must then resync from
// GetData. A from newer than the current version yields an empty slice.
func (d *Document) GetUpdates(from Version) ([]Diff, bool) {
	if d.oldestCached == NoVersion || from < d.oldestCached {
		return nil, false
	}
	if from > d.version {
		return []Diff{}, true
	}
	updates := make([]Diff, 0, d.version-from+1)
	for i := int(from - d.oldestCached); i < d.history.Length(); i++ {
		updates = append(updates, d.history.Get(i).(Diff))
	}
	return updates, true
}
