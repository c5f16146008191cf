// Package wire is the JSON form of doc.Diff shared by the server and the
// stores.
package wire

import (
	"errors"
	"fmt"

	"github.com/alimasry/go-doc-sync/doc"
)

const (
	TypeInsert = "insert"
	TypeDelete = "delete"
)

// ErrUnknownType is returned for a diff whose type is neither insert nor
// delete.
var ErrUnknownType = errors.New("unknown diff type")

// Diff is the encoded form of a doc.Diff. Version is zero for a diff that has
// not been applied.
type Diff struct {
	Type    string `json:"type"`
	Index   int64  `json:"index"`
	Text    string `json:"text,omitempty"`
	Length  int64  `json:"length,omitempty"`
	Version int64  `json:"version,omitempty"`
}

// FromDiff encodes d.
func FromDiff(d doc.Diff) Diff {
	w := Diff{Index: int64(d.Index())}
	switch e := d.Edit().(type) {
	case doc.Insertion:
		w.Type = TypeInsert
		w.Text = e.Text
	case doc.Deletion:
		w.Type = TypeDelete
		w.Length = int64(e.Length)
	}
	if d.Applied() {
		w.Version = int64(d.Version())
	}
	return w
}

// FromDiffs encodes diffs in order.
func FromDiffs(diffs []doc.Diff) []Diff {
	out := make([]Diff, len(diffs))
	for i, d := range diffs {
		out[i] = FromDiff(d)
	}
	return out
}

// ToDiff decodes w into a diff ready to be applied. Version is dropped: only
// the document that applies a diff assigns it one.
func (w Diff) ToDiff() (*doc.Diff, error) {
	switch w.Type {
	case TypeInsert:
		return doc.NewInsert(doc.Index(w.Index), w.Text), nil
	case TypeDelete:
		return doc.NewDelete(doc.Index(w.Index), doc.Length(w.Length)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}
