package doc

import "fmt"

// Version identifies the state of a Document after an applied Diff.
type Version int64

// Index is a character offset into a Document's buffer.
type Index int64

// Length is a count of characters.
type Length int64

// NoVersion is the version of a Diff that has not been applied yet, and the
// oldest cached version of a Document that has no history.
const NoVersion Version = -1

// Kind tells inserts and deletes apart.
type Kind int

const (
	Insert Kind = iota
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Edit is the payload of a Diff. It is implemented only by Insertion and
// Deletion.
type Edit interface {
	kind() Kind
}

// Insertion splices Text into the buffer.
type Insertion struct {
	Text string
}

func (Insertion) kind() Kind { return Insert }

// Deletion removes Length characters from the buffer.
type Deletion struct {
	Length Length
}

func (Deletion) kind() Kind { return Delete }

// Diff is a single edit at a position in the buffer. It is immutable except
// for its version, which the Document that applies it assigns exactly once.
// Build diffs with NewInsert or NewDelete; the zero value carries no edit and
// is rejected by ApplyDiff.
type Diff struct {
	index   Index
	edit    Edit
	version Version
}

// NewInsert creates a diff that inserts text at index.
func NewInsert(index Index, text string) *Diff {
	return &Diff{index: index, edit: Insertion{Text: text}, version: NoVersion}
}

// NewDelete creates a diff that removes length characters starting at index.
func NewDelete(index Index, length Length) *Diff {
	return &Diff{index: index, edit: Deletion{Length: length}, version: NoVersion}
}

func (d Diff) Kind() Kind { return d.edit.kind() }

func (d Diff) Index() Index { return d.index }

// Edit returns the variant payload for callers that switch on it.
func (d Diff) Edit() Edit { return d.edit }

// Version returns the version assigned on apply, or NoVersion.
func (d Diff) Version() Version { return d.version }

// Text returns the inserted text, or "" for a delete.
func (d Diff) Text() string {
	if e, ok := d.edit.(Insertion); ok {
		return e.Text
	}
	return ""
}

// Length returns the number of deleted characters, or 0 for an insert.
func (d Diff) Length() Length {
	if e, ok := d.edit.(Deletion); ok {
		return e.Length
	}
	return 0
}

// Applied reports whether a Document has stamped this diff with a version.
func (d Diff) Applied() bool { return d.edit != nil && d.version != NoVersion }

func (d Diff) String() string {
	switch e := d.edit.(type) {
	case Insertion:
		return fmt.Sprintf("insert@%d %q v%d", d.index, e.Text, d.version)
	case Deletion:
		return fmt.Sprintf("delete@%d len=%d v%d", d.index, e.Length, d.version)
	default:
		return fmt.Sprintf("diff@%d v%d", d.index, d.version)
	}
}

// stamp assigns the version. Only Document.ApplyDiff calls it, after checking
// Applied, so a second call is a bug.
func (d *Diff) stamp(v Version) {
	if d.version != NoVersion {
		panic(fmt.Sprintf("doc: diff already stamped with v%d", d.version))
	}
	d.version = v
}
