package doc

import (
	"slices"
	"strings"
)

// Buffer holds the text of a Document. Offsets and lengths count runes.
// Callers guarantee 0 <= at <= Len() and at+n <= Len().
type Buffer interface {
	Len() int
	Insert(at int, text string)
	Delete(at, n int)
	String() string
}

// runeBuffer is a contiguous buffer. Every edit moves the tail.
type runeBuffer struct {
	runes []rune
}

func newRuneBuffer(initial string) Buffer {
	return &runeBuffer{runes: []rune(initial)}
}

func (b *runeBuffer) Len() int { return len(b.runes) }

func (b *runeBuffer) Insert(at int, text string) {
	b.runes = slices.Insert(b.runes, at, []rune(text)...)
}

func (b *runeBuffer) Delete(at, n int) {
	b.runes = slices.Delete(b.runes, at, at+n)
}

func (b *runeBuffer) String() string { return string(b.runes) }

type pieceSource int

const (
	srcOriginal pieceSource = iota
	srcAdd
)

type piece struct {
	src    pieceSource
	offset int
	length int
}

// PieceTable is a Buffer that never moves text once written: the initial
// content and every insertion live in append-only rune slices, and the
// document is the concatenation of the pieces that reference them.
//
// Initial content "Hello world" with " big" inserted at 5:
//
//	original = "Hello world", add = " big"
//	pieces   = [(original, 0, 5), (add, 0, 4), (original, 5, 6)]
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

// NewPieceTable returns a piece table holding initial.
func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{src: srcOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func newPieceTableBuffer(initial string) Buffer { return NewPieceTable(initial) }

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var b strings.Builder
	b.Grow(pt.length)
	for _, p := range pt.pieces {
		b.WriteString(string(pt.source(p.src)[p.offset : p.offset+p.length]))
	}
	return b.String()
}

func (pt *PieceTable) Insert(at int, text string) {
	r := []rune(text)
	if len(r) == 0 {
		return
	}
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	pt.length += len(r)
	added := piece{src: srcAdd, offset: start, length: len(r)}

	idx, off := pt.locate(at)
	if idx == len(pt.pieces) {
		// Typing at the end keeps extending the last add piece.
		if n := len(pt.pieces); n > 0 {
			last := &pt.pieces[n-1]
			if last.src == srcAdd && last.offset+last.length == start {
				last.length += len(r)
				return
			}
		}
		pt.pieces = append(pt.pieces, added)
		return
	}
	if off == 0 {
		pt.pieces = slices.Insert(pt.pieces, idx, added)
		return
	}
	cur := pt.pieces[idx]
	left := piece{src: cur.src, offset: cur.offset, length: off}
	right := piece{src: cur.src, offset: cur.offset + off, length: cur.length - off}
	pt.pieces = slices.Replace(pt.pieces, idx, idx+1, left, added, right)
}

func (pt *PieceTable) Delete(at, n int) {
	if n <= 0 {
		return
	}
	end := at + n
	out := make([]piece, 0, len(pt.pieces)+1)
	pos := 0
	for _, p := range pt.pieces {
		pStart, pEnd := pos, pos+p.length
		pos = pEnd
		if pEnd <= at || pStart >= end {
			out = append(out, p)
			continue
		}
		if pStart < at {
			out = append(out, piece{src: p.src, offset: p.offset, length: at - pStart})
		}
		if pEnd > end {
			cut := end - pStart
			out = append(out, piece{src: p.src, offset: p.offset + cut, length: pEnd - end})
		}
	}
	pt.pieces = out
	pt.length -= n
}

// locate maps a logical position to a piece index and the offset inside that
// piece. A position at the very end maps to (len(pieces), 0).
func (pt *PieceTable) locate(pos int) (idx, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

func (pt *PieceTable) source(s pieceSource) []rune {
	if s == srcAdd {
		return pt.add
	}
	return pt.original
}
