package doc

// DefaultHistorySize is how many applied diffs a Document keeps for
// incremental catch-up.
const DefaultHistorySize = 10

// DeletePolicy decides what happens to a delete whose range runs past the end
// of the buffer.
type DeletePolicy int

const (
	// TruncateDeletes removes through the end of the buffer.
	TruncateDeletes DeletePolicy = iota
	// RejectOverlongDeletes fails the apply with ErrOutOfRange.
	RejectOverlongDeletes
)

type options struct {
	historySize  int
	deletePolicy DeletePolicy
	newBuffer    func(initial string) Buffer
}

func defaultOptions() options {
	return options{
		historySize:  DefaultHistorySize,
		deletePolicy: TruncateDeletes,
		newBuffer:    newRuneBuffer,
	}
}

// Option configures a Document.
type Option func(*options)

// WithHistorySize bounds the history window to n diffs. Sizes below 1 are
// treated as 1.
func WithHistorySize(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.historySize = n
	}
}

// WithDeletePolicy selects how over-long deletes are handled.
func WithDeletePolicy(p DeletePolicy) Option {
	return func(o *options) { o.deletePolicy = p }
}

// WithPieceTable stores the text in a PieceTable instead of a contiguous
// buffer.
func WithPieceTable() Option {
	return func(o *options) { o.newBuffer = newPieceTableBuffer }
}
