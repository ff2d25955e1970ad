// Package scan enumerates every record of a remote document-store collection.
//
// A Scanner first asks for the whole result set in one bounded query. When
// the store refuses it because the result window is too large, the scanner
// switches to a leased cursor and reads batches until the cursor is drained,
// releasing the cursor whenever the Rows are closed. Collections that do not
// exist yet, or that have no mapping because nothing was ever written to
// them, read as empty.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrLeaseExpired is returned when a cursor was not renewed within its lease.
	ErrLeaseExpired = errors.New("scan cursor lease expired")

	// Protocol implementations can return these; SentinelClassifier maps them
	// to their Kind.
	ErrWindowTooLarge = errors.New("result window is too large")
	ErrNoIndex        = errors.New("no such index")
	ErrNoMapping      = errors.New("no mapping found")
	ErrCursorExpired  = errors.New("scan cursor not found or expired")
)

// Query selects records by exact field values, optionally sorted.
type Query struct {
	Terms map[string]any
	Sort  []string
}

// Batch is one page of raw records. CursorID is empty for plain searches.
type Batch struct {
	CursorID string
	Hits     []json.RawMessage
}

// Protocol is the document-store surface a Scanner reads through.
type Protocol interface {
	Count(ctx context.Context, collection string, q Query) (int64, error)
	Search(ctx context.Context, collection string, q Query, size int) ([]json.RawMessage, error)
	OpenScan(ctx context.Context, collection string, q Query, batchSize int, lease time.Duration) (Batch, error)
	NextBatch(ctx context.Context, cursorID string, lease time.Duration) (Batch, error)
	CloseScan(ctx context.Context, cursorID string) error
	HasMapping(ctx context.Context, collection string) (bool, error)
}

// Kind is the scanner's view of a store error.
type Kind int

const (
	KindOther Kind = iota
	KindWindowTooLarge
	KindNoIndex
	KindNoMapping
	// KindAmbiguous errors may or may not mean a missing mapping; the scanner
	// asks HasMapping before deciding.
	KindAmbiguous
	KindCursorExpired
)

func (k Kind) String() string {
	switch k {
	case KindWindowTooLarge:
		return "window_too_large"
	case KindNoIndex:
		return "no_index"
	case KindNoMapping:
		return "no_mapping"
	case KindAmbiguous:
		return "ambiguous"
	case KindCursorExpired:
		return "cursor_expired"
	default:
		return "other"
	}
}

// Classifier maps store errors to a Kind. Store adapters supply their own.
type Classifier interface {
	Classify(err error) Kind
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) Kind

func (f ClassifierFunc) Classify(err error) Kind { return f(err) }

// SentinelClassifier recognises the sentinel errors of this package.
var SentinelClassifier Classifier = ClassifierFunc(func(err error) Kind {
	switch {
	case errors.Is(err, ErrWindowTooLarge):
		return KindWindowTooLarge
	case errors.Is(err, ErrNoIndex):
		return KindNoIndex
	case errors.Is(err, ErrNoMapping):
		return KindNoMapping
	case errors.Is(err, ErrCursorExpired):
		return KindCursorExpired
	default:
		return KindOther
	}
})
