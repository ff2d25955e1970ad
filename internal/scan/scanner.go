package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/taxintake/internal/logging"
)

const (
	DefaultBatchSize    = 500
	DefaultLease        = time.Minute
	DefaultCloseTimeout = 5 * time.Second
)

// Hooks are called on the scanner's recovery paths. Either may be nil.
type Hooks struct {
	Fallback func(collection string)
	Empty    func(collection string, kind Kind)
}

type settings struct {
	batchSize    int
	lease        time.Duration
	closeTimeout time.Duration
	classifier   Classifier
	hooks        Hooks
	now          func() time.Time
}

// Option configures a Scanner.
type Option func(*settings)

// WithBatchSize sets the cursor batch size.
func WithBatchSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLease sets how long a cursor stays alive between batch fetches.
func WithLease(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithCloseTimeout bounds the cursor release on Close.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.closeTimeout = d
		}
	}
}

// WithClassifier sets the store error classifier. Defaults to SentinelClassifier.
func WithClassifier(c Classifier) Option {
	return func(s *settings) { s.classifier = c }
}

// WithHooks sets recovery callbacks.
func WithHooks(h Hooks) Option {
	return func(s *settings) { s.hooks = h }
}

// WithClock sets the clock used to track cursor leases.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// Scanner reads one collection as records of type T. Each hit is decoded
// with encoding/json.
type Scanner[T any] struct {
	proto      Protocol
	collection string
	settings
}

// New creates a Scanner for collection.
func New[T any](proto Protocol, collection string, opts ...Option) *Scanner[T] {
	s := settings{
		batchSize:    DefaultBatchSize,
		lease:        DefaultLease,
		closeTimeout: DefaultCloseTimeout,
		classifier:   SentinelClassifier,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Scanner[T]{proto: proto, collection: collection, settings: s}
}

// Collection returns the scanned collection name.
func (s *Scanner[T]) Collection() string { return s.collection }

// Scan starts reading the records matching q. The returned Rows must be
// closed. Missing collections and collections without a mapping yield empty
// Rows; a cancelled ctx also ends the sequence without an error.
func (s *Scanner[T]) Scan(ctx context.Context, q Query) (*Rows[T], error) {
	n, err := s.proto.Count(ctx, s.collection, q)
	if err != nil {
		return s.recover(ctx, err)
	}
	if n == 0 {
		return s.empty(), nil
	}

	hits, err := s.proto.Search(ctx, s.collection, q, int(n))
	if err == nil {
		return s.rows(ctx, Batch{Hits: hits}), nil
	}
	if s.classifier.Classify(err) != KindWindowTooLarge {
		return s.recover(ctx, err)
	}

	logging.FromContext(ctx).Debug("result window too large, falling back to cursor scan",
		"collection", s.collection,
		"count", n,
	)
	if s.hooks.Fallback != nil {
		s.hooks.Fallback(s.collection)
	}

	batch, err := s.proto.OpenScan(ctx, s.collection, q, s.batchSize, s.lease)
	if err != nil {
		return s.recover(ctx, err)
	}
	return s.rows(ctx, batch), nil
}

// Count returns the number of records matching q. Missing and unmapped
// collections count as zero.
func (s *Scanner[T]) Count(ctx context.Context, q Query) (int64, error) {
	n, err := s.proto.Count(ctx, s.collection, q)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, context.Canceled) {
		return 0, err
	}
	if _, err := s.recover(ctx, err); err != nil {
		return 0, err
	}
	return 0, nil
}

// recover turns structural errors into an empty result and returns the
// rest unchanged.
func (s *Scanner[T]) recover(ctx context.Context, err error) (*Rows[T], error) {
	if errors.Is(err, context.Canceled) {
		return s.empty(), nil
	}

	kind := s.classifier.Classify(err)
	switch kind {
	case KindNoIndex, KindNoMapping:
		return s.emptyAfter(ctx, kind), nil
	case KindAmbiguous:
		mapped, herr := s.proto.HasMapping(ctx, s.collection)
		if herr == nil && !mapped {
			return s.emptyAfter(ctx, KindNoMapping), nil
		}
	}
	return nil, fmt.Errorf("scan %s: %w", s.collection, err)
}

func (s *Scanner[T]) emptyAfter(ctx context.Context, kind Kind) *Rows[T] {
	logging.FromContext(ctx).Debug("collection not ready, reading as empty",
		"collection", s.collection,
		"reason", kind.String(),
	)
	if s.hooks.Empty != nil {
		s.hooks.Empty(s.collection, kind)
	}
	return s.empty()
}

func (s *Scanner[T]) empty() *Rows[T] {
	return &Rows[T]{scanner: s, done: true}
}

func (s *Scanner[T]) rows(ctx context.Context, first Batch) *Rows[T] {
	return &Rows[T]{
		scanner:   s,
		ctx:       ctx,
		cursor:    first.CursorID,
		buf:       first.Hits,
		lastFetch: s.now(),
		done:      first.CursorID == "",
	}
}

// Rows is a forward-only sequence of records. It is not safe for concurrent use.
//
//	rows, err := scanner.Scan(ctx, q)
//	if err != nil { ... }
//	defer rows.Close()
//	for rows.Next() {
//		rec := rows.Record()
//	}
//	if err := rows.Err(); err != nil { ... }
type Rows[T any] struct {
	scanner   *Scanner[T]
	ctx       context.Context
	cursor    string
	buf       []json.RawMessage
	lastFetch time.Time
	done      bool
	closed    bool
	cur       T
	err       error
}

// Next advances to the next record, fetching a batch when the buffer is
// drained. It returns false at the end of the sequence or on error.
func (r *Rows[T]) Next() bool {
	if r.closed || r.err != nil {
		return false
	}

	for len(r.buf) == 0 {
		if r.done {
			r.release()
			return false
		}
		if !r.fetch() {
			r.release()
			return false
		}
	}

	raw := r.buf[0]
	r.buf = r.buf[1:]

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		r.err = fmt.Errorf("scan %s: decode record: %w", r.scanner.collection, err)
		r.release()
		return false
	}
	r.cur = v
	return true
}

// fetch reads the next cursor batch. It reports false when the sequence
// ended, with r.err set if it ended in error.
func (r *Rows[T]) fetch() bool {
	s := r.scanner
	if s.now().Sub(r.lastFetch) > s.lease {
		r.err = fmt.Errorf("scan %s: %w", s.collection, ErrLeaseExpired)
		return false
	}

	batch, err := s.proto.NextBatch(r.ctx, r.cursor, s.lease)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			logging.FromContext(r.ctx).Debug("scan cancelled", "collection", s.collection)
		case s.classifier.Classify(err) == KindCursorExpired:
			r.err = fmt.Errorf("scan %s: %w: %w", s.collection, ErrLeaseExpired, err)
		default:
			r.err = fmt.Errorf("scan %s: %w", s.collection, err)
		}
		return false
	}

	r.lastFetch = s.now()
	if batch.CursorID != "" {
		r.cursor = batch.CursorID
	}
	if len(batch.Hits) == 0 {
		r.done = true
	}
	r.buf = batch.Hits
	return true
}

// Record returns the current record.
func (r *Rows[T]) Record() T { return r.cur }

// Err returns the error that ended the sequence, if any.
func (r *Rows[T]) Err() error { return r.err }

// Close releases the server-side cursor. It is safe to call more than once.
func (r *Rows[T]) Close() error {
	r.closed = true
	return r.release()
}

func (r *Rows[T]) release() error {
	if r.cursor == "" {
		return nil
	}
	id := r.cursor
	r.cursor = ""
	r.done = true
	r.buf = nil

	s := r.scanner
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), s.closeTimeout)
	defer cancel()

	if err := s.proto.CloseScan(ctx, id); err != nil {
		logging.FromContext(r.ctx).Warn("failed to release scan cursor",
			"collection", s.collection,
			"error", err,
		)
		return fmt.Errorf("close scan %s: %w", s.collection, err)
	}
	return nil
}

// Collect drains rows into a slice and closes them.
func Collect[T any](rows *Rows[T]) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		out = append(out, rows.Record())
	}
	return out, rows.Err()
}
