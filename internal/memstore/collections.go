package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JonMunkholm/taxintake/internal/scan"
)

// DefaultWindow mirrors the usual document-store max result window.
const DefaultWindow = 10000

// Collections is an in-memory document store implementing scan.Protocol.
// Searches asking for more than Window results fail with
// scan.ErrWindowTooLarge; collections created without documents have no
// mapping.
type Collections struct {
	mu      sync.Mutex
	window  int
	colls   map[string]*collection
	cursors map[string]*cursor
	nextID  int
	now     func() time.Time

	// counters for tests
	opened, closed int
}

type collection struct {
	mapped bool
	docs   []json.RawMessage
}

type cursor struct {
	hits    []json.RawMessage
	batch   int
	expires time.Time
}

var _ scan.Protocol = (*Collections)(nil)

// NewCollections creates an empty store with the given result window
// (DefaultWindow when window <= 0).
func NewCollections(window int) *Collections {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Collections{
		window:  window,
		colls:   make(map[string]*collection),
		cursors: make(map[string]*cursor),
		now:     time.Now,
	}
}

// WithClock sets the clock used for cursor leases.
func (c *Collections) WithClock(now func() time.Time) *Collections {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Create makes an empty collection that has no mapping yet.
func (c *Collections) Create(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.colls[name]; !ok {
		c.colls[name] = &collection{}
	}
}

// Index appends docs to the named collection, creating it if needed.
func (c *Collections) Index(_ context.Context, name string, docs []map[string]any) error {
	encoded := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
		encoded = append(encoded, b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	coll, ok := c.colls[name]
	if !ok {
		coll = &collection{}
		c.colls[name] = coll
	}
	coll.mapped = true
	coll.docs = append(coll.docs, encoded...)
	return nil
}

// DeleteByTerms removes the documents of name matching every term. A missing
// collection is not an error.
func (c *Collections) DeleteByTerms(_ context.Context, name string, terms map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	coll, ok := c.colls[name]
	if !ok {
		return nil
	}
	kept := coll.docs[:0]
	for _, raw := range coll.docs {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("decode %s document: %w", name, err)
		}
		if !matches(fields, terms) {
			kept = append(kept, raw)
		}
	}
	coll.docs = kept
	return nil
}

// OpenCursors returns the number of cursors opened and not yet closed.
func (c *Collections) OpenCursors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened - c.closed
}

// Count implements scan.Protocol.
func (c *Collections) Count(ctx context.Context, name string, q scan.Query) (int64, error) {
	hits, err := c.match(ctx, name, q)
	return int64(len(hits)), err
}

// Search implements scan.Protocol.
func (c *Collections) Search(ctx context.Context, name string, q scan.Query, size int) ([]json.RawMessage, error) {
	if size > c.window {
		return nil, fmt.Errorf("search %s from 0 size %d: %w", name, size, scan.ErrWindowTooLarge)
	}
	hits, err := c.match(ctx, name, q)
	if err != nil {
		return nil, err
	}
	if len(hits) > size {
		hits = hits[:size]
	}
	return hits, nil
}

// OpenScan implements scan.Protocol.
func (c *Collections) OpenScan(ctx context.Context, name string, q scan.Query, batchSize int, lease time.Duration) (scan.Batch, error) {
	hits, err := c.match(ctx, name, q)
	if err != nil {
		return scan.Batch{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.opened++
	id := "cursor-" + strconv.Itoa(c.nextID)
	cur := &cursor{hits: hits, batch: batchSize, expires: c.now().Add(lease)}
	c.cursors[id] = cur
	return scan.Batch{CursorID: id, Hits: cur.take()}, nil
}

// NextBatch implements scan.Protocol.
func (c *Collections) NextBatch(ctx context.Context, id string, lease time.Duration) (scan.Batch, error) {
	if err := ctx.Err(); err != nil {
		return scan.Batch{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[id]
	if !ok || c.now().After(cur.expires) {
		return scan.Batch{}, fmt.Errorf("cursor %s: %w", id, scan.ErrCursorExpired)
	}
	cur.expires = c.now().Add(lease)
	return scan.Batch{CursorID: id, Hits: cur.take()}, nil
}

// CloseScan implements scan.Protocol.
func (c *Collections) CloseScan(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cursors[id]; !ok {
		return fmt.Errorf("cursor %s: %w", id, scan.ErrCursorExpired)
	}
	delete(c.cursors, id)
	c.closed++
	return nil
}

// HasMapping implements scan.Protocol.
func (c *Collections) HasMapping(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, ok := c.colls[name]
	if !ok {
		return false, fmt.Errorf("collection %s: %w", name, scan.ErrNoIndex)
	}
	return coll.mapped, nil
}

// match returns the documents of name whose fields equal every term, in
// insertion order. Sorting needs a mapping.
func (c *Collections) match(ctx context.Context, name string, q scan.Query) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	coll, ok := c.colls[name]
	var docs []json.RawMessage
	var mapped bool
	if ok {
		docs = append(docs, coll.docs...)
		mapped = coll.mapped
	}
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("collection %s: %w", name, scan.ErrNoIndex)
	}
	if !mapped && len(q.Sort) > 0 {
		return nil, fmt.Errorf("sort on %s in %s: %w", q.Sort[0], name, scan.ErrNoMapping)
	}
	if len(q.Terms) == 0 {
		return docs, nil
	}

	var out []json.RawMessage
	for _, raw := range docs {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", name, err)
		}
		if matches(fields, q.Terms) {
			out = append(out, raw)
		}
	}
	return out, nil
}

func matches(fields, terms map[string]any) bool {
	for k, want := range terms {
		got, ok := fields[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (cur *cursor) take() []json.RawMessage {
	n := cur.batch
	if n <= 0 || n > len(cur.hits) {
		n = len(cur.hits)
	}
	out := cur.hits[:n]
	cur.hits = cur.hits[n:]
	return out
}
