// Package memstore is an in-memory implementation of the lifecycle storage
// contract. It backs the CLI's offline validation and the package tests.
//
// Transactions stage their writes and commit them under the store mutex,
// re-checking every saved document's version at commit time, so concurrent
// transactions holding different lock keys still cannot overwrite each other.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
)

// Store holds documents, history and alerts in memory.
type Store struct {
	mu      sync.RWMutex
	docs    map[uuid.UUID]document.Document
	order   []uuid.UUID
	history map[uuid.UUID][]document.HistoryEntry
	alerts  map[uuid.UUID][]lifecycle.StoredAlert

	locks keyLocks
}

var _ lifecycle.Repository = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		docs:    make(map[uuid.UUID]document.Document),
		history: make(map[uuid.UUID][]document.HistoryEntry),
		alerts:  make(map[uuid.UUID][]lifecycle.StoredAlert),
		locks:   keyLocks{held: make(map[string]*keyLock)},
	}
}

// Atomically implements lifecycle.Store.
func (s *Store) Atomically(ctx context.Context, lockKey string, fn func(lifecycle.Tx) error) error {
	unlock, err := s.locks.lock(ctx, lockKey)
	if err != nil {
		return err
	}
	defer unlock()

	t := &tx{s: s, staged: make(map[uuid.UUID]staged)}
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

// Document implements lifecycle.Reader.
func (s *Store) Document(_ context.Context, id uuid.UUID) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	return &d, nil
}

// History implements lifecycle.Reader.
func (s *Store) History(_ context.Context, id uuid.UUID) ([]document.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.docs[id]; !ok {
		return nil, lifecycle.ErrNotFound
	}
	return append([]document.HistoryEntry(nil), s.history[id]...), nil
}

// BySituation implements lifecycle.Reader.
func (s *Store) BySituation(_ context.Context, limit int, situations ...document.Situation) ([]*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[document.Situation]bool, len(situations))
	for _, sit := range situations {
		want[sit] = true
	}

	var out []*document.Document
	for _, id := range s.order {
		d := s.docs[id]
		if want[d.Situation] {
			out = append(out, &d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChangedTime.Before(out[j].ChangedTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every document in insertion order.
func (s *Store) All() []*document.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*document.Document, 0, len(s.order))
	for _, id := range s.order {
		d := s.docs[id]
		out = append(out, &d)
	}
	return out
}

// Uploads returns the documents of one template version filed by a taxpayer
// for a period number, in upload order.
func (s *Store) Uploads(_ context.Context, templateName string, version int, taxpayerID string, period int) ([]*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*document.Document
	for _, id := range s.order {
		d := s.docs[id]
		if d.TemplateName == templateName && d.TemplateVersion == version &&
			d.TaxpayerID == taxpayerID && d.PeriodNumber() == period {
			out = append(out, &d)
		}
	}
	return out, nil
}

// AddAlerts implements lifecycle.AlertStore.
func (s *Store) AddAlerts(_ context.Context, alerts []lifecycle.StoredAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range alerts {
		s.alerts[a.DocumentID] = append(s.alerts[a.DocumentID], a)
	}
	return nil
}

// Alerts implements lifecycle.AlertStore.
func (s *Store) Alerts(_ context.Context, id uuid.UUID) ([]lifecycle.StoredAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]lifecycle.StoredAlert(nil), s.alerts[id]...), nil
}

type staged struct {
	doc  document.Document
	base int64 // committed version the write was made against; -1 for inserts
}

type tx struct {
	s       *Store
	staged  map[uuid.UUID]staged
	inserts []uuid.UUID
	history []document.HistoryEntry
}

func (t *tx) get(id uuid.UUID) (document.Document, bool) {
	if st, ok := t.staged[id]; ok {
		return st.doc, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	d, ok := t.s.docs[id]
	return d, ok
}

func (t *tx) Document(_ context.Context, id uuid.UUID) (*document.Document, error) {
	d, ok := t.get(id)
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	return &d, nil
}

func (t *tx) ByKey(_ context.Context, key string) ([]*document.Document, error) {
	return t.filter(func(d *document.Document) bool { return d.UniquenessKey == key }), nil
}

func (t *tx) Siblings(_ context.Context, templateName, taxpayerID string) ([]*document.Document, error) {
	return t.filter(func(d *document.Document) bool {
		return d.TemplateName == templateName && d.TaxpayerID == taxpayerID
	}), nil
}

// filter returns matching documents, staged writes included, in upload order.
func (t *tx) filter(match func(*document.Document) bool) []*document.Document {
	t.s.mu.RLock()
	ids := append([]uuid.UUID(nil), t.s.order...)
	t.s.mu.RUnlock()
	ids = append(ids, t.inserts...)

	var out []*document.Document
	for _, id := range ids {
		d, ok := t.get(id)
		if ok && match(&d) {
			out = append(out, &d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out
}

func (t *tx) SaveDocument(_ context.Context, doc *document.Document) error {
	current, exists := t.get(doc.ID)

	switch {
	case doc.Version == 0:
		if exists {
			return lifecycle.ErrVersionConflict
		}
		t.inserts = append(t.inserts, doc.ID)
		doc.Version = 1
		t.staged[doc.ID] = staged{doc: *doc, base: -1}
		return nil

	case !exists:
		return lifecycle.ErrNotFound

	case current.Version != doc.Version:
		return lifecycle.ErrVersionConflict
	}

	base := doc.Version
	if st, ok := t.staged[doc.ID]; ok {
		base = st.base
	}
	doc.Version++
	t.staged[doc.ID] = staged{doc: *doc, base: base}
	return nil
}

func (t *tx) AppendHistory(_ context.Context, e document.HistoryEntry) error {
	t.history = append(t.history, e)
	return nil
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range t.staged {
		committed, exists := s.docs[id]
		if st.base == -1 {
			if exists {
				return lifecycle.ErrVersionConflict
			}
			continue
		}
		if !exists || committed.Version != st.base {
			return lifecycle.ErrVersionConflict
		}
	}

	for _, id := range t.inserts {
		s.order = append(s.order, id)
	}
	for id, st := range t.staged {
		s.docs[id] = st.doc
	}
	for _, e := range t.history {
		s.history[e.DocumentID] = append(s.history[e.DocumentID], e)
	}
	return nil
}

// keyLocks is a set of per-key mutexes that are dropped once unused.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (k *keyLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	release := func() {
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
