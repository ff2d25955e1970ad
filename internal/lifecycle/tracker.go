package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/logging"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

// Tracker applies lifecycle events to stored documents and records their
// history and alerts.
type Tracker struct {
	store  Store
	alerts AlertStore
	now    func() time.Time
}

// NewTracker creates a Tracker. alerts may be nil when alerts are not persisted.
func NewTracker(store Store, alerts AlertStore) *Tracker {
	return &Tracker{store: store, alerts: alerts, now: time.Now}
}

// WithClock returns a copy of t using now as its clock.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	c := *t
	c.now = now
	return &c
}

// Now returns the tracker's clock reading.
func (t *Tracker) Now() time.Time { return t.now() }

// DocumentLockKey is the lock key for single-document changes.
func DocumentLockKey(id uuid.UUID) string { return "document:" + id.String() }

// Create stores a new document in Received with its first history entry.
func (t *Tracker) Create(ctx context.Context, doc *document.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	draft := *doc
	draft.Version = 0
	entry := document.Create(&draft, t.now())

	err := t.store.Atomically(ctx, DocumentLockKey(draft.ID), func(tx Tx) error {
		if err := tx.SaveDocument(ctx, &draft); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, entry)
	})
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}

	*doc = draft
	logging.WithDocument(ctx, doc).Debug("document received")
	return nil
}

// Transition applies ev to doc. The stored document must still be at
// doc.Version; on success doc is updated in place. ErrIllegalTransition and
// ErrVersionConflict are returned wrapped; moving a terminal document panics.
func (t *Tracker) Transition(ctx context.Context, doc *document.Document, ev document.Event) (document.HistoryEntry, error) {
	var entry document.HistoryEntry
	next := *doc

	err := t.store.Atomically(ctx, DocumentLockKey(doc.ID), func(tx Tx) error {
		var err error
		entry, err = ApplyInTx(ctx, tx, &next, ev, t.now())
		return err
	})
	if err != nil {
		return document.HistoryEntry{}, fmt.Errorf("%s document %s: %w", ev, doc.ID, err)
	}

	from := doc.Situation
	*doc = next
	logging.WithDocument(ctx, doc).Info("document situation changed",
		"from", from.String(),
		"to", doc.Situation.String(),
	)
	return entry, nil
}

// TransitionByID loads the document and applies ev, retrying once if the
// document changes between load and save.
func (t *Tracker) TransitionByID(ctx context.Context, id uuid.UUID, ev document.Event) (*document.Document, error) {
	var doc *document.Document
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = t.store.Atomically(ctx, DocumentLockKey(id), func(tx Tx) error {
			d, err := tx.Document(ctx, id)
			if err != nil {
				return err
			}
			if _, err := ApplyInTx(ctx, tx, d, ev, t.now()); err != nil {
				return err
			}
			doc = d
			return nil
		})
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s document %s: %w", ev, id, err)
	}
	return doc, nil
}

// RejectOpen moves the document to Invalid if it can still be rejected and
// reports whether it did. Documents already past validation are returned
// unchanged.
func (t *Tracker) RejectOpen(ctx context.Context, id uuid.UUID) (*document.Document, bool, error) {
	var (
		doc      *document.Document
		rejected bool
	)
	err := t.store.Atomically(ctx, DocumentLockKey(id), func(tx Tx) error {
		d, err := tx.Document(ctx, id)
		if err != nil {
			return err
		}
		doc = d
		if !document.Can(d.Situation, document.Reject) {
			return nil
		}
		if _, err := ApplyInTx(ctx, tx, d, document.Reject, t.now()); err != nil {
			return err
		}
		rejected = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("reject document %s: %w", id, err)
	}
	return doc, rejected, nil
}

// ApplyInTx applies ev to doc, saves it and appends the history entry inside
// an open transaction.
func ApplyInTx(ctx context.Context, tx Tx, doc *document.Document, ev document.Event, now time.Time) (document.HistoryEntry, error) {
	entry, err := document.Apply(doc, ev, now)
	if err != nil {
		return document.HistoryEntry{}, err
	}
	if err := tx.SaveDocument(ctx, doc); err != nil {
		return document.HistoryEntry{}, err
	}
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return document.HistoryEntry{}, err
	}
	return entry, nil
}

// RecordAlerts persists blocking and informational alerts for a document.
func (t *Tracker) RecordAlerts(ctx context.Context, id uuid.UUID, critical, nonCritical []validation.Alert) error {
	if t.alerts == nil || len(critical)+len(nonCritical) == 0 {
		return nil
	}

	now := t.now().UTC()
	stored := make([]StoredAlert, 0, len(critical)+len(nonCritical))
	for _, a := range critical {
		stored = append(stored, StoredAlert{DocumentID: id, Critical: true, Alert: a, Message: validation.Message(a), CreatedAt: now})
	}
	for _, a := range nonCritical {
		stored = append(stored, StoredAlert{DocumentID: id, Alert: a, Message: validation.Message(a), CreatedAt: now})
	}

	if err := t.alerts.AddAlerts(ctx, stored); err != nil {
		return fmt.Errorf("record alerts for %s: %w", id, err)
	}
	return nil
}

// RecordNewAlerts persists the non-critical alerts not already stored for
// the document, so a retried step does not record the same alert twice.
func (t *Tracker) RecordNewAlerts(ctx context.Context, id uuid.UUID, nonCritical []validation.Alert) error {
	if t.alerts == nil || len(nonCritical) == 0 {
		return nil
	}

	stored, err := t.alerts.Alerts(ctx, id)
	if err != nil {
		return fmt.Errorf("load alerts for %s: %w", id, err)
	}
	seen := make(map[string]bool, len(stored))
	for _, a := range stored {
		if !a.Critical {
			seen[a.Alert.String()] = true
		}
	}

	var fresh []validation.Alert
	for _, a := range nonCritical {
		if !seen[a.String()] {
			seen[a.String()] = true
			fresh = append(fresh, a)
		}
	}
	return t.RecordAlerts(ctx, id, nil, fresh)
}
