// Package lifecycle persists document situations. It owns the storage
// contract shared by intake, uniqueness resolution, ETL and the ops API;
// internal/postgres and internal/memstore implement it.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrVersionConflict is returned by SaveDocument when the stored version
	// no longer matches the document's; the caller reloads and retries.
	ErrVersionConflict = errors.New("document version conflict")
)

// Tx is the set of operations available inside Store.Atomically.
type Tx interface {
	// Document loads one document.
	Document(ctx context.Context, id uuid.UUID) (*document.Document, error)

	// ByKey returns every document sharing a uniqueness key, oldest upload first.
	ByKey(ctx context.Context, key string) ([]*document.Document, error)

	// Siblings returns every document of a template name filed by a taxpayer,
	// across all periods and versions.
	Siblings(ctx context.Context, templateName, taxpayerID string) ([]*document.Document, error)

	// SaveDocument inserts a document with Version 0, otherwise updates it
	// only if the stored version equals doc.Version (else ErrVersionConflict).
	// On success doc.Version is incremented.
	SaveDocument(ctx context.Context, doc *document.Document) error

	// AppendHistory appends a situation history entry.
	AppendHistory(ctx context.Context, e document.HistoryEntry) error
}

// Store runs read-then-write sequences atomically.
type Store interface {
	// Atomically runs fn in a transaction serialised with every other
	// Atomically call for the same lock key.
	Atomically(ctx context.Context, lockKey string, fn func(Tx) error) error
}

// StoredAlert is an alert persisted against a document.
type StoredAlert struct {
	DocumentID uuid.UUID        `json:"documentId"`
	Critical   bool             `json:"critical"`
	Alert      validation.Alert `json:"alert"`
	Message    string           `json:"message"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// AlertStore persists the alerts raised for a document.
type AlertStore interface {
	AddAlerts(ctx context.Context, alerts []StoredAlert) error
	Alerts(ctx context.Context, id uuid.UUID) ([]StoredAlert, error)
}

// Reader serves read-only queries outside transactions.
type Reader interface {
	Document(ctx context.Context, id uuid.UUID) (*document.Document, error)
	History(ctx context.Context, id uuid.UUID) ([]document.HistoryEntry, error)

	// BySituation lists documents in any of the given situations, oldest
	// change first, at most limit (0 means no limit).
	BySituation(ctx context.Context, limit int, situations ...document.Situation) ([]*document.Document, error)
}

// Repository is everything the pipeline needs from storage.
type Repository interface {
	Store
	Reader
	AlertStore
}
