// Package postgres implements the lifecycle storage contract on PostgreSQL.
//
// Atomically runs its callback in a transaction holding a transaction-scoped
// advisory lock derived from the lock key, so resolutions of the same
// uniqueness key are serialised across processes. Document updates are
// compare-and-swap on the version column.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
)

//go:embed schema.sql
var schema string

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store is a lifecycle.Repository over a connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ lifecycle.Repository = (*Store)(nil)

// New creates a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Atomically implements lifecycle.Store.
func (s *Store) Atomically(ctx context.Context, lockKey string, fn func(lifecycle.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return fmt.Errorf("lock %s: %w", lockKey, err)
		}
		return fn(&txn{q: tx})
	})
}

// Document implements lifecycle.Reader.
func (s *Store) Document(ctx context.Context, id uuid.UUID) (*document.Document, error) {
	return getDocument(ctx, s.pool, id)
}

// History implements lifecycle.Reader.
func (s *Store) History(ctx context.Context, id uuid.UUID) ([]document.HistoryEntry, error) {
	if _, err := getDocument(ctx, s.pool, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT document_id, template_name, ts, situation, changed_time
		FROM document_history WHERE document_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []document.HistoryEntry
	for rows.Next() {
		var e document.HistoryEntry
		var situation string
		if err := rows.Scan(&e.DocumentID, &e.TemplateName, &e.Timestamp, &situation, &e.ChangedTime); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if e.Situation, err = document.ParseSituation(situation); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BySituation implements lifecycle.Reader.
func (s *Store) BySituation(ctx context.Context, limit int, situations ...document.Situation) ([]*document.Document, error) {
	names := make([]string, len(situations))
	for i, sit := range situations {
		names[i] = sit.String()
	}

	query := selectDocuments + ` WHERE situation = ANY($1) ORDER BY changed_time`
	args := []any{names}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return queryDocuments(ctx, s.pool, query, args...)
}

// Uploads returns the documents of one template version filed by a taxpayer
// for a period number, in upload order.
func (s *Store) Uploads(ctx context.Context, templateName string, version int, taxpayerID string, period int) ([]*document.Document, error) {
	return queryDocuments(ctx, s.pool, selectDocuments+`
		WHERE template_name = $1 AND template_version = $2 AND taxpayer_id = $3 AND period_number = $4
		ORDER BY uploaded_at`, templateName, version, taxpayerID, period)
}

// AddAlerts implements lifecycle.AlertStore.
func (s *Store) AddAlerts(ctx context.Context, alerts []lifecycle.StoredAlert) error {
	batch := &pgx.Batch{}
	for _, a := range alerts {
		payload, err := json.Marshal(a.Alert)
		if err != nil {
			return fmt.Errorf("encode alert: %w", err)
		}
		batch.Queue(`
			INSERT INTO document_alerts (document_id, critical, alert, message, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			a.DocumentID, a.Critical, payload, a.Message, a.CreatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert alerts: %w", err)
	}
	return nil
}

// Alerts implements lifecycle.AlertStore.
func (s *Store) Alerts(ctx context.Context, id uuid.UUID) ([]lifecycle.StoredAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, critical, alert, message, created_at
		FROM document_alerts WHERE document_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.StoredAlert
	for rows.Next() {
		var a lifecycle.StoredAlert
		var payload []byte
		if err := rows.Scan(&a.DocumentID, &a.Critical, &payload, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if err := json.Unmarshal(payload, &a.Alert); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TaxpayerData returns the reference attributes stored for a taxpayer.
func (s *Store) TaxpayerData(ctx context.Context, taxpayerID string) (map[string]any, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM taxpayers WHERE id = $1`, taxpayerID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query taxpayer %s: %w", taxpayerID, err)
	}

	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, false, fmt.Errorf("decode taxpayer %s: %w", taxpayerID, err)
	}
	return data, true, nil
}

// txn implements lifecycle.Tx inside one pgx transaction.
type txn struct {
	q DBTX
}

func (t *txn) Document(ctx context.Context, id uuid.UUID) (*document.Document, error) {
	return getDocument(ctx, t.q, id)
}

func (t *txn) ByKey(ctx context.Context, key string) ([]*document.Document, error) {
	return queryDocuments(ctx, t.q, selectDocuments+` WHERE uniqueness_key = $1 ORDER BY uploaded_at`, key)
}

func (t *txn) Siblings(ctx context.Context, templateName, taxpayerID string) ([]*document.Document, error) {
	return queryDocuments(ctx, t.q, selectDocuments+`
		WHERE template_name = $1 AND taxpayer_id = $2 ORDER BY uploaded_at`, templateName, taxpayerID)
}

func (t *txn) SaveDocument(ctx context.Context, doc *document.Document) error {
	if doc.Version == 0 {
		_, err := t.q.Exec(ctx, `
			INSERT INTO documents (`+documentColumns+`)
			VALUES (`+placeholders(1, 19)+`, 1)`,
			documentArgs(doc)...)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return lifecycle.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		doc.Version = 1
		return nil
	}

	args := append(documentArgs(doc), doc.Version)
	tag, err := t.q.Exec(ctx, `
		UPDATE documents SET
			uploaded_at = $2, user_name = $3, taxpayer_id = $4, template_name = $5,
			template_version = $6, year = $7, month = $8, period = $9, period_number = $10,
			file_name = $11, file_id = $12, subdir = $13, hash = $14, uniqueness_key = $15,
			rectifying = $16, rectified = $17, situation = $18, changed_time = $19,
			version = version + 1
		WHERE id = $1 AND version = $20`, args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getDocument(ctx, t.q, doc.ID); err != nil {
			return err
		}
		return lifecycle.ErrVersionConflict
	}
	doc.Version++
	return nil
}

func (t *txn) AppendHistory(ctx context.Context, e document.HistoryEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO document_history (document_id, template_name, ts, situation, changed_time)
		VALUES ($1, $2, $3, $4, $5)`,
		e.DocumentID, e.TemplateName, e.Timestamp, e.Situation.String(), e.ChangedTime)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

const documentColumns = `id, uploaded_at, user_name, taxpayer_id, template_name, template_version,
	year, month, period, period_number, file_name, file_id, subdir, hash, uniqueness_key,
	rectifying, rectified, situation, changed_time, version`

var selectDocuments = `SELECT ` + documentColumns + ` FROM documents`

func documentArgs(d *document.Document) []any {
	return []any{
		d.ID, d.UploadedAt, d.User, d.TaxpayerID, d.TemplateName, d.TemplateVersion,
		d.Year, d.Month, d.Period, d.PeriodNumber(), d.FileName, d.FileID, d.Subdir, d.Hash, d.UniquenessKey,
		d.Rectifying, d.Rectified, d.Situation.String(), d.ChangedTime,
	}
}

func scanDocument(row pgx.Row) (*document.Document, error) {
	var d document.Document
	var periodNumber int
	var situation string
	err := row.Scan(
		&d.ID, &d.UploadedAt, &d.User, &d.TaxpayerID, &d.TemplateName, &d.TemplateVersion,
		&d.Year, &d.Month, &d.Period, &periodNumber, &d.FileName, &d.FileID, &d.Subdir, &d.Hash, &d.UniquenessKey,
		&d.Rectifying, &d.Rectified, &situation, &d.ChangedTime, &d.Version,
	)
	if err != nil {
		return nil, err
	}
	if d.Situation, err = document.ParseSituation(situation); err != nil {
		return nil, err
	}
	return &d, nil
}

func getDocument(ctx context.Context, q DBTX, id uuid.UUID) (*document.Document, error) {
	d, err := scanDocument(q.QueryRow(ctx, selectDocuments+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	return d, nil
}

func queryDocuments(ctx context.Context, q DBTX, query string, args ...any) ([]*document.Document, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []*document.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	return out, nil
}

// placeholders returns "$from, $from+1, ..." for n parameters.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}
