// Package intake ingests uploaded tax documents.
//
// Ingest stores the original file, records the document in RECEIVED, parses
// it against its template, runs the template's business rules and, when the
// upload is clean, writes its rows to the validated-data collection and
// resolves it against the other uploads for the same uniqueness key. Every
// upload ends VALID or INVALID; alerts raised on the way are persisted with
// the document.
package intake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/taxintake/internal/blob"
	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/etl"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
	"github.com/JonMunkholm/taxintake/internal/logging"
	"github.com/JonMunkholm/taxintake/internal/parse"
	"github.com/JonMunkholm/taxintake/internal/template"
	"github.com/JonMunkholm/taxintake/internal/uniqueness"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

// ErrFileTooLarge is returned when an upload exceeds Config.MaxFileSize.
var ErrFileTooLarge = errors.New("file too large")

// Defaults.
const (
	DefaultMaxFileSize         = 100 << 20
	DefaultMaxHeaderSearchRows = 20
	DefaultBatchSize           = 500
)

// RowWriter stores validated rows.
type RowWriter interface {
	Index(ctx context.Context, collection string, docs []map[string]any) error
	DeleteByTerms(ctx context.Context, collection string, terms map[string]any) error
}

// abortTimeout bounds the cleanup of an upload whose ingestion failed.
const abortTimeout = 30 * time.Second

// Config holds pipeline settings.
type Config struct {
	MaxFileSize         int64         // Bytes; larger uploads are refused before a document exists
	MaxHeaderSearchRows int           // Rows searched for the header row
	BatchSize           int           // Validated rows per write
	Timeout             time.Duration // Bound on one ingestion (0 = none)
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Registry *template.Registry
	Rules    *validation.RuleSet
	Parser   *parse.Parser
	Tracker  *lifecycle.Tracker
	Resolver *uniqueness.Resolver
	Blobs    blob.Store // nil skips keeping the original file
	Rows     RowWriter
	Limiter  *Limiter
}

// Submission is one uploaded file with its declared header attributes.
type Submission struct {
	TemplateName    string
	TemplateVersion int // 0 selects the latest registered version
	TaxpayerID      string
	Year            int
	Month           int
	Period          int
	User            string
	FileName        string
	Content         io.Reader
}

// Result is the outcome of one ingestion.
type Result struct {
	Document    *document.Document
	Records     int
	Alerts      []validation.Alert
	NonCritical []validation.Alert
	Replaced    []*document.Document
}

// Valid reports whether the upload was accepted as the active document.
func (r Result) Valid() bool {
	return r.Document != nil && r.Document.Situation == document.Valid
}

// Pipeline runs ingestion.
type Pipeline struct {
	cfg Config
	Deps

	observe func(Result)
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver is called with every upload that reaches its final intake
// situation.
func WithObserver(fn func(Result)) Option {
	return func(p *Pipeline) { p.observe = fn }
}

// WithClock sets the clock used for upload timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config, deps Deps, opts ...Option) *Pipeline {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxHeaderSearchRows <= 0 {
		cfg.MaxHeaderSearchRows = DefaultMaxHeaderSearchRows
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if deps.Parser == nil {
		deps.Parser = parse.New()
	}
	if deps.Limiter == nil {
		deps.Limiter = NewLimiter(0, 0)
	}

	p := &Pipeline{cfg: cfg, Deps: deps, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest processes one upload. Errors are infrastructure failures; a file
// that fails validation is reported through an INVALID document and its
// alerts. A failure after the document was recorded still leaves it INVALID
// when it had not been validated yet.
func (p *Pipeline) Ingest(ctx context.Context, sub Submission) (Result, error) {
	if err := p.Limiter.Acquire(ctx); err != nil {
		return Result{}, err
	}
	defer p.Limiter.Release()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	tmpl, data, err := p.load(sub)
	if err != nil {
		return Result{}, err
	}

	doc := p.newDocument(sub, tmpl, data)
	if p.Blobs != nil {
		if err := p.Blobs.Save(ctx, doc.StoragePath(), bytes.NewReader(data)); err != nil {
			return Result{}, fmt.Errorf("store upload: %w", err)
		}
	}
	if err := p.Tracker.Create(ctx, doc); err != nil {
		return Result{}, err
	}

	log := logging.WithDocument(ctx, doc)
	log.Info("upload received", "file", sub.FileName, "bytes", len(data))

	res, err := p.validate(ctx, tmpl, doc, data)
	if err != nil {
		log.Error("ingestion failed", "error", err)
		p.abort(ctx, tmpl, doc, err)
		res.Document = doc
		return res, err
	}
	if p.observe != nil {
		p.observe(res)
	}
	return res, nil
}

// load resolves the submission's template and reads its content, bounded by
// MaxFileSize.
func (p *Pipeline) load(sub Submission) (template.Template, []byte, error) {
	tmpl, err := p.template(sub)
	if err != nil {
		return template.Template{}, nil, err
	}
	if _, err := DetectFormat(sub.FileName); err != nil {
		return template.Template{}, nil, err
	}

	data, err := io.ReadAll(io.LimitReader(sub.Content, p.cfg.MaxFileSize+1))
	if err != nil {
		return template.Template{}, nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > p.cfg.MaxFileSize {
		return template.Template{}, nil, fmt.Errorf("%w (%d bytes)", ErrFileTooLarge, p.cfg.MaxFileSize)
	}
	return tmpl, data, nil
}

// newDocument builds the inactive document for an upload.
func (p *Pipeline) newDocument(sub Submission, tmpl template.Template, data []byte) *document.Document {
	sum := sha256.Sum256(data)
	return &document.Document{
		ID:              uuid.New(),
		UploadedAt:      p.now().UTC(),
		User:            sub.User,
		TaxpayerID:      sub.TaxpayerID,
		TemplateName:    tmpl.Name,
		TemplateVersion: tmpl.Version,
		Year:            sub.Year,
		Month:           sub.Month,
		Period:          sub.Period,
		FileName:        sub.FileName,
		FileID:          uuid.NewString(),
		Subdir:          strings.ToLower(tmpl.Name) + "/" + strconv.Itoa(sub.Year),
		Hash:            hex.EncodeToString(sum[:]),
		Rectified:       true,
	}
}

func (p *Pipeline) template(sub Submission) (template.Template, error) {
	if sub.TemplateVersion == 0 {
		return p.Registry.Latest(sub.TemplateName)
	}
	return p.Registry.Lookup(sub.TemplateName, sub.TemplateVersion)
}

// validate carries a RECEIVED document to VALID or INVALID.
func (p *Pipeline) validate(ctx context.Context, tmpl template.Template, doc *document.Document, data []byte) (Result, error) {
	session := validation.NewSession(p.Parser, validation.Scope{
		TaxpayerID: doc.TaxpayerID,
		Year:       doc.Year,
		Month:      doc.Month,
		Period:     doc.Period,
	})

	lines := p.parse(session, tmpl, doc.FileName, data)
	if session.HasAlerts() {
		return p.reject(ctx, doc, session)
	}

	records := session.Records()
	key, err := uniqueness.ComputeKey(tmpl, doc, records[0])
	var fieldErr *uniqueness.KeyFieldError
	if errors.As(err, &fieldErr) {
		session.AddAlert(validation.AlertMissingField, fieldErr.Field)
		return p.reject(ctx, doc, session)
	}
	if err != nil {
		return Result{Document: doc}, err
	}
	doc.UniquenessKey = key

	if _, err := p.Tracker.Transition(ctx, doc, document.Accept); err != nil {
		return Result{Document: doc}, err
	}

	if err := session.Run(ctx, p.Rules.For(tmpl.Name)...); err != nil {
		return Result{Document: doc}, fmt.Errorf("run rules: %w", err)
	}
	if session.HasAlerts() {
		return p.reject(ctx, doc, session)
	}

	if err := p.writeRows(ctx, tmpl, doc, records, lines); err != nil {
		return Result{Document: doc}, err
	}

	out, err := p.Resolver.Resolve(ctx, tmpl, doc.ID)
	if err != nil {
		return Result{Document: doc}, err
	}
	*doc = *out.Document

	if out.Rejected {
		if err := p.dropRows(ctx, tmpl, doc); err != nil {
			return Result{Document: doc}, err
		}
		period := ""
		if out.Blocker != nil {
			period = strconv.Itoa(out.Blocker.PeriodNumber())
		}
		session.AddAlert(validation.AlertRectificationDenied, period)
		return p.finish(ctx, doc, session)
	}
	if out.DuplicateContent {
		for _, r := range out.Replaced {
			if r.Hash == doc.Hash {
				session.AddNonCriticalAlert(validation.AlertDuplicateContent, r.ID.String())
			}
		}
	}

	res, err := p.finish(ctx, doc, session)
	res.Replaced = out.Replaced
	return res, err
}

// parse reads the file into the session and returns the file line of every
// record.
func (p *Pipeline) parse(session *validation.Session, tmpl template.Template, fileName string, data []byte) []int {
	rows, err := ReadRows(fileName, data)
	if err != nil {
		session.AddAlert(validation.AlertInvalidFile, err.Error())
		return nil
	}
	if len(rows) == 0 {
		session.AddAlert(validation.AlertEmptyFile)
		return nil
	}

	h := validation.FindHeader(rows, tmpl, p.cfg.MaxHeaderSearchRows)
	if h < 0 {
		searched := min(p.cfg.MaxHeaderSearchRows, len(rows))
		session.AddAlert(validation.AlertNoHeader, strconv.Itoa(searched))
		return nil
	}

	b := validation.NewBuilder(session, tmpl, rows[h])
	var lines []int
	for i, row := range rows[h+1:] {
		if validation.IsEmptyRow(row) {
			continue
		}
		line := h + i + 2
		session.AddParsedRecord(b.Row(line, row))
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		session.AddAlert(validation.AlertEmptyFile)
	}
	return lines
}

// writeRows stores the records in the template's validated collection,
// tagged with the file, document and line markers.
func (p *Pipeline) writeRows(ctx context.Context, tmpl template.Template, doc *document.Document, records []validation.Record, lines []int) error {
	collection := tmpl.ValidatedCollection()
	batch := make([]map[string]any, 0, min(len(records), p.cfg.BatchSize))

	for i, rec := range records {
		row := make(map[string]any, len(rec)+3)
		for k, v := range rec {
			row[k] = v
		}
		row[etl.FileMarker] = doc.FileID
		row[etl.DocumentMarker] = doc.ID.String()
		row[etl.LineMarker] = lines[i]
		batch = append(batch, row)

		if len(batch) == p.cfg.BatchSize || i == len(records)-1 {
			if err := p.Rows.Index(ctx, collection, batch); err != nil {
				return fmt.Errorf("store validated rows in %s: %w", collection, err)
			}
			batch = make([]map[string]any, 0, len(batch))
		}
	}
	return nil
}

// dropRows removes the document's rows from the validated collection.
func (p *Pipeline) dropRows(ctx context.Context, tmpl template.Template, doc *document.Document) error {
	collection := tmpl.ValidatedCollection()
	if err := p.Rows.DeleteByTerms(ctx, collection, map[string]any{etl.FileMarker: doc.FileID}); err != nil {
		return fmt.Errorf("remove validated rows from %s: %w", collection, err)
	}
	return nil
}

// abort fails an upload that stopped on an infrastructure error while still
// RECEIVED or ACCEPTED: the document becomes INVALID with an ingestFailed
// alert and any rows already written are removed. It runs on a detached
// context so a cancelled request still cleans up.
func (p *Pipeline) abort(ctx context.Context, tmpl template.Template, doc *document.Document, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	log := logging.WithDocument(ctx, doc)

	current, rejected, err := p.Tracker.RejectOpen(ctx, doc.ID)
	if err != nil {
		log.Error("failed upload left open", "error", err)
		return
	}
	*doc = *current
	if !rejected {
		return
	}

	if err := p.dropRows(ctx, tmpl, doc); err != nil {
		log.Error("failed upload left validated rows", "error", err)
	}
	alert := validation.NewAlert(validation.AlertIngestFailed, cause.Error())
	if err := p.Tracker.RecordAlerts(ctx, doc.ID, []validation.Alert{alert}, nil); err != nil {
		log.Warn("failed upload alert not recorded", "error", err)
	}
	log.Info("upload failed", "error", cause)
}

func (p *Pipeline) reject(ctx context.Context, doc *document.Document, session *validation.Session) (Result, error) {
	if _, err := p.Tracker.Transition(ctx, doc, document.Reject); err != nil {
		return Result{Document: doc}, err
	}
	return p.finish(ctx, doc, session)
}

// finish persists the session's alerts and builds the result.
func (p *Pipeline) finish(ctx context.Context, doc *document.Document, session *validation.Session) (Result, error) {
	res := Result{
		Document:    doc,
		Records:     session.Len(),
		Alerts:      session.Alerts(),
		NonCritical: session.NonCriticalAlerts(),
	}
	if err := p.Tracker.RecordAlerts(ctx, doc.ID, res.Alerts, res.NonCritical); err != nil {
		return res, err
	}

	log := logging.WithDocument(ctx, doc)
	if doc.Situation == document.Invalid {
		log.Info("upload rejected", "alerts", len(res.Alerts))
	} else {
		log.Info("upload validated", "records", res.Records, "warnings", len(res.NonCritical))
	}
	return res, nil
}
