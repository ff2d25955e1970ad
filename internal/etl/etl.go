// Package etl publishes the validated rows of VALID documents as denormalized
// records.
//
// A Stage picks up VALID and PENDING documents, checks that the correlated
// templates a document requires have been validated for the same taxpayer
// and period (parking it in PENDING until they are), enriches every row with
// taxpayer reference data, tags it with the published-field markers and
// writes it to the template's published collection. A document whose rows
// all publish moves to PROCESSED; row failures are reported as non-critical
// alerts and the document is retried on the next run.
package etl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
	"github.com/JonMunkholm/taxintake/internal/scan"
	"github.com/JonMunkholm/taxintake/internal/template"
)

// Markers on validated rows, written by intake.
const (
	FileMarker     = "_file_id"
	DocumentMarker = "_document_id"
	LineMarker     = "_line"
)

// Markers on published rows. The first four identify the row for
// cross-template joins.
const (
	TimestampMarker = "_timestamp"
	TaxpayerMarker  = "_taxpayer_id"
	PeriodMarker    = "_period"
	TemplateMarker  = "_template"
	KeyMarker       = "_key"
)

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = errors.New("etl run already in progress")

// ValidatedDataRepository reads templates, uploads and their validated rows.
// Errors are store-access errors; callers retry on the next run.
type ValidatedDataRepository interface {
	Templates(ctx context.Context, archetype string) ([]template.Template, error)
	Uploads(ctx context.Context, templateName string, version int, taxpayerID string, period int) ([]*document.Document, error)
	HasValidation(ctx context.Context, templateName string, version int, fileID string) (bool, error)
	ValidatedData(ctx context.Context, templateName string, version int, fileID string) (*scan.Rows[map[string]any], error)
}

// TaxpayerRepository serves taxpayer reference attributes. ok is false for
// unknown taxpayers.
type TaxpayerRepository interface {
	TaxpayerData(ctx context.Context, taxpayerID string) (data map[string]any, ok bool, err error)
}

// Publisher writes published rows.
type Publisher interface {
	Index(ctx context.Context, collection string, docs []map[string]any) error
	DeleteByTerms(ctx context.Context, collection string, terms map[string]any) error
}

// Transform reshapes one validated row before publication. An error fails
// that row only.
type Transform func(tmpl template.Template, row map[string]any) (map[string]any, error)

// Config holds stage settings.
type Config struct {
	Workers   int           // Documents processed in parallel
	Timeout   time.Duration // Per-document bound
	Interval  time.Duration // Scheduler period
	BatchSize int           // Rows per publish call
	Limit     int           // Documents picked per run (0 = all)
}

// Deps are the stage's collaborators.
type Deps struct {
	Data      ValidatedDataRepository
	Taxpayers TaxpayerRepository
	Publisher Publisher
	Tracker   *lifecycle.Tracker
	Documents lifecycle.Reader
	Registry  *template.Registry
}

// Stage runs the ETL phase.
type Stage struct {
	cfg Config
	Deps

	transforms map[string]Transform
	observe    func(Outcome, time.Duration)
	now        func() time.Time

	running sync.Mutex
}

// Option configures a Stage.
type Option func(*Stage)

// WithTransform sets the row transform for an archetype.
func WithTransform(archetype string, fn Transform) Option {
	return func(s *Stage) { s.transforms[archetype] = fn }
}

// WithObserver is called after every processed document.
func WithObserver(fn func(Outcome, time.Duration)) Option {
	return func(s *Stage) { s.observe = fn }
}

// WithClock sets the clock used for the timestamp marker.
func WithClock(now func() time.Time) Option {
	return func(s *Stage) { s.now = now }
}

// NewStage creates a Stage.
func NewStage(cfg Config, deps Deps, opts ...Option) *Stage {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	s := &Stage{
		cfg:        cfg,
		Deps:       deps,
		transforms: make(map[string]Transform),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultTransform drops validated-row markers and keeps every field.
func DefaultTransform(_ template.Template, row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for k, v := range row {
		switch k {
		case FileMarker, DocumentMarker, LineMarker:
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (s *Stage) transform(archetype string) Transform {
	if fn, ok := s.transforms[archetype]; ok {
		return fn
	}
	return DefaultTransform
}
