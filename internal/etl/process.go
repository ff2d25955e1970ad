package etl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/logging"
	"github.com/JonMunkholm/taxintake/internal/template"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

// Outcome is what happened to one document.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeProcessed
	OutcomePending
	OutcomeRowsFailed
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomePending:
		return "pending"
	case OutcomeRowsFailed:
		return "rows_failed"
	case OutcomeError:
		return "error"
	default:
		return "skipped"
	}
}

// errSuperseded stops publication of a document that was replaced or moved
// after it was listed.
var errSuperseded = errors.New("document changed since it was listed")

// Result reports one document's run.
type Result struct {
	Outcome    Outcome
	Published  int
	FailedRows int
	Missing    []string // required templates not yet validated
}

// Summary counts documents by outcome for one run.
type Summary struct {
	Processed  int `json:"processed"`
	Pending    int `json:"pending"`
	RowsFailed int `json:"rowsFailed"`
	Errors     int `json:"errors"`
	Skipped    int `json:"skipped"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeProcessed:
		s.Processed++
	case OutcomePending:
		s.Pending++
	case OutcomeRowsFailed:
		s.RowsFailed++
	case OutcomeError:
		s.Errors++
	default:
		s.Skipped++
	}
}

// RunOnce processes every VALID and PENDING document on a bounded worker
// pool, each under its own timeout. A failing document does not stop the
// others. Only one run is active at a time.
func (s *Stage) RunOnce(ctx context.Context) (Summary, error) {
	if !s.running.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer s.running.Unlock()

	docs, err := s.Documents.BySituation(ctx, s.cfg.Limit, document.Valid, document.Pending)
	if err != nil {
		return Summary{}, fmt.Errorf("list documents for etl: %w", err)
	}

	var (
		mu      sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for _, doc := range docs {
		g.Go(func() error {
			docCtx, cancel := context.WithTimeout(gctx, s.cfg.Timeout)
			defer cancel()

			res, err := s.ProcessDocument(docCtx, doc)
			if err != nil {
				logging.WithDocument(ctx, doc).Error("etl failed", "error", err)
				res.Outcome = OutcomeError
			}

			mu.Lock()
			summary.add(res.Outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// ProcessDocument runs the ETL phase for one VALID or PENDING document.
func (s *Stage) ProcessDocument(ctx context.Context, doc *document.Document) (Result, error) {
	start := time.Now()
	res, err := s.process(ctx, doc)
	if s.observe != nil {
		o := res.Outcome
		if err != nil {
			o = OutcomeError
		}
		s.observe(o, time.Since(start))
	}
	return res, err
}

func (s *Stage) process(ctx context.Context, doc *document.Document) (Result, error) {
	log := logging.WithDocument(ctx, doc)

	if !doc.Situation.Accepting() || !doc.Active() {
		return Result{Outcome: OutcomeSkipped}, nil
	}

	tmpl, err := s.Registry.Lookup(doc.TemplateName, doc.TemplateVersion)
	if err != nil {
		return Result{}, err
	}

	missing, err := s.missingRequirements(ctx, tmpl, doc)
	if err != nil {
		return Result{}, fmt.Errorf("check correlated templates: %w", err)
	}
	if len(missing) > 0 {
		if doc.Situation == document.Valid {
			if _, err := s.Tracker.Transition(ctx, doc, document.Pend); err != nil {
				return Result{}, err
			}
			alert := validation.NewAlert(validation.AlertCorrelationPending, strings.Join(missing, ", "))
			if err := s.Tracker.RecordAlerts(ctx, doc.ID, nil, []validation.Alert{alert}); err != nil {
				return Result{}, err
			}
		}
		log.Debug("document waiting for correlated templates", "missing", missing)
		return Result{Outcome: OutcomePending, Missing: missing}, nil
	}
	if doc.Situation == document.Pending {
		if _, err := s.Tracker.Transition(ctx, doc, document.Validate); err != nil {
			return Result{}, err
		}
	}

	published, failures, err := s.publish(ctx, tmpl, doc)
	if errors.Is(err, errSuperseded) {
		log.Debug("document changed since it was listed; skipping")
		return Result{Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if len(failures) > 0 {
		if err := s.Tracker.RecordNewAlerts(ctx, doc.ID, failures); err != nil {
			return Result{}, err
		}
		log.Warn("etl rows failed", "published", published, "failed", len(failures))
		return Result{Outcome: OutcomeRowsFailed, Published: published, FailedRows: len(failures)}, nil
	}

	if _, err := s.Tracker.Transition(ctx, doc, document.Process); err != nil {
		return Result{}, err
	}
	log.Info("document published", "rows", published, "collection", tmpl.PublishedCollection())
	return Result{Outcome: OutcomeProcessed, Published: published}, nil
}

// missingRequirements returns the required template names with no
// validated, active upload for the document's taxpayer and period.
func (s *Stage) missingRequirements(ctx context.Context, tmpl template.Template, doc *document.Document) ([]string, error) {
	if len(tmpl.Requires) == 0 {
		return nil, nil
	}

	candidates, err := s.Data.Templates(ctx, tmpl.Archetype)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, req := range tmpl.Requires {
		found := false
		for _, c := range candidates {
			if !strings.EqualFold(c.Name, req) {
				continue
			}
			found, err = s.validatedUpload(ctx, c, doc)
			if err != nil {
				return nil, err
			}
			if found {
				break
			}
		}
		if !found {
			missing = append(missing, req)
		}
	}
	return missing, nil
}

func (s *Stage) validatedUpload(ctx context.Context, tmpl template.Template, doc *document.Document) (bool, error) {
	uploads, err := s.Data.Uploads(ctx, tmpl.Name, tmpl.Version, doc.TaxpayerID, doc.PeriodNumber())
	if err != nil {
		return false, err
	}
	for _, u := range uploads {
		if !u.Active() || !(u.Situation.Accepting() || u.Situation == document.Processed) {
			continue
		}
		ok, err := s.Data.HasValidation(ctx, tmpl.Name, tmpl.Version, u.FileID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// publish replaces the published rows for the document's uniqueness key.
// Row-level failures are returned as alerts; the other rows are published.
func (s *Stage) publish(ctx context.Context, tmpl template.Template, doc *document.Document) (int, []validation.Alert, error) {
	var taxpayer map[string]any
	if s.Taxpayers != nil {
		data, ok, err := s.Taxpayers.TaxpayerData(ctx, doc.TaxpayerID)
		if err != nil {
			return 0, nil, fmt.Errorf("taxpayer %s: %w", doc.TaxpayerID, err)
		}
		if ok {
			taxpayer = data
		}
	}

	rows, err := s.Data.ValidatedData(ctx, tmpl.Name, tmpl.Version, doc.FileID)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	current, err := s.Documents.Document(ctx, doc.ID)
	if err != nil {
		return 0, nil, err
	}
	if current.Version != doc.Version || !current.Active() || !current.Situation.Accepting() {
		return 0, nil, errSuperseded
	}

	collection := tmpl.PublishedCollection()
	if err := s.Publisher.DeleteByTerms(ctx, collection, map[string]any{KeyMarker: doc.UniquenessKey}); err != nil {
		return 0, nil, fmt.Errorf("clear published rows: %w", err)
	}

	transform := s.transform(tmpl.Archetype)
	stamp := s.now().UTC().Format(time.RFC3339Nano)

	var (
		batch     []map[string]any
		published int
		failures  []validation.Alert
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.Publisher.Index(ctx, collection, batch); err != nil {
			return fmt.Errorf("publish to %s: %w", collection, err)
		}
		published += len(batch)
		batch = batch[:0]
		return nil
	}

	for i := 0; rows.Next(); i++ {
		row := rows.Record()
		out, err := transform(tmpl, row)
		if err != nil {
			failures = append(failures, validation.NewAlert(validation.AlertETLRowFailed, lineOf(row, i), err.Error()))
			continue
		}
		if taxpayer != nil {
			out["taxpayer"] = taxpayer
		}
		out[TimestampMarker] = stamp
		out[TaxpayerMarker] = doc.TaxpayerID
		out[PeriodMarker] = doc.PeriodNumber()
		out[TemplateMarker] = tmpl.ID()
		out[DocumentMarker] = doc.ID.String()
		out[KeyMarker] = doc.UniquenessKey

		batch = append(batch, out)
		if len(batch) >= s.cfg.BatchSize {
			if err := flush(); err != nil {
				return published, failures, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return published, failures, err
	}
	if err := ctx.Err(); err != nil {
		// A cancelled scan ends quietly; the document must not be marked done.
		return published, failures, err
	}
	if err := flush(); err != nil {
		return published, failures, err
	}
	return published, failures, nil
}

// lineOf returns the source line recorded on a validated row, or its
// position when absent.
func lineOf(row map[string]any, i int) string {
	if v, ok := row[LineMarker]; ok {
		return validation.FormatValue(v)
	}
	return strconv.Itoa(i + 1)
}
