package etl_test

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/etl"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
	"github.com/JonMunkholm/taxintake/internal/memstore"
	"github.com/JonMunkholm/taxintake/internal/scan"
	"github.com/JonMunkholm/taxintake/internal/template"
	"github.com/JonMunkholm/taxintake/internal/uniqueness"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

var (
	detail = template.Template{
		Name:         "withholding_detail",
		Version:      1,
		Archetype:    "withholding",
		Periodicity:  template.Monthly,
		UniqueFields: []string{template.KeyTaxpayer, template.KeyYear, template.KeyMonth},
		PublishView:  "withholding_published",
	}
	summary = template.Template{
		Name:         "withholding_summary",
		Version:      1,
		Archetype:    "withholding",
		Periodicity:  template.Monthly,
		UniqueFields: []string{template.KeyTaxpayer, template.KeyYear, template.KeyMonth},
		Requires:     []string{"withholding_detail"},
		PublishView:  "withholding_published",
	}
)

var stamp = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type taxpayers map[string]map[string]any

func (t taxpayers) TaxpayerData(_ context.Context, id string) (map[string]any, bool, error) {
	data, ok := t[id]
	return data, ok, nil
}

type fixture struct {
	store    *memstore.Store
	colls    *memstore.Collections
	registry *template.Registry
	tracker  *lifecycle.Tracker
	resolver *uniqueness.Resolver
}

func newFixture() *fixture {
	store := memstore.New()
	registry := template.NewRegistry()
	registry.Register(detail)
	registry.Register(summary)

	var n atomic.Int64
	clock := func() time.Time {
		return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(n.Add(1)) * time.Second)
	}
	return &fixture{
		store:    store,
		colls:    memstore.NewCollections(0),
		registry: registry,
		tracker:  lifecycle.NewTracker(store, store).WithClock(clock),
		resolver: uniqueness.NewResolver(store, uniqueness.WithClock(clock)),
	}
}

func (f *fixture) stage(opts ...etl.Option) *etl.Stage {
	deps := etl.Deps{
		Data:      etl.NewSources(f.registry, f.store, f.colls),
		Taxpayers: taxpayers{"123": {"name": "ACME", "state": "SP"}},
		Publisher: f.colls,
		Tracker:   f.tracker,
		Documents: f.store,
		Registry:  f.registry,
	}
	opts = append([]etl.Option{etl.WithClock(func() time.Time { return stamp })}, opts...)
	return etl.NewStage(etl.Config{Workers: 2, BatchSize: 2}, deps, opts...)
}

// upload stores validated rows and resolves the document the way intake does.
func (f *fixture) upload(t *testing.T, tmpl template.Template, taxpayer string, month int, rows ...map[string]any) *document.Document {
	t.Helper()
	ctx := context.Background()

	doc := &document.Document{
		ID:              uuid.New(),
		TaxpayerID:      taxpayer,
		TemplateName:    tmpl.Name,
		TemplateVersion: tmpl.Version,
		Year:            2024,
		Month:           month,
		FileID:          uuid.NewString(),
		Rectified:       true,
	}
	key, err := uniqueness.ComputeKey(tmpl, doc, nil)
	require.NoError(t, err)
	doc.UniquenessKey = key

	validated := make([]map[string]any, 0, len(rows))
	for i, r := range rows {
		row := map[string]any{
			etl.FileMarker:     doc.FileID,
			etl.DocumentMarker: doc.ID.String(),
			etl.LineMarker:     i + 2,
		}
		for k, v := range r {
			row[k] = v
		}
		validated = append(validated, row)
	}
	require.NoError(t, f.colls.Index(ctx, tmpl.ValidatedCollection(), validated))

	require.NoError(t, f.tracker.Create(ctx, doc))
	_, err = f.tracker.Transition(ctx, doc, document.Accept)
	require.NoError(t, err)
	out, err := f.resolver.Resolve(ctx, tmpl, doc.ID)
	require.NoError(t, err)
	return out.Document
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *document.Document {
	t.Helper()
	doc, err := f.store.Document(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func (f *fixture) published(t *testing.T, terms map[string]any) []map[string]any {
	t.Helper()
	rows, err := scan.New[map[string]any](f.colls, detail.PublishedCollection()).Scan(context.Background(), scan.Query{Terms: terms})
	require.NoError(t, err)
	out, err := scan.Collect(rows)
	require.NoError(t, err)
	return out
}

func alertKeys(t *testing.T, f *fixture, id uuid.UUID) []string {
	t.Helper()
	alerts, err := f.store.Alerts(context.Background(), id)
	require.NoError(t, err)
	var keys []string
	for _, a := range alerts {
		keys = append(keys, a.Alert.Key)
	}
	return keys
}

// ----------------------------------------------------------------------------
// Publication
// ----------------------------------------------------------------------------

func TestStage_PublishesValidDocument(t *testing.T) {
	f := newFixture()
	doc := f.upload(t, detail, "123", 3,
		map[string]any{"beneficiary_id": "B1", "amount": "10.5"},
		map[string]any{"beneficiary_id": "B2", "amount": "7"},
		map[string]any{"beneficiary_id": "B3", "amount": "1"},
	)
	require.Equal(t, document.Valid, doc.Situation)

	sum, err := f.stage().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, etl.Summary{Processed: 1}, sum)
	assert.Equal(t, document.Processed, f.get(t, doc.ID).Situation)

	rows := f.published(t, nil)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, stamp.Format(time.RFC3339Nano), r[etl.TimestampMarker])
		assert.Equal(t, "123", r[etl.TaxpayerMarker])
		assert.Equal(t, float64(202403), r[etl.PeriodMarker])
		assert.Equal(t, detail.ID(), r[etl.TemplateMarker])
		assert.Equal(t, doc.ID.String(), r[etl.DocumentMarker])
		assert.Equal(t, doc.UniquenessKey, r[etl.KeyMarker])
		assert.Equal(t, map[string]any{"name": "ACME", "state": "SP"}, r["taxpayer"])
		assert.NotContains(t, r, etl.FileMarker)
		assert.NotContains(t, r, etl.LineMarker)
	}
}

func TestStage_UnknownTaxpayerPublishesWithoutEnrichment(t *testing.T) {
	f := newFixture()
	doc := f.upload(t, detail, "999", 3, map[string]any{"beneficiary_id": "B1"})

	res, err := f.stage().ProcessDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, etl.OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, res.Published)

	rows := f.published(t, nil)
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0], "taxpayer")
}

func TestStage_RectificationReplacesPublishedRows(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.stage()

	first := f.upload(t, detail, "123", 3,
		map[string]any{"beneficiary_id": "B1"},
		map[string]any{"beneficiary_id": "B2"},
	)
	_, err := st.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, f.published(t, nil), 2)

	second := f.upload(t, detail, "123", 3, map[string]any{"beneficiary_id": "B9"})
	assert.Equal(t, document.Replaced, f.get(t, first.ID).Situation)
	assert.Equal(t, first.UniquenessKey, second.UniquenessKey)

	_, err = st.RunOnce(ctx)
	require.NoError(t, err)

	rows := f.published(t, nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "B9", rows[0]["beneficiary_id"])
	assert.Equal(t, second.ID.String(), rows[0][etl.DocumentMarker])
}

func TestStage_RepublishIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doc := f.upload(t, detail, "123", 3, map[string]any{"beneficiary_id": "B1"})

	// A row failure keeps the document VALID, so the next run publishes again.
	var calls atomic.Int32
	flaky := func(tmpl template.Template, row map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("lookup unavailable")
		}
		return etl.DefaultTransform(tmpl, row)
	}
	st := f.stage(etl.WithTransform("withholding", flaky))

	sum, err := st.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RowsFailed)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.colls.Index(ctx, detail.PublishedCollection(), []map[string]any{
			{etl.KeyMarker: doc.UniquenessKey, "beneficiary_id": "stale"},
		}))
	}

	sum, err = st.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)

	rows := f.published(t, map[string]any{etl.KeyMarker: doc.UniquenessKey})
	require.Len(t, rows, 1)
	assert.Equal(t, "B1", rows[0]["beneficiary_id"])
}

// ----------------------------------------------------------------------------
// Row failures
// ----------------------------------------------------------------------------

func TestStage_RowFailureKeepsDocumentValid(t *testing.T) {
	f := newFixture()
	doc := f.upload(t, detail, "123", 3,
		map[string]any{"beneficiary_id": "B1"},
		map[string]any{"beneficiary_id": "bad"},
		map[string]any{"beneficiary_id": "B3"},
	)

	reject := func(tmpl template.Template, row map[string]any) (map[string]any, error) {
		if row["beneficiary_id"] == "bad" {
			return nil, errors.New("unknown beneficiary")
		}
		return etl.DefaultTransform(tmpl, row)
	}

	res, err := f.stage(etl.WithTransform("withholding", reject)).ProcessDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, etl.OutcomeRowsFailed, res.Outcome)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, 1, res.FailedRows)

	assert.Equal(t, document.Valid, f.get(t, doc.ID).Situation)
	assert.Len(t, f.published(t, nil), 2)

	alerts, err := f.store.Alerts(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Critical)
	assert.Equal(t, validation.NewAlert(validation.AlertETLRowFailed, "3", "unknown beneficiary"), alerts[0].Alert)
}

func TestStage_RepeatedRowFailureRecordedOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doc := f.upload(t, detail, "123", 3,
		map[string]any{"beneficiary_id": "B1"},
		map[string]any{"beneficiary_id": "bad"},
	)

	reject := func(tmpl template.Template, row map[string]any) (map[string]any, error) {
		if row["beneficiary_id"] == "bad" {
			return nil, errors.New("unknown beneficiary")
		}
		return etl.DefaultTransform(tmpl, row)
	}
	st := f.stage(etl.WithTransform("withholding", reject))

	for i := 0; i < 5; i++ {
		sum, err := st.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, etl.Summary{RowsFailed: 1}, sum)
	}

	assert.Equal(t, []string{validation.AlertETLRowFailed}, alertKeys(t, f, doc.ID))
	assert.Len(t, f.published(t, nil), 1)
	assert.Equal(t, document.Valid, f.get(t, doc.ID).Situation)
}

func TestStage_StaleSnapshotDoesNotTouchPublishedRows(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.stage()

	first := f.upload(t, detail, "123", 3,
		map[string]any{"beneficiary_id": "B1"},
		map[string]any{"beneficiary_id": "B2"},
	)
	second := f.upload(t, detail, "123", 3, map[string]any{"beneficiary_id": "B9"})
	require.Equal(t, document.Replaced, f.get(t, first.ID).Situation)

	listed := *second
	_, err := st.ProcessDocument(ctx, second)
	require.NoError(t, err)

	// first was listed before it was replaced, listed before it was processed.
	for _, stale := range []*document.Document{first, &listed} {
		res, err := st.ProcessDocument(ctx, stale)
		require.NoError(t, err)
		assert.Equal(t, etl.OutcomeSkipped, res.Outcome)
	}

	rows := f.published(t, nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "B9", rows[0]["beneficiary_id"])
	assert.Equal(t, document.Processed, f.get(t, second.ID).Situation)
}

// ----------------------------------------------------------------------------
// Correlated templates
// ----------------------------------------------------------------------------

func TestStage_WaitsForCorrelatedTemplate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.stage()

	sum := f.upload(t, summary, "123", 3, map[string]any{"total_amount": "18.5", "events": "2"})

	res, err := st.ProcessDocument(ctx, sum)
	require.NoError(t, err)
	assert.Equal(t, etl.OutcomePending, res.Outcome)
	assert.Equal(t, []string{"withholding_detail"}, res.Missing)
	assert.Equal(t, document.Pending, f.get(t, sum.ID).Situation)
	assert.Equal(t, []string{validation.AlertCorrelationPending}, alertKeys(t, f, sum.ID))

	// Still missing: stays PENDING without a second alert.
	res, err = st.ProcessDocument(ctx, f.get(t, sum.ID))
	require.NoError(t, err)
	assert.Equal(t, etl.OutcomePending, res.Outcome)
	assert.Len(t, alertKeys(t, f, sum.ID), 1)

	// A detail for another month does not count.
	f.upload(t, detail, "123", 4, map[string]any{"beneficiary_id": "B1"})
	res, err = st.ProcessDocument(ctx, f.get(t, sum.ID))
	require.NoError(t, err)
	assert.Equal(t, etl.OutcomePending, res.Outcome)

	det := f.upload(t, detail, "123", 3, map[string]any{"beneficiary_id": "B1"})
	total, err := st.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total.Processed)

	assert.Equal(t, document.Processed, f.get(t, sum.ID).Situation)
	assert.Equal(t, document.Processed, f.get(t, det.ID).Situation)

	history, err := f.store.History(ctx, sum.ID)
	require.NoError(t, err)
	var path []document.Situation
	for _, h := range history {
		path = append(path, h.Situation)
	}
	assert.Equal(t, []document.Situation{
		document.Received, document.Accepted, document.Valid,
		document.Pending, document.Valid, document.Processed,
	}, path)
}

func TestStage_CorrelationNeedsValidatedRows(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// A detail upload with no validated rows stored does not satisfy the summary.
	f.upload(t, detail, "123", 3)
	sum := f.upload(t, summary, "123", 3, map[string]any{"total_amount": "0", "events": "0"})

	res, err := f.stage().ProcessDocument(ctx, sum)
	require.NoError(t, err)
	assert.Equal(t, etl.OutcomePending, res.Outcome)
}

// ----------------------------------------------------------------------------
// Skips and runs
// ----------------------------------------------------------------------------

func TestStage_SkipsInactiveAndSettledDocuments(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.stage()

	doc := f.upload(t, detail, "123", 3, map[string]any{"beneficiary_id": "B1"})

	inactive := *doc
	inactive.Rectified = true
	res, err := st.ProcessDocument(ctx, &inactive)
	require.NoError(t, err)
	assert.Equal(t, etl.OutcomeSkipped, res.Outcome)

	_, err = st.ProcessDocument(ctx, doc)
	require.NoError(t, err)
	res, err = st.ProcessDocument(ctx, f.get(t, doc.ID))
	require.NoError(t, err)
	assert.Equal(t, etl.OutcomeSkipped, res.Outcome)
}

func TestStage_UnknownTemplateIsError(t *testing.T) {
	f := newFixture()
	doc := f.upload(t, detail, "123", 3, map[string]any{"beneficiary_id": "B1"})

	empty := template.NewRegistry()
	st := etl.NewStage(etl.Config{}, etl.Deps{
		Data:      etl.NewSources(empty, f.store, f.colls),
		Publisher: f.colls,
		Tracker:   f.tracker,
		Documents: f.store,
		Registry:  empty,
	})

	res, err := st.ProcessDocument(context.Background(), doc)
	require.ErrorIs(t, err, template.ErrUnknownTemplate)
	assert.Equal(t, etl.OutcomeSkipped, res.Outcome)

	sum, err := st.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, etl.Summary{Errors: 1}, sum)
	assert.Equal(t, document.Valid, f.get(t, doc.ID).Situation)
}

func TestStage_ObserverSeesEveryDocument(t *testing.T) {
	f := newFixture()
	for m := 1; m <= 5; m++ {
		f.upload(t, detail, strconv.Itoa(100+m), m, map[string]any{"beneficiary_id": "B"})
	}

	var seen atomic.Int32
	st := f.stage(etl.WithObserver(func(o etl.Outcome, _ time.Duration) {
		if o == etl.OutcomeProcessed {
			seen.Add(1)
		}
	}))

	sum, err := st.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Processed)
	assert.Equal(t, int32(5), seen.Load())
	assert.Len(t, f.published(t, nil), 5)
}

func TestStage_OneRunAtATime(t *testing.T) {
	f := newFixture()
	f.upload(t, detail, "123", 3, map[string]any{"beneficiary_id": "B1"})

	entered := make(chan struct{})
	release := make(chan struct{})
	block := func(tmpl template.Template, row map[string]any) (map[string]any, error) {
		close(entered)
		<-release
		return etl.DefaultTransform(tmpl, row)
	}
	st := f.stage(etl.WithTransform("withholding", block))

	done := make(chan error, 1)
	go func() {
		_, err := st.RunOnce(context.Background())
		done <- err
	}()
	<-entered

	_, err := st.RunOnce(context.Background())
	assert.ErrorIs(t, err, etl.ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestStage_CancelledRunLeavesDocumentValid(t *testing.T) {
	f := newFixture()
	doc := f.upload(t, detail, "123", 3, map[string]any{"beneficiary_id": "B1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.stage().RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, document.Valid, f.get(t, doc.ID).Situation)
}

func TestOutcomeString(t *testing.T) {
	tests := map[etl.Outcome]string{
		etl.OutcomeSkipped:    "skipped",
		etl.OutcomeProcessed:  "processed",
		etl.OutcomePending:    "pending",
		etl.OutcomeRowsFailed: "rows_failed",
		etl.OutcomeError:      "error",
	}
	for o, want := range tests {
		assert.Equal(t, want, o.String())
	}
}
