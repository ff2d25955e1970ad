package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/taxintake/internal/parse"
	"github.com/JonMunkholm/taxintake/internal/template"
)

func newSession() *Session {
	return NewSession(parse.New(), Scope{TaxpayerID: "123", Year: 2021})
}

// ----------------------------------------------------------------------------
// Session Tests
// ----------------------------------------------------------------------------

func TestSession_Empty(t *testing.T) {
	s := newSession()

	assert.False(t, s.HasAlerts())
	assert.NotNil(t, s.Alerts())
	assert.Empty(t, s.Alerts())
	assert.NotNil(t, s.NonCriticalAlerts())
	assert.NotNil(t, s.Records())
	assert.Nil(t, s.Field(0, "x"))
}

func TestSession_AlertsAreNeverRemoved(t *testing.T) {
	s := newSession()
	s.AddNonCriticalAlert(AlertUnknownColumn, "extra")
	assert.False(t, s.HasAlerts(), "non-critical alerts do not block")

	s.AddAlert(AlertMissingField, "amount")
	s.SetParsedRecords(nil)
	s.AddAlert(AlertInvalidField, "date", "15/13/2021")

	require.True(t, s.HasAlerts())
	assert.Equal(t, []Alert{
		{Key: AlertMissingField, Params: []string{"amount"}},
		{Key: AlertInvalidField, Params: []string{"date", "15/13/2021"}},
	}, s.Alerts())
	assert.Len(t, s.NonCriticalAlerts(), 1)
}

func TestSession_ConcurrentAppends(t *testing.T) {
	s := newSession()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddAlert(AlertMissingField, fmt.Sprint(i))
			s.AddNonCriticalAlert(AlertUnknownColumn, fmt.Sprint(i))
			s.AddParsedRecord(Record{"i": i})
		}()
	}
	wg.Wait()

	assert.Len(t, s.Alerts(), 50)
	assert.Len(t, s.NonCriticalAlerts(), 50)
	assert.Equal(t, 50, s.Len())
}

func TestSession_Field(t *testing.T) {
	s := newSession()
	s.SetParsedRecords([]Record{
		{
			"name":    "ACME",
			"address": Record{"city": "Lisbon", "geo": Record{"lat": "38.7"}},
			"plain":   map[string]any{"inner": 1},
		},
	})

	assert.Equal(t, "ACME", s.Field(0, "name"))
	assert.Equal(t, "Lisbon", s.Field(0, "address", "city"))
	assert.Equal(t, "38.7", s.Field(0, "address", "geo", "lat"))
	assert.Equal(t, 1, s.Field(0, "plain", "inner"))

	// absent hop, non-map hop, missing row
	assert.Nil(t, s.Field(0, "address", "zip"))
	assert.Nil(t, s.Field(0, "name", "first"))
	assert.Nil(t, s.Field(0, "missing"))
	assert.Nil(t, s.Field(1, "name"))
	assert.Nil(t, s.Field(-1, "name"))
}

func TestSession_RequiredField(t *testing.T) {
	s := newSession()
	rec := Record{
		"date":   "15/01/2021",
		"bad":    "15/13/2021",
		"amount": decimal.RequireFromString("10.5"),
		"blank":  "  ",
		"nested": Record{"when": "2021-03-01"},
		"flag":   "sim",
	}

	got := s.RequiredField(parse.TypeDate, rec, "date")
	require.IsType(t, time.Time{}, got)
	assert.Equal(t, "2021-01-15", got.(time.Time).Format("2006-01-02"))

	assert.Equal(t, decimal.RequireFromString("10.5"), s.RequiredField(parse.TypeNumber, rec, "amount"))
	assert.Equal(t, true, s.RequiredField(parse.TypeBool, rec, "flag"))
	assert.IsType(t, time.Time{}, s.RequiredField(parse.TypeDate, rec, "nested.when"))
	assert.Equal(t, "10.5", s.RequiredField(parse.TypeText, rec, "amount"))
	assert.False(t, s.HasAlerts())

	assert.Nil(t, s.RequiredField(parse.TypeDate, rec, "bad"))
	assert.Nil(t, s.RequiredField(parse.TypeDate, rec, "blank"))
	assert.Nil(t, s.RequiredField(parse.TypeDate, rec, "absent"))
	assert.Nil(t, s.RequiredField(parse.TypeDate, rec, "amount"))

	assert.Equal(t, []Alert{
		{Key: AlertInvalidField, Params: []string{"bad", "15/13/2021"}},
		{Key: AlertMissingField, Params: []string{"blank"}},
		{Key: AlertMissingField, Params: []string{"absent"}},
		{Key: AlertInvalidField, Params: []string{"amount", "10.5"}},
	}, s.Alerts())
}

func TestSession_RecordsIsDeepCopy(t *testing.T) {
	s := newSession()
	s.AddParsedRecord(Record{
		"address": Record{"city": "Lisbon"},
		"notes":   []any{"a", "b"},
	})

	out := s.Records()
	out[0]["address"].(Record)["city"] = "Porto"
	out[0]["notes"].([]any)[0] = "z"
	out[0]["new"] = true

	assert.Equal(t, "Lisbon", s.Field(0, "address", "city"))
	assert.Equal(t, []any{"a", "b"}, s.Field(0, "notes"))
	assert.Nil(t, s.Field(0, "new"))
}

func TestSession_KeepsOwnRecords(t *testing.T) {
	s := newSession()
	rec := Record{"address": Record{"city": "Lisbon"}, "amount": "10"}
	s.AddParsedRecord(rec)
	s.SetParsedRecords(append(s.Records(), Record{"amount": "20"}))

	rec["amount"] = "99"
	rec["address"].(Record)["city"] = "Porto"
	assert.Equal(t, "10", s.Field(0, "amount"))
	assert.Equal(t, "Lisbon", s.Field(0, "address", "city"))

	addr := s.Field(0, "address").(Record)
	addr["city"] = "Faro"
	assert.Equal(t, "Lisbon", s.Field(0, "address", "city"))
	assert.Equal(t, "20", s.Field(1, "amount"))
}

func TestSession_Run(t *testing.T) {
	s := newSession()
	s.SetParsedRecords([]Record{{"a": "1"}, {"a": ""}})

	calls := make(chan string, 2)
	err := s.Run(context.Background(),
		func(ctx context.Context, s *Session) error {
			calls <- "first"
			s.AddNonCriticalAlert("note")
			return nil
		},
		RequireFields(parse.TypeNumber, "a"),
	)
	require.NoError(t, err)
	close(calls)
	assert.Len(t, calls, 1)
	assert.Equal(t, []Alert{{Key: AlertMissingField, Params: []string{"a"}}}, s.Alerts())

	boom := errors.New("boom")
	err = s.Run(context.Background(), func(context.Context, *Session) error { return boom })
	assert.ErrorIs(t, err, boom)
}

// ----------------------------------------------------------------------------
// Builder Tests
// ----------------------------------------------------------------------------

func incomeTemplate() template.Template {
	return template.Template{
		Name:    "income",
		Version: 1,
		Fields: []template.FieldSpec{
			{Name: "payer_id", Type: parse.TypeText, Required: true},
			{Name: "payment_date", Type: parse.TypeDate, Required: true},
			{Name: "amount", Type: parse.TypeNumber, Required: true},
			{Name: "withheld", Type: parse.TypeNumber, Format: "#.##0,00"},
			{Name: "kind", Type: parse.TypeEnum, Enum: []string{"Salary", "Rent"}},
			{Name: "address.city", Type: parse.TypeAuto},
			{Name: "notes", Type: parse.TypeText, Repeated: true},
		},
	}
}

func TestBuilder_ParsesRows(t *testing.T) {
	s := newSession()
	header := []string{"Payer_ID", "payment_date", "amount", "withheld", "kind", "address.city", "notes", "notes", "extra"}
	b := NewBuilder(s, incomeTemplate(), header)

	n := b.Build([][]string{
		{"P1", "15/01/2021", "1.234,56", "1.000", "salary", "Lisbon", "a", "b", "x"},
		{"", "", "", "", "", "", "", "", ""},
		{"P2", "2021-02-01", "10", "", "", "", "", "c", ""},
	}, 2)
	require.Equal(t, 2, n)
	assert.False(t, s.HasAlerts(), "alerts: %v", s.Alerts())
	assert.Equal(t, []Alert{{Key: AlertUnknownColumn, Params: []string{"extra"}}}, s.NonCriticalAlerts())

	recs := s.Records()
	require.Len(t, recs, 2)

	r := recs[0]
	assert.Equal(t, "P1", r["payer_id"])
	assert.True(t, decimal.RequireFromString("1234.56").Equal(r["amount"].(decimal.Decimal)))
	assert.True(t, decimal.RequireFromString("1000").Equal(r["withheld"].(decimal.Decimal)))
	assert.Equal(t, "Salary", r["kind"])
	assert.Equal(t, "Lisbon", r.Get("address.city"))
	assert.Equal(t, []any{"a", "b"}, r["notes"])

	r = recs[1]
	assert.Equal(t, []any{"c"}, r["notes"])
	_, hasKind := r["kind"]
	assert.False(t, hasKind)
}

func TestBuilder_InvalidRequiredDateBlocks(t *testing.T) {
	s := newSession()
	b := NewBuilder(s, incomeTemplate(), []string{"payer_id", "payment_date", "amount"})
	b.Build([][]string{{"P1", "15/13/2021", "10"}}, 2)

	require.True(t, s.HasAlerts())
	alerts := s.Alerts()
	require.Len(t, alerts, 1)
	assert.Contains(t, []string{AlertMissingField, AlertInvalidField}, alerts[0].Key)
	assert.Equal(t, "payment_date", alerts[0].Params[0])
}

func TestBuilder_OptionalProblemsAreNonCritical(t *testing.T) {
	s := newSession()
	b := NewBuilder(s, incomeTemplate(), []string{"payer_id", "payment_date", "amount", "withheld", "kind"})
	b.Build([][]string{{"P1", "2021-01-01", "1", "abc", "bonus"}}, 5)

	assert.False(t, s.HasAlerts())
	assert.Equal(t, []Alert{
		{Key: AlertInvalidField, Params: []string{"withheld", "abc", "5"}},
		{Key: AlertInvalidEnum, Params: []string{"kind", "bonus", "Salary, Rent", "5"}},
	}, s.NonCriticalAlerts())
}

func TestBuilder_MissingRequiredColumnAndEmptyFile(t *testing.T) {
	s := newSession()
	b := NewBuilder(s, incomeTemplate(), []string{"payer_id", "amount"})
	b.Build(nil, 2)

	assert.Equal(t, []Alert{
		{Key: AlertMissingColumn, Params: []string{"payment_date"}},
		{Key: AlertEmptyFile},
	}, s.Alerts())
}

func TestBuilder_MissingRequiredValue(t *testing.T) {
	s := newSession()
	b := NewBuilder(s, incomeTemplate(), []string{"payer_id", "payment_date", "amount"})
	b.Build([][]string{{"P1", "2021-01-01", "  "}}, 3)

	assert.Equal(t, []Alert{{Key: AlertMissingField, Params: []string{"amount", "3"}}}, s.Alerts())
}

func TestFindHeader(t *testing.T) {
	tmpl := incomeTemplate()
	rows := [][]string{
		{"Income report"},
		{"generated", "2021-12-31"},
		{"payer_id", "PAYMENT_DATE", "amount", "kind"},
		{"P1", "2021-01-01", "1", "rent"},
	}

	assert.Equal(t, 2, FindHeader(rows, tmpl, 10))
	assert.Equal(t, -1, FindHeader(rows, tmpl, 2))
	assert.Equal(t, -1, FindHeader(rows[:2], tmpl, 0))
}

// ----------------------------------------------------------------------------
// Rule Tests
// ----------------------------------------------------------------------------

func TestRules(t *testing.T) {
	s := NewSession(parse.New(), Scope{Year: 2021, Month: 3})
	d := decimal.RequireFromString
	s.SetParsedRecords([]Record{
		{"gross": d("100"), "withheld": d("10"), "date": time.Date(2021, 3, 5, 0, 0, 0, 0, time.UTC), "id": "A"},
		{"gross": d("100"), "withheld": d("150"), "date": time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC), "id": "B"},
		{"gross": d("-1"), "date": time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC), "id": "A"},
	})

	rs := NewRuleSet()
	rs.Add("income",
		NotGreaterThan("withheld", "gross"),
		NonNegative("gross"),
		WithinPeriod("date"),
		DistinctValues("id"),
	)
	require.Len(t, rs.For("income"), 4)
	assert.Empty(t, rs.For("other"))

	require.NoError(t, s.Run(context.Background(), rs.For("income")...))

	assert.ElementsMatch(t, []Alert{
		{Key: AlertRuleViolation, Params: []string{"not greater than gross", "withheld", "2"}},
		{Key: AlertRuleViolation, Params: []string{"non-negative", "gross", "3"}},
		{Key: AlertOutOfPeriod, Params: []string{"date", "2021-04-01", "2"}},
		{Key: AlertOutOfPeriod, Params: []string{"date", "2020-03-01", "3"}},
	}, s.Alerts())
	assert.Equal(t, []Alert{
		{Key: AlertRuleViolation, Params: []string{"distinct (first seen on record 1)", "id", "3"}},
	}, s.NonCriticalAlerts())
}

func TestRules_Cancelled(t *testing.T) {
	s := newSession()
	s.AddParsedRecord(Record{"a": "1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx, RequireFields(parse.TypeNumber, "a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCatalogueRules(t *testing.T) {
	templates, err := template.LoadFile("../../configs/templates.yaml")
	require.NoError(t, err)

	rs := CatalogueRules()
	for _, tmpl := range templates {
		assert.NotEmpty(t, rs.For(tmpl.Name), "no rules for %s", tmpl.Name)
	}

	d := decimal.RequireFromString
	s := NewSession(parse.New(), Scope{TaxpayerID: "123", Year: 2021})
	s.SetParsedRecords([]Record{
		{"gross_amount": d("100"), "withheld_amount": d("10"), "payment_date": time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"gross_amount": d("100"), "withheld_amount": d("120"), "payment_date": time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, s.Run(context.Background(), rs.For("income_statement")...))
	assert.Equal(t, []Alert{
		{Key: AlertRuleViolation, Params: []string{"not greater than gross_amount", "withheld_amount", "2"}},
	}, s.Alerts())
}

// ----------------------------------------------------------------------------
// Message Tests
// ----------------------------------------------------------------------------

func TestMessage(t *testing.T) {
	assert.Equal(t,
		`Field "date" has an invalid value "15/13/2021" (Code: VAL002)`,
		Message(NewAlert(AlertInvalidField, "date", "15/13/2021")))
	assert.Equal(t,
		`Row ? could not be published: ? (Code: ETL002)`,
		Message(NewAlert(AlertETLRowFailed)))
	assert.Equal(t, "custom(a, b)", Message(NewAlert("custom", "a", "b")))
	assert.Equal(t, "custom", NewAlert("custom").String())
}

func TestCatalogCoversAlertKeys(t *testing.T) {
	for _, key := range []string{
		AlertMissingField, AlertInvalidField, AlertInvalidEnum, AlertMissingColumn,
		AlertUnknownColumn, AlertEmptyFile, AlertInvalidFile, AlertNoHeader, AlertIngestFailed,
		AlertRuleViolation, AlertOutOfPeriod, AlertRectificationDenied,
		AlertDuplicateContent, AlertCorrelationPending, AlertETLRowFailed, AlertETLFailed,
	} {
		entry, ok := Catalog[key]
		if assert.True(t, ok, key) {
			assert.NotEmpty(t, entry.Code, key)
		}
	}
}
