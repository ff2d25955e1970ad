// Package validation accumulates the outcome of validating one upload: the
// parsed records and the blocking and informational alerts raised while
// parsing them and while running business rules over them.
package validation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/taxintake/internal/parse"
)

// Record is one parsed data row. Values are scalars (string, decimal.Decimal,
// time.Time, bool), lists ([]any) for repeated fields, or nested Records for
// dotted field names.
type Record map[string]any

// Scope identifies the document a session validates. Rules read it to check
// values against the declared filing period.
type Scope struct {
	TaxpayerID string
	Year       int
	Month      int
	Period     int
}

// Session is the per-upload accumulator. All methods are safe for concurrent
// use; alert order among concurrent appends is unspecified.
type Session struct {
	parser *parse.Parser
	scope  Scope

	mu          sync.Mutex
	alerts      []Alert
	nonCritical []Alert
	records     []Record
}

// NewSession creates an empty session.
func NewSession(p *parse.Parser, scope Scope) *Session {
	if p == nil {
		p = parse.New()
	}
	return &Session{
		parser:      p,
		scope:       scope,
		alerts:      []Alert{},
		nonCritical: []Alert{},
		records:     []Record{},
	}
}

// Scope returns the document scope the session was created with.
func (s *Session) Scope() Scope { return s.scope }

// Parser returns the parser used for coercion.
func (s *Session) Parser() *parse.Parser { return s.parser }

// AddAlert records a blocking alert.
func (s *Session) AddAlert(key string, params ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, NewAlert(key, params...))
}

// AddNonCriticalAlert records an informational alert.
func (s *Session) AddNonCriticalAlert(key string, params ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonCritical = append(s.nonCritical, NewAlert(key, params...))
}

// SetParsedRecords replaces all records. The session keeps copies.
func (s *Session) SetParsedRecords(records []Record) {
	copies := make([]Record, len(records))
	for i, r := range records {
		copies[i] = r.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = copies
}

// AddParsedRecord appends a copy of r.
func (s *Session) AddParsedRecord(r Record) {
	c := r.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, c)
}

// Len returns the number of records.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Field resolves name in record row, then follows path through nested
// records. It returns nil if the row does not exist, or if any hop is absent
// or not a map. Maps and lists are returned as copies.
func (s *Session) Field(row int, name string, path ...string) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row < 0 || row >= len(s.records) {
		return nil
	}
	return cloneValue(Lookup(s.records[row], append([]string{name}, path...)...))
}

// Lookup follows path through nested records.
func Lookup(rec Record, path ...string) any {
	var cur any = rec
	for _, hop := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur, ok = m[hop]
		if !ok {
			return nil
		}
	}
	return cur
}

// Get resolves a dotted field name ("address.city") in r.
func (r Record) Get(name string) any {
	return Lookup(r, strings.Split(name, ".")...)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Record:
		return m, m != nil
	case map[string]any:
		return m, m != nil
	}
	return nil, false
}

// RequiredField resolves name in rec (dots are nested hops) and coerces it to
// typ. When the field is absent or empty a missingField alert is recorded;
// when it cannot be coerced an invalidField alert is recorded. Both cases
// return nil so rules can keep checking the rest of the batch.
func (s *Session) RequiredField(typ parse.Type, rec Record, name string) any {
	v := rec.Get(name)
	if isEmpty(v) {
		s.AddAlert(AlertMissingField, name)
		return nil
	}

	out, ok := s.coerce(v, typ)
	if !ok {
		s.AddAlert(AlertInvalidField, name, FormatValue(v))
		return nil
	}
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	}
	return false
}

// coerce converts an already parsed or raw value to typ.
func (s *Session) coerce(v any, typ parse.Type) (any, bool) {
	switch typ {
	case parse.TypeAuto:
		return v, true
	case parse.TypeDate:
		if t, ok := v.(time.Time); ok {
			return t, true
		}
	case parse.TypeNumber:
		if d, ok := v.(decimal.Decimal); ok {
			return d, true
		}
	case parse.TypeBool:
		if b, ok := v.(bool); ok {
			return b, true
		}
	case parse.TypeText, parse.TypeEnum:
		if str, ok := v.(string); ok {
			return str, true
		}
		return FormatValue(v), true
	}

	raw, ok := v.(string)
	if !ok {
		return nil, false
	}
	out, err := s.parser.Coerce(raw, typ, "")
	if err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// HasAlerts reports whether any blocking alert was recorded.
func (s *Session) HasAlerts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts) > 0
}

// Alerts returns a copy of the blocking alerts.
func (s *Session) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAlerts(s.alerts)
}

// NonCriticalAlerts returns a copy of the informational alerts.
func (s *Session) NonCriticalAlerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAlerts(s.nonCritical)
}

// Records returns a deep copy of the parsed records. The copy is the hand-off
// to later stages; the session keeps exclusive ownership of its own rows.
func (s *Session) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Record:
		return x.Clone()
	case map[string]any:
		return Record(x).Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

// Keys returns the record's top-level field names, sorted.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Rule is a business-rule check run over a session after parsing. Rules
// report problems through the session's alerts; a returned error aborts the
// validation pass.
type Rule func(ctx context.Context, s *Session) error

// Run executes rules concurrently against the session.
func (s *Session) Run(ctx context.Context, rules ...Rule) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, rule := range rules {
		g.Go(func() error {
			return rule(ctx, s)
		})
	}
	return g.Wait()
}

func copyAlerts(in []Alert) []Alert {
	out := make([]Alert, len(in))
	for i, a := range in {
		out[i] = Alert{Key: a.Key, Params: append([]string(nil), a.Params...)}
	}
	return out
}
