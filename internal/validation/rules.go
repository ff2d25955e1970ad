package validation

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/taxintake/internal/parse"
)

// RuleSet holds the business rules registered per template name.
type RuleSet struct {
	mu    sync.RWMutex
	rules map[string][]Rule
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{rules: make(map[string][]Rule)}
}

// Add registers rules for a template name.
func (rs *RuleSet) Add(templateName string, rules ...Rule) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules[templateName] = append(rs.rules[templateName], rules...)
}

// For returns the rules registered for a template name.
func (rs *RuleSet) For(templateName string) []Rule {
	if rs == nil {
		return nil
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]Rule(nil), rs.rules[templateName]...)
}

// forEachRecord calls fn with each record and its 1-based position,
// stopping early if ctx is done.
func forEachRecord(ctx context.Context, s *Session, fn func(n int, rec Record)) error {
	for i, rec := range s.Records() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(i+1, rec)
	}
	return nil
}

// RequireFields checks that every record has the named fields with values of
// typ, raising missingField/invalidField alerts otherwise.
func RequireFields(typ parse.Type, names ...string) Rule {
	return func(ctx context.Context, s *Session) error {
		return forEachRecord(ctx, s, func(_ int, rec Record) {
			for _, name := range names {
				s.RequiredField(typ, rec, name)
			}
		})
	}
}

// NotGreaterThan checks field <= limit on every record where both are present.
func NotGreaterThan(field, limit string) Rule {
	return func(ctx context.Context, s *Session) error {
		return forEachRecord(ctx, s, func(n int, rec Record) {
			v, ok1 := rec.Get(field).(decimal.Decimal)
			l, ok2 := rec.Get(limit).(decimal.Decimal)
			if ok1 && ok2 && v.GreaterThan(l) {
				s.AddAlert(AlertRuleViolation, "not greater than "+limit, field, strconv.Itoa(n))
			}
		})
	}
}

// NonNegative checks that a numeric field is >= 0 where present.
func NonNegative(field string) Rule {
	return func(ctx context.Context, s *Session) error {
		return forEachRecord(ctx, s, func(n int, rec Record) {
			if v, ok := rec.Get(field).(decimal.Decimal); ok && v.IsNegative() {
				s.AddAlert(AlertRuleViolation, "non-negative", field, strconv.Itoa(n))
			}
		})
	}
}

// WithinPeriod checks that a date field falls inside the session's filing
// year, and month when the scope has one.
func WithinPeriod(field string) Rule {
	return func(ctx context.Context, s *Session) error {
		scope := s.Scope()
		if scope.Year == 0 {
			return nil
		}
		return forEachRecord(ctx, s, func(n int, rec Record) {
			t, ok := rec.Get(field).(time.Time)
			if !ok {
				return
			}
			if t.Year() != scope.Year || (scope.Month != 0 && int(t.Month()) != scope.Month) {
				s.AddAlert(AlertOutOfPeriod, field, t.Format("2006-01-02"), strconv.Itoa(n))
			}
		})
	}
}

// DistinctValues raises an informational alert for each repeated value of field.
func DistinctValues(field string) Rule {
	return func(ctx context.Context, s *Session) error {
		seen := make(map[string]int)
		return forEachRecord(ctx, s, func(n int, rec Record) {
			v := rec.Get(field)
			if v == nil {
				return
			}
			key := FormatValue(v)
			if first, ok := seen[key]; ok {
				s.AddNonCriticalAlert(AlertRuleViolation, "distinct (first seen on record "+strconv.Itoa(first)+")", field, strconv.Itoa(n))
				return
			}
			seen[key] = n
		})
	}
}
