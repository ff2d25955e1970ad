// Package parse converts raw textual cell values from uploaded tax documents
// into typed values.
//
// Uploaded files arrive from many tools and locales, so a value's type is
// often not tagged by the template and has to be inferred:
//   - Dates in day-month-year, month-day-year and year-month-day order
//   - Month names in several languages ("15 de março de 2021", "Mar 15, 2021")
//   - ISO-8601 and document-store timestamps
//   - Numbers whose group and decimal separators depend on the author's locale
//   - Booleans written as yes/no, true/false, sim/não, 1/0
//
// The rules are deterministic and order-sensitive; the first rule that
// produces a valid value wins. Heuristics are lossy for genuinely ambiguous
// input ("1.234"), so a field may declare an explicit format which bypasses
// them entirely (see Parser.Coerce).
//
// A Parser is immutable after construction and safe for concurrent use.
// Nothing is cached between calls: every formatter or transformer needed for
// a parse is built for that call.
package parse

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// ErrNoMatch is returned when a raw value matches none of the supported formats.
var ErrNoMatch = errors.New("no matching format")

// DefaultTwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
const DefaultTwoDigitYearPivot = 20

// Type is the expected type of a field value.
type Type int

const (
	TypeAuto Type = iota // infer from the text
	TypeText
	TypeEnum
	TypeDate
	TypeNumber
	TypeBool
)

// ParseType converts a catalogue type name to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return TypeAuto, nil
	case "text", "string":
		return TypeText, nil
	case "enum":
		return TypeEnum, nil
	case "date":
		return TypeDate, nil
	case "number", "numeric", "decimal":
		return TypeNumber, nil
	case "bool", "boolean":
		return TypeBool, nil
	}
	return TypeAuto, fmt.Errorf("unknown field type %q", s)
}

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeEnum:
		return "enum"
	case TypeDate:
		return "date"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	default:
		return "auto"
	}
}

// Parser holds the locale configuration used by the heuristics.
type Parser struct {
	languages []language.Tag
	months    map[string]time.Month
	loc       *time.Location
	pivot     int
	now       func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithLanguages sets the languages whose month names are recognised.
// Unsupported languages are ignored.
func WithLanguages(tags ...language.Tag) Option {
	return func(p *Parser) {
		if len(tags) > 0 {
			p.languages = tags
		}
	}
}

// WithLocation sets the time zone for dates that carry none.
func WithLocation(loc *time.Location) Option {
	return func(p *Parser) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithTwoDigitYearPivot overrides DefaultTwoDigitYearPivot.
func WithTwoDigitYearPivot(years int) Option {
	return func(p *Parser) {
		if years > 0 {
			p.pivot = years
		}
	}
}

// WithClock sets the clock used for 2-digit year resolution.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a Parser. Without options it recognises English and
// Portuguese month names and returns dates in UTC.
func New(opts ...Option) *Parser {
	p := &Parser{
		languages: []language.Tag{language.English, language.Portuguese},
		loc:       time.UTC,
		pivot:     DefaultTwoDigitYearPivot,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.months = monthTable(p.languages)
	return p
}

// ParseLanguages converts a list of BCP 47 tags ("en", "pt-BR") to language tags.
func ParseLanguages(names []string) ([]language.Tag, error) {
	tags := make([]language.Tag, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		tag, err := language.Parse(n)
		if err != nil {
			return nil, fmt.Errorf("parse language %q: %w", n, err)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Infer converts raw into a date, a number, or the cleaned string itself.
// Empty input returns nil.
func (p *Parser) Infer(raw string) any {
	s := CleanCell(raw)
	if s == "" {
		return nil
	}
	if t, ok := p.Date(s); ok {
		return t
	}
	if n, ok := p.Number(s); ok {
		return n
	}
	return s
}

// Coerce converts raw to typ. A non-empty format short-circuits all
// heuristics: dates are parsed with exactly that layout and numbers with
// exactly that separator pair. Empty input returns (nil, nil).
func (p *Parser) Coerce(raw string, typ Type, format string) (any, error) {
	s := CleanCell(raw)
	if s == "" {
		return nil, nil
	}

	switch typ {
	case TypeDate:
		if format != "" {
			return p.DateWithFormat(s, format)
		}
		if t, ok := p.Date(s); ok {
			return t, nil
		}
		return nil, fmt.Errorf("%w: date %q", ErrNoMatch, s)

	case TypeNumber:
		if format != "" {
			nf, err := ParseNumberFormat(format)
			if err != nil {
				return nil, err
			}
			return nf.Parse(s)
		}
		if n, ok := p.Number(s); ok {
			return n, nil
		}
		return nil, fmt.Errorf("%w: number %q", ErrNoMatch, s)

	case TypeBool:
		if b, ok := p.Bool(s); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%w: boolean %q", ErrNoMatch, s)

	case TypeAuto:
		return p.Infer(s), nil

	default:
		return s, nil
	}
}

// Bool accepts true/false, yes/no, t/f, y/n, 1/0 and the Portuguese and
// Spanish sim/não/si/no.
func (p *Parser) Bool(raw string) (bool, bool) {
	s := fold(CleanCell(raw))
	switch s {
	case "true", "t", "yes", "y", "1", "sim", "s", "si", "verdadeiro", "x":
		return true, true
	case "false", "f", "no", "n", "0", "nao", "falso":
		return false, true
	}
	return false, false
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// - Trims whitespace (including non-breaking spaces)
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	// Remove leading '='
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	// Remove any surrounding quotes
	s = strings.Trim(s, `"'`)

	return strings.TrimSpace(s)
}
