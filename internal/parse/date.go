package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// StoreTimestampLayout is the compact timestamp format written by the
// document store ("basic_date_time").
const StoreTimestampLayout = "20060102T150405.000Z0700"

// numericDateRegex matches three digit groups joined by '/', '-' or '.'.
// Separator consistency is checked separately because RE2 has no backreferences.
var numericDateRegex = regexp.MustCompile(`^(\d{1,4})([/.\-])(\d{1,2})([/.\-])(\d{1,4})$`)

// isoLayouts are tried after the numeric and textual rules.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	StoreTimestampLayout,
	"20060102T150405Z0700",
}

// dateOrder names the position of day, month and year in a numeric date.
type dateOrder int

const (
	orderDMY dateOrder = iota
	orderMDY
	orderYMD
)

// Date infers a date from raw text. Rules, first match wins:
//  1. numeric day-month-year, month-day-year, year-month-day
//  2. textual month names in the configured languages
//  3. ISO-8601 timestamps and the store timestamp format
//
// Numeric candidates that mix separators ("01/20-10") never match.
func (p *Parser) Date(raw string) (time.Time, bool) {
	s := CleanCell(raw)
	if s == "" {
		return time.Time{}, false
	}

	if m := numericDateRegex.FindStringSubmatch(s); m != nil {
		if m[2] != m[4] {
			return time.Time{}, false
		}
		for _, order := range []dateOrder{orderDMY, orderMDY, orderYMD} {
			if t, ok := p.numericDate(order, m[1], m[3], m[5]); ok {
				return t, true
			}
		}
		return time.Time{}, false
	}

	if t, ok := p.textualDate(s); ok {
		return t, true
	}

	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, p.loc); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

// numericDate interprets the three fields a, b, c in the given order.
func (p *Parser) numericDate(order dateOrder, a, b, c string) (time.Time, bool) {
	var ys, ms, ds string
	switch order {
	case orderDMY:
		ds, ms, ys = a, b, c
	case orderMDY:
		ms, ds, ys = a, b, c
	case orderYMD:
		ys, ms, ds = a, b, c
	}

	if len(ds) > 2 || len(ms) > 2 {
		return time.Time{}, false
	}
	if order == orderYMD && len(ys) != 4 {
		return time.Time{}, false
	}
	if len(ys) != 2 && len(ys) != 4 {
		return time.Time{}, false
	}

	year, _ := strconv.Atoi(ys)
	month, _ := strconv.Atoi(ms)
	day, _ := strconv.Atoi(ds)
	if len(ys) == 2 {
		year = p.expandYear(year)
	}
	return p.calendarDate(year, month, day)
}

// expandYear applies the two-digit year pivot.
func (p *Parser) expandYear(yy int) int {
	year := 2000 + yy
	if year > p.now().Year()+p.pivot {
		year -= 100
	}
	return year
}

// calendarDate builds a date and rejects values that time.Date would normalise
// (month 13, February 30).
func (p *Parser) calendarDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, p.loc)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// dateConnectors are words dropped between the parts of a textual date.
var dateConnectors = map[string]bool{"de": true, "del": true, "of": true, "the": true}

// textualDate handles "15 Jan 2021", "January 15, 2021", "15-jan-2021",
// "15 de março de 2021" and "2021 Mar 15".
func (p *Parser) textualDate(s string) (time.Time, bool) {
	fields := strings.FieldsFunc(fold(s), func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '/' || r == '-' || r == '.'
	})

	parts := fields[:0]
	for _, f := range fields {
		if !dateConnectors[f] {
			parts = append(parts, f)
		}
	}
	if len(parts) != 3 {
		return time.Time{}, false
	}

	isNum := func(s string) bool {
		_, err := strconv.Atoi(s)
		return err == nil
	}

	var ds, ys string
	var month time.Month
	var ok bool
	switch {
	case isNum(parts[0]) && !isNum(parts[1]) && isNum(parts[2]) && len(parts[0]) == 4:
		ys, ds = parts[0], parts[2]
		month, ok = p.months[parts[1]]
	case isNum(parts[0]) && !isNum(parts[1]) && isNum(parts[2]):
		ds, ys = parts[0], parts[2]
		month, ok = p.months[parts[1]]
	case !isNum(parts[0]) && isNum(parts[1]) && isNum(parts[2]):
		ds, ys = parts[1], parts[2]
		month, ok = p.months[parts[0]]
	}
	if !ok || len(ds) > 2 || (len(ys) != 4 && len(ys) != 2) {
		return time.Time{}, false
	}

	year, _ := strconv.Atoi(ys)
	day, _ := strconv.Atoi(ds)
	if len(ys) == 2 {
		year = p.expandYear(year)
	}
	return p.calendarDate(year, int(month), day)
}

// DateWithFormat parses raw with an explicit pattern. Both Go layouts
// ("02/01/2006") and the day/month/year letter patterns used in template
// catalogues ("dd/MM/yyyy") are accepted.
func (p *Parser) DateWithFormat(raw, pattern string) (time.Time, error) {
	layout := DateLayout(pattern)
	t, err := time.ParseInLocation(layout, CleanCell(raw), p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q does not match %q", ErrNoMatch, raw, pattern)
	}
	return t, nil
}

// layoutTokens maps catalogue pattern letters to Go layout elements,
// longest token first.
var layoutTokens = []struct{ token, layout string }{
	{"yyyy", "2006"},
	{"MMMM", "January"},
	{"MMM", "Jan"},
	{"SSS", "000"},
	{"yy", "06"},
	{"MM", "01"},
	{"dd", "02"},
	{"HH", "15"},
	{"mm", "04"},
	{"ss", "05"},
	{"M", "1"},
	{"d", "2"},
}

// DateLayout converts a letter pattern to a Go time layout.
// Patterns that already look like Go layouts are returned unchanged.
func DateLayout(pattern string) string {
	if strings.Contains(pattern, "2006") || !strings.ContainsAny(pattern, "yMdHms") {
		return pattern
	}

	var b strings.Builder
	for i := 0; i < len(pattern); {
		if pattern[i] == '\'' {
			// quoted literal, e.g. 'T'
			end := strings.IndexByte(pattern[i+1:], '\'')
			if end < 0 {
				b.WriteString(pattern[i+1:])
				break
			}
			b.WriteString(pattern[i+1 : i+1+end])
			i += end + 2
			continue
		}
		matched := false
		for _, tok := range layoutTokens {
			if strings.HasPrefix(pattern[i:], tok.token) {
				b.WriteString(tok.layout)
				i += len(tok.token)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(pattern[i])
			i++
		}
	}
	return b.String()
}

// monthNames lists full month names per base language, January first.
var monthNames = map[string][12]string{
	"en": {"january", "february", "march", "april", "may", "june", "july", "august", "september", "october", "november", "december"},
	"pt": {"janeiro", "fevereiro", "marco", "abril", "maio", "junho", "julho", "agosto", "setembro", "outubro", "novembro", "dezembro"},
	"es": {"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"},
}

// monthTable builds the folded name -> month lookup for the given languages,
// including three-letter abbreviations.
func monthTable(tags []language.Tag) map[string]time.Month {
	table := make(map[string]time.Month)
	for _, tag := range tags {
		base, _ := tag.Base()
		names, ok := monthNames[base.String()]
		if !ok {
			continue
		}
		for i, name := range names {
			m := time.Month(i + 1)
			table[name] = m
			table[name[:3]] = m
		}
	}
	// "sept" is common enough in English sources to special-case.
	if _, ok := table["sep"]; ok {
		table["sept"] = time.September
	}
	return table
}

// fold lowercases s and strips diacritics so "Março" and "marco" compare equal.
// The transformer and caser are built per call; neither is safe for concurrent use.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}
