package parse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// numberCharsRegex validates that a string only contains digits and separators
// after currency symbols, signs and spaces are removed.
var numberCharsRegex = regexp.MustCompile(`^\d[\d.,]*$|^[.,]\d[\d.,]*$`)

// currencySymbols are stripped before number parsing. Multi-character symbols first.
var currencySymbols = []string{"R$", "US$", "$", "€", "£"}

// separators describes one interpretation of a numeric string.
// A zero byte means the separator is absent.
type separators struct {
	group   byte
	decimal byte
}

// Number infers a decimal number from raw text.
//
// Separator disambiguation:
//   - both ',' and '.' present: the first to appear groups, the other is decimal
//   - only ',': comma-as-decimal, then comma-as-group
//   - only '.': more than one '.' groups; exactly three digits after a single
//     '.' with no 4+ digit run before it groups ("1.234" is 1234); a 4+ digit
//     run before the '.' is decimal; anything else tries decimal, then group
//
// Every interpretation that fails to parse falls through to the next.
func (p *Parser) Number(raw string) (decimal.Decimal, bool) {
	s, negative, ok := normalizeNumber(raw)
	if !ok {
		return decimal.Decimal{}, false
	}

	for _, sep := range candidates(s) {
		d, err := sep.parse(s)
		if err != nil {
			continue
		}
		if negative {
			d = d.Neg()
		}
		return d, true
	}
	return decimal.Decimal{}, false
}

// normalizeNumber strips whitespace, currency symbols and sign markers,
// including the accounting format "(123.45)".
func normalizeNumber(raw string) (string, bool, bool) {
	s := CleanCell(raw)
	if s == "" {
		return "", false, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	for _, sym := range currencySymbols {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t':
			return -1
		}
		return r
	}, s)

	switch {
	case strings.HasPrefix(s, "-"):
		negative = !negative
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasSuffix(s, "-"):
		negative = !negative
		s = s[:len(s)-1]
	}

	if !numberCharsRegex.MatchString(s) {
		return "", false, false
	}
	return s, negative, true
}

// candidates returns the interpretations to try for s, in order.
func candidates(s string) []separators {
	dot := strings.IndexByte(s, '.')
	comma := strings.IndexByte(s, ',')

	switch {
	case dot < 0 && comma < 0:
		return []separators{{}}

	case dot >= 0 && comma >= 0:
		if dot < comma {
			return []separators{{group: '.', decimal: ','}}
		}
		return []separators{{group: ',', decimal: '.'}}

	case comma >= 0:
		return []separators{{decimal: ','}, {group: ','}}
	}

	// Only '.' present.
	asGroup := separators{group: '.'}
	asDecimal := separators{decimal: '.'}

	if strings.Count(s, ".") > 1 {
		return []separators{asGroup, asDecimal}
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if len(intPart) >= 4 {
		return []separators{asDecimal}
	}
	if len(fracPart) == 3 {
		return []separators{asGroup, asDecimal}
	}
	return []separators{asDecimal, asGroup}
}

// parse interprets s with the receiver's separators.
func (sep separators) parse(s string) (decimal.Decimal, error) {
	if sep.decimal != 0 && strings.Count(s, string(sep.decimal)) > 1 {
		return decimal.Decimal{}, fmt.Errorf("more than one decimal separator in %q", s)
	}

	intPart, fracPart, hasFrac := s, "", false
	if sep.decimal != 0 {
		intPart, fracPart, hasFrac = strings.Cut(s, string(sep.decimal))
	}

	if sep.group != 0 {
		if err := validateGroups(intPart, sep.group); err != nil {
			return decimal.Decimal{}, err
		}
		intPart = strings.ReplaceAll(intPart, string(sep.group), "")
	}

	if strings.ContainsAny(intPart, ".,") || strings.ContainsAny(fracPart, ".,") {
		return decimal.Decimal{}, fmt.Errorf("unexpected separator in %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}

	normalized := intPart
	if hasFrac && fracPart != "" {
		normalized += "." + fracPart
	}
	return decimal.NewFromString(normalized)
}

// validateGroups checks that every group after the first has exactly three
// digits and the first has one to three.
func validateGroups(intPart string, group byte) error {
	if !strings.Contains(intPart, string(group)) {
		return nil
	}
	groups := strings.Split(intPart, string(group))
	if len(groups[0]) < 1 || len(groups[0]) > 3 {
		return fmt.Errorf("invalid leading group %q", groups[0])
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return fmt.Errorf("invalid digit group %q", g)
		}
	}
	return nil
}

// NumberFormat is an explicit separator pair declared on a template field.
type NumberFormat struct {
	Group   byte
	Decimal byte
}

// ParseNumberFormat reads a pattern such as "#,##0.00", "#.##0,00" or "0,00".
// The last separator followed only by pattern digits is the decimal separator;
// any other separator is the group separator.
func ParseNumberFormat(pattern string) (NumberFormat, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return NumberFormat{}, fmt.Errorf("empty number format")
	}

	var nf NumberFormat
	last := strings.LastIndexAny(pattern, ".,")
	if last < 0 {
		return nf, nil
	}

	tail := pattern[last+1:]
	first := strings.IndexAny(pattern, ".,")
	if strings.Trim(tail, "0#") == "" && (len(tail) != 3 || first != last || strings.HasPrefix(pattern, "0")) {
		nf.Decimal = pattern[last]
		if first != last {
			nf.Group = pattern[first]
		}
	} else {
		nf.Group = pattern[last]
	}

	if nf.Group != 0 && nf.Group == nf.Decimal {
		return NumberFormat{}, fmt.Errorf("number format %q uses %q for both separators", pattern, nf.Group)
	}
	return nf, nil
}

// Parse interprets raw strictly with the declared separators.
func (nf NumberFormat) Parse(raw string) (decimal.Decimal, error) {
	s, negative, ok := normalizeNumber(raw)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: number %q", ErrNoMatch, raw)
	}
	d, err := separators{group: nf.Group, decimal: nf.Decimal}.parse(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: number %q: %v", ErrNoMatch, raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}
