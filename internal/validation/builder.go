package validation

// builder.go turns raw rows into Records against a template's field specs.
//
// Validation happens at two levels:
//  1. Header validation: required columns must be present; unknown columns
//     are reported as informational alerts and ignored
//  2. Row validation: each cell is coerced to its FieldSpec's type (explicit
//     format first, heuristics otherwise) and checked against enum values
//
// Problems on required fields raise blocking alerts; problems on optional
// fields raise informational alerts and the value is left out of the record.

import (
	"strconv"
	"strings"

	"github.com/JonMunkholm/taxintake/internal/parse"
	"github.com/JonMunkholm/taxintake/internal/template"
)

// Builder parses rows for one session.
type Builder struct {
	session *Session
	specs   []template.FieldSpec
	index   map[string][]int
}

// NewBuilder validates header against tmpl and returns a Builder for the
// rows that follow it.
func NewBuilder(s *Session, tmpl template.Template, header []string) *Builder {
	idx := make(map[string][]int, len(header))
	for i, h := range header {
		key := strings.ToLower(parse.CleanCell(h))
		if key == "" {
			continue
		}
		idx[key] = append(idx[key], i)
	}

	known := make(map[string]bool, len(tmpl.Fields))
	for _, spec := range tmpl.Fields {
		key := strings.ToLower(spec.Name)
		known[key] = true
		if _, ok := idx[key]; !ok && spec.Required {
			s.AddAlert(AlertMissingColumn, spec.Name)
		}
	}
	for i, h := range header {
		key := strings.ToLower(parse.CleanCell(h))
		if key != "" && !known[key] && idx[key][0] == i {
			s.AddNonCriticalAlert(AlertUnknownColumn, parse.CleanCell(h))
		}
	}

	return &Builder{session: s, specs: tmpl.Fields, index: idx}
}

// Build parses every non-empty row into the session. line is the 1-based
// file line of rows[0]. Returns the number of records added.
func (b *Builder) Build(rows [][]string, line int) int {
	n := 0
	for i, row := range rows {
		if IsEmptyRow(row) {
			continue
		}
		b.session.AddParsedRecord(b.Row(line+i, row))
		n++
	}
	if n == 0 && b.session.Len() == 0 {
		b.session.AddAlert(AlertEmptyFile)
	}
	return n
}

// Row parses a single row. Alerts carry the field name, the offending value
// and line.
func (b *Builder) Row(line int, row []string) Record {
	rec := make(Record, len(b.specs))
	ln := strconv.Itoa(line)

	for _, spec := range b.specs {
		positions, ok := b.index[strings.ToLower(spec.Name)]
		if !ok {
			continue
		}

		if spec.Repeated {
			var values []any
			for _, pos := range positions {
				if v, ok := b.cell(spec, cellAt(row, pos), ln); ok && v != nil {
					values = append(values, v)
				}
			}
			if len(values) == 0 {
				if spec.Required && !spec.AllowEmpty {
					b.session.AddAlert(AlertMissingField, spec.Name, ln)
				}
				continue
			}
			setPath(rec, spec.Path(), values)
			continue
		}

		raw := cellAt(row, positions[0])
		if raw == "" {
			if spec.Required && !spec.AllowEmpty {
				b.session.AddAlert(AlertMissingField, spec.Name, ln)
			}
			continue
		}
		if v, ok := b.cell(spec, raw, ln); ok {
			setPath(rec, spec.Path(), v)
		}
	}
	return rec
}

// cell coerces one non-empty raw value.
func (b *Builder) cell(spec template.FieldSpec, raw, line string) (any, bool) {
	if raw == "" {
		return nil, true
	}

	report := b.session.AddNonCriticalAlert
	if spec.Required {
		report = b.session.AddAlert
	}

	if spec.Type == parse.TypeEnum {
		for _, ev := range spec.Enum {
			if strings.EqualFold(ev, raw) {
				return ev, true
			}
		}
		report(AlertInvalidEnum, spec.Name, raw, strings.Join(spec.Enum, ", "), line)
		return nil, false
	}

	v, err := b.session.parser.Coerce(raw, spec.Type, spec.Format)
	if err != nil {
		report(AlertInvalidField, spec.Name, raw, line)
		return nil, false
	}
	return v, true
}

func cellAt(row []string, pos int) string {
	if pos >= len(row) {
		return ""
	}
	return parse.CleanCell(row[pos])
}

// setPath stores v at the nested path, creating intermediate records.
func setPath(rec Record, path []string, v any) {
	cur := rec
	for _, hop := range path[:len(path)-1] {
		next, ok := cur[hop].(Record)
		if !ok {
			next = make(Record)
			cur[hop] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}

// FindHeader returns the index of the first row, among the first maxRows,
// that contains every required column of tmpl (or, for templates without
// required fields, at least one template column). Returns -1 if none does.
func FindHeader(rows [][]string, tmpl template.Template, maxRows int) int {
	if maxRows <= 0 || maxRows > len(rows) {
		maxRows = len(rows)
	}

	for i := 0; i < maxRows; i++ {
		present := make(map[string]bool, len(rows[i]))
		for _, h := range rows[i] {
			present[strings.ToLower(parse.CleanCell(h))] = true
		}

		matched, missingRequired := 0, false
		for _, spec := range tmpl.Fields {
			if present[strings.ToLower(spec.Name)] {
				matched++
			} else if spec.Required {
				missingRequired = true
			}
		}
		if matched > 0 && !missingRequired {
			return i
		}
	}
	return -1
}

// IsEmptyRow reports whether every cell in row is blank.
func IsEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
