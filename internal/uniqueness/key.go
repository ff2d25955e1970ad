// Package uniqueness decides which upload is the active one among uploads
// competing for the same uniqueness key.
//
// The newest upload wins: it becomes active and rectifying, and the previous
// active upload is marked rectified and REPLACED. A per-template policy can
// veto the rectification when a later period has already been processed.
// Resolution runs atomically per key, so concurrent uploads for the same key
// never both end up active.
package uniqueness

import (
	"errors"
	"strconv"
	"strings"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/template"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

// ErrMissingKeyField is returned when a uniqueness field has no value.
var ErrMissingKeyField = errors.New("missing uniqueness key field")

// KeyFieldError names the uniqueness field that had no value.
type KeyFieldError struct {
	Field string
}

func (e *KeyFieldError) Error() string { return ErrMissingKeyField.Error() + ": " + e.Field }

func (e *KeyFieldError) Unwrap() error { return ErrMissingKeyField }

const keySeparator = "|"

// ComputeKey derives the uniqueness key of doc: the template name followed by
// the values of the template's unique fields, in order. Document attributes
// (taxpayer_id, year, month, period) come from doc; other fields are read
// from the first parsed record.
func ComputeKey(tmpl template.Template, doc *document.Document, first validation.Record) (string, error) {
	parts := make([]string, 0, len(tmpl.UniqueFields)+1)
	parts = append(parts, escape(tmpl.Name))

	for _, field := range tmpl.UniqueFields {
		var v string
		switch field {
		case template.KeyTaxpayer:
			v = doc.TaxpayerID
		case template.KeyYear:
			v = nonZero(doc.Year)
		case template.KeyMonth:
			v = nonZero(doc.Month)
		case template.KeyPeriod:
			v = nonZero(doc.Period)
		default:
			if first != nil {
				v = validation.FormatValue(first.Get(field))
			}
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return "", &KeyFieldError{Field: field}
		}
		parts = append(parts, escape(v))
	}
	return strings.Join(parts, keySeparator), nil
}

func nonZero(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func escape(s string) string {
	return strings.ReplaceAll(s, keySeparator, "%7C")
}
