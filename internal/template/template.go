// Package template describes the document templates an upload is validated
// against: the expected fields, how uploads of the template are keyed for
// uniqueness, and how the template relates to others of the same archetype.
package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JonMunkholm/taxintake/internal/parse"
)

// ErrUnknownTemplate is returned when a template name/version is not registered.
var ErrUnknownTemplate = errors.New("unknown template")

// Periodicity is how often a taxpayer files a template.
type Periodicity string

const (
	Yearly   Periodicity = "yearly"
	Monthly  Periodicity = "monthly"
	Periodic Periodicity = "periodic"
)

// Uniqueness key attributes taken from the document header rather than from
// record fields.
const (
	KeyTaxpayer = "taxpayer_id"
	KeyYear     = "year"
	KeyMonth    = "month"
	KeyPeriod   = "period"
)

// FieldSpec defines validation rules for a single field of a template.
type FieldSpec struct {
	Name       string     // Column header; dots produce nested maps ("address.city")
	Type       parse.Type // Expected type (auto infers from the text)
	Required   bool       // Column must exist in the header
	AllowEmpty bool       // If true, empty values are allowed even when Required
	Enum       []string   // Valid values for enum fields
	Format     string     // Explicit date layout or number pattern; bypasses heuristics
	Repeated   bool       // Every column with this header is collected into a list
}

// Path splits a dotted field name into its nested-map hops.
func (f FieldSpec) Path() []string {
	return strings.Split(f.Name, ".")
}

// Template is one versioned document template.
type Template struct {
	Name                   string
	Version                int
	Description            string
	Archetype              string
	Periodicity            Periodicity
	Fields                 []FieldSpec
	UniqueFields           []string
	AnyPeriodRectification bool
	Requires               []string
	PublishView            string
}

// ID returns the template's "name:version" identifier. It is also the value of
// the template marker on published records.
func (t Template) ID() string {
	return t.Name + ":" + strconv.Itoa(t.Version)
}

// ValidatedCollection is the document-store collection holding the parsed
// rows of this template version.
func (t Template) ValidatedCollection() string {
	return "validated_" + strings.ToLower(t.Name) + "_v" + strconv.Itoa(t.Version)
}

// PublishedCollection is the collection of the denormalized view fed by
// this template.
func (t Template) PublishedCollection() string {
	view := t.PublishView
	if view == "" {
		view = t.Name
	}
	return "published_" + strings.ToLower(view)
}

// Field returns the spec for a field name (case-insensitive).
func (t Template) Field(name string) (FieldSpec, bool) {
	for _, f := range t.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// ParseID splits a "name:version" identifier.
func ParseID(id string) (string, int, error) {
	name, v, ok := strings.Cut(id, ":")
	if !ok || name == "" {
		return "", 0, fmt.Errorf("invalid template id %q", id)
	}
	version, err := strconv.Atoi(v)
	if err != nil {
		return "", 0, fmt.Errorf("invalid template version in %q: %w", id, err)
	}
	return name, version, nil
}

// Validate checks a template definition for internal consistency.
func (t Template) Validate() error {
	var errs []string

	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, "name is required")
	}
	if strings.Contains(t.Name, ":") {
		errs = append(errs, "name must not contain ':'")
	}
	if t.Version < 1 {
		errs = append(errs, "version must be >= 1")
	}
	switch t.Periodicity {
	case Yearly, Monthly, Periodic:
	default:
		errs = append(errs, fmt.Sprintf("invalid periodicity %q", t.Periodicity))
	}
	if len(t.Fields) == 0 {
		errs = append(errs, "at least one field is required")
	}

	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		key := strings.ToLower(f.Name)
		if strings.TrimSpace(f.Name) == "" {
			errs = append(errs, "field name is required")
			continue
		}
		if seen[key] {
			errs = append(errs, fmt.Sprintf("duplicate field %q", f.Name))
		}
		seen[key] = true
		if f.Type == parse.TypeEnum && len(f.Enum) == 0 {
			errs = append(errs, fmt.Sprintf("enum field %q has no values", f.Name))
		}
	}

	if len(t.UniqueFields) == 0 {
		errs = append(errs, "at least one unique field is required")
	}
	for _, u := range t.UniqueFields {
		switch u {
		case KeyTaxpayer, KeyYear, KeyMonth, KeyPeriod:
			continue
		}
		if !seen[strings.ToLower(u)] {
			errs = append(errs, fmt.Sprintf("unique field %q is neither a document attribute nor a template field", u))
		}
	}

	if len(t.Requires) > 0 && t.Archetype == "" {
		errs = append(errs, "requires is only valid with an archetype")
	}

	if len(errs) > 0 {
		return fmt.Errorf("template %q: %s", t.ID(), strings.Join(errs, "; "))
	}
	return nil
}
