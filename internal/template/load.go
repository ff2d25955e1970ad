package template

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/taxintake/internal/parse"
)

// Catalogue is the on-disk layout of a template file:
//
//	templates:
//	  - name: dirf
//	    version: 1
//	    archetype: withholding
//	    periodicity: yearly
//	    unique_fields: [taxpayer_id, year]
//	    fields:
//	      - taxpayer_id              # shorthand: text, optional
//	      - name: amount
//	        type: number
//	        required: true
//	        format: "#.##0,00"
type Catalogue struct {
	Templates []Template `yaml:"templates"`
}

// templateYAML mirrors Template with yaml tags.
type templateYAML struct {
	Name                   string      `yaml:"name"`
	Version                int         `yaml:"version"`
	Description            string      `yaml:"description"`
	Archetype              string      `yaml:"archetype"`
	Periodicity            string      `yaml:"periodicity"`
	Fields                 []FieldSpec `yaml:"fields"`
	UniqueFields           []string    `yaml:"unique_fields"`
	AnyPeriodRectification bool        `yaml:"any_period_rectification"`
	Requires               []string    `yaml:"requires"`
	PublishView            string      `yaml:"publish_view"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Template) UnmarshalYAML(value *yaml.Node) error {
	var raw templateYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	periodicity := Periodicity(strings.ToLower(strings.TrimSpace(raw.Periodicity)))
	if periodicity == "" {
		periodicity = Yearly
	}
	view := raw.PublishView
	if view == "" {
		view = raw.Name
	}

	*t = Template{
		Name:                   strings.TrimSpace(raw.Name),
		Version:                raw.Version,
		Description:            raw.Description,
		Archetype:              raw.Archetype,
		Periodicity:            periodicity,
		Fields:                 raw.Fields,
		UniqueFields:           raw.UniqueFields,
		AnyPeriodRectification: raw.AnyPeriodRectification,
		Requires:               raw.Requires,
		PublishView:            view,
	}
	return nil
}

// UnmarshalYAML accepts either a bare field name or a mapping.
func (f *FieldSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		name := strings.TrimSpace(value.Value)
		if name == "" {
			return fmt.Errorf("line %d: empty field name", value.Line)
		}
		*f = FieldSpec{Name: name, Type: parse.TypeText}
		return nil

	case yaml.MappingNode:
		var tmp struct {
			Name       string   `yaml:"name"`
			Type       string   `yaml:"type"`
			Required   bool     `yaml:"required"`
			AllowEmpty bool     `yaml:"allow_empty"`
			Enum       []string `yaml:"enum"`
			Format     string   `yaml:"format"`
			Repeated   bool     `yaml:"repeated"`
		}
		if err := value.Decode(&tmp); err != nil {
			return err
		}
		typ, err := parse.ParseType(tmp.Type)
		if err != nil {
			return fmt.Errorf("line %d: field %q: %w", value.Line, tmp.Name, err)
		}
		*f = FieldSpec{
			Name:       strings.TrimSpace(tmp.Name),
			Type:       typ,
			Required:   tmp.Required,
			AllowEmpty: tmp.AllowEmpty,
			Enum:       tmp.Enum,
			Format:     tmp.Format,
			Repeated:   tmp.Repeated,
		}
		return nil

	default:
		return fmt.Errorf("line %d: field must be a name or a mapping", value.Line)
	}
}

// Load reads a catalogue from r and validates every template.
func Load(r io.Reader) ([]Template, error) {
	var c Catalogue
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode template catalogue: %w", err)
	}

	seen := make(map[string]bool, len(c.Templates))
	for _, t := range c.Templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.ID()] {
			return nil, fmt.Errorf("template %q defined twice", t.ID())
		}
		seen[t.ID()] = true
	}
	return c.Templates, nil
}

// LoadFile reads the catalogue at path.
func LoadFile(path string) ([]Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open template catalogue: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// NewRegistryFromFile loads the catalogue at path into a new Registry.
func NewRegistryFromFile(path string) (*Registry, error) {
	templates, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, t := range templates {
		r.Register(t)
	}
	return r, nil
}
