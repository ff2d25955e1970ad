package template

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/taxintake/internal/parse"
)

const catalogueYAML = `
templates:
  - name: annual
    version: 1
    archetype: income
    unique_fields: [taxpayer_id, year]
    fields:
      - payer_id
      - name: amount
        type: number
        required: true
        format: "#.##0,00"
      - name: kind
        type: enum
        enum: [a, b]
      - name: address.city
      - name: notes
        repeated: true
  - name: annual
    version: 2
    archetype: income
    periodicity: Yearly
    unique_fields: [taxpayer_id, year, payer_id]
    requires: [monthly]
    fields:
      - payer_id
  - name: monthly
    version: 1
    archetype: income
    periodicity: monthly
    unique_fields: [taxpayer_id, year, month]
    fields:
      - payer_id
`

func mustLoad(t *testing.T, src string) *Registry {
	t.Helper()
	templates, err := Load(strings.NewReader(src))
	require.NoError(t, err)
	r := NewRegistry()
	for _, tmpl := range templates {
		r.Register(tmpl)
	}
	return r
}

func TestLoad(t *testing.T) {
	r := mustLoad(t, catalogueYAML)
	require.Equal(t, 3, r.Count())

	annual, err := r.Lookup("annual", 1)
	require.NoError(t, err)
	assert.Equal(t, "annual:1", annual.ID())
	assert.Equal(t, Yearly, annual.Periodicity)
	assert.Equal(t, "annual", annual.PublishView)
	require.Len(t, annual.Fields, 5)

	assert.Equal(t, FieldSpec{Name: "payer_id", Type: parse.TypeText}, annual.Fields[0])
	assert.Equal(t, parse.TypeNumber, annual.Fields[1].Type)
	assert.True(t, annual.Fields[1].Required)
	assert.Equal(t, "#.##0,00", annual.Fields[1].Format)
	assert.Equal(t, []string{"a", "b"}, annual.Fields[2].Enum)
	assert.Equal(t, []string{"address", "city"}, annual.Fields[3].Path())
	assert.Equal(t, parse.TypeAuto, annual.Fields[3].Type)
	assert.True(t, annual.Fields[4].Repeated)

	v2, err := r.Latest("annual")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, []string{"monthly"}, v2.Requires)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name: "unknown field type",
			src: `
templates:
  - name: x
    version: 1
    unique_fields: [taxpayer_id]
    fields:
      - name: a
        type: blob
`,
			wantErr: "unknown field type",
		},
		{
			name: "missing version",
			src: `
templates:
  - name: x
    unique_fields: [taxpayer_id]
    fields: [a]
`,
			wantErr: "version must be >= 1",
		},
		{
			name: "duplicate field",
			src: `
templates:
  - name: x
    version: 1
    unique_fields: [taxpayer_id]
    fields: [a, A]
`,
			wantErr: "duplicate field",
		},
		{
			name: "unique field not known",
			src: `
templates:
  - name: x
    version: 1
    unique_fields: [nope]
    fields: [a]
`,
			wantErr: "unique field \"nope\"",
		},
		{
			name: "enum without values",
			src: `
templates:
  - name: x
    version: 1
    unique_fields: [a]
    fields:
      - name: a
        type: enum
`,
			wantErr: "has no values",
		},
		{
			name: "defined twice",
			src: `
templates:
  - {name: x, version: 1, unique_fields: [a], fields: [a]}
  - {name: x, version: 1, unique_fields: [a], fields: [a]}
`,
			wantErr: "defined twice",
		},
		{
			name: "requires without archetype",
			src: `
templates:
  - {name: x, version: 1, unique_fields: [a], fields: [a], requires: [y]}
`,
			wantErr: "requires is only valid",
		},
		{
			name: "unknown catalogue key",
			src: `
templates:
  - {name: x, version: 1, unique_fields: [a], fields: [a]}
extra: true
`,
			wantErr: "extra",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_Empty(t *testing.T) {
	templates, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, templates)
}

func TestLoadFile_ShippedCatalogue(t *testing.T) {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	path := filepath.Join(filepath.Dir(file), "..", "..", "configs", "templates.yaml")

	r, err := NewRegistryFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"income", "withholding"}, r.Archetypes())

	summary, err := r.Lookup("withholding_summary", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"withholding_detail"}, summary.Requires)
	assert.Equal(t, Monthly, summary.Periodicity)
}

// ----------------------------------------------------------------------------
// Registry Tests
// ----------------------------------------------------------------------------

func TestRegistry(t *testing.T) {
	r := mustLoad(t, catalogueYAML)

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "annual:1", all[0].ID())
	assert.Equal(t, "annual:2", all[1].ID())
	assert.Equal(t, "monthly:1", all[2].ID())

	byArch := r.ByArchetype("income")
	assert.Len(t, byArch, 3)
	assert.Empty(t, r.ByArchetype("missing"))

	_, ok := r.Get("annual:3")
	assert.False(t, ok)

	_, err := r.Lookup("annual", 3)
	assert.True(t, errors.Is(err, ErrUnknownTemplate))

	_, err = r.Latest("nope")
	assert.True(t, errors.Is(err, ErrUnknownTemplate))
}

func TestRegistry_RegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	tmpl := Template{Name: "x", Version: 1}
	r.Register(tmpl)

	assert.PanicsWithValue(t, "template already registered: x:1", func() {
		r.Register(tmpl)
	})
}

func TestParseID(t *testing.T) {
	name, version, err := ParseID("annual:2")
	require.NoError(t, err)
	assert.Equal(t, "annual", name)
	assert.Equal(t, 2, version)

	for _, bad := range []string{"annual", ":1", "annual:x"} {
		_, _, err := ParseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestTemplateField(t *testing.T) {
	tmpl := Template{Fields: []FieldSpec{{Name: "Amount", Type: parse.TypeNumber}}}

	f, ok := tmpl.Field("amount")
	require.True(t, ok)
	assert.Equal(t, parse.TypeNumber, f.Type)

	_, ok = tmpl.Field("missing")
	assert.False(t, ok)
}

func TestTemplateCollections(t *testing.T) {
	tmpl := Template{Name: "Income_Statement", Version: 2}
	assert.Equal(t, "validated_income_statement_v2", tmpl.ValidatedCollection())
	assert.Equal(t, "published_income_statement", tmpl.PublishedCollection())

	tmpl.PublishView = "Income_Published"
	assert.Equal(t, "published_income_published", tmpl.PublishedCollection())
}
