package etl

import (
	"context"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/scan"
	"github.com/JonMunkholm/taxintake/internal/template"
)

// UploadFinder lists the uploads of one template version for a taxpayer and
// period number.
type UploadFinder interface {
	Uploads(ctx context.Context, templateName string, version int, taxpayerID string, period int) ([]*document.Document, error)
}

// Sources is the ValidatedDataRepository over the template registry, the
// upload store and the document store holding validated rows.
type Sources struct {
	registry *template.Registry
	uploads  UploadFinder
	data     scan.Protocol
	opts     []scan.Option
}

var _ ValidatedDataRepository = (*Sources)(nil)

// NewSources creates Sources. opts configure every scanner it opens.
func NewSources(registry *template.Registry, uploads UploadFinder, data scan.Protocol, opts ...scan.Option) *Sources {
	return &Sources{registry: registry, uploads: uploads, data: data, opts: opts}
}

// Templates returns every registered version of the archetype's templates.
func (s *Sources) Templates(_ context.Context, archetype string) ([]template.Template, error) {
	return s.registry.ByArchetype(archetype), nil
}

// Uploads implements ValidatedDataRepository.
func (s *Sources) Uploads(ctx context.Context, templateName string, version int, taxpayerID string, period int) ([]*document.Document, error) {
	return s.uploads.Uploads(ctx, templateName, version, taxpayerID, period)
}

// HasValidation reports whether validated rows exist for the file.
func (s *Sources) HasValidation(ctx context.Context, templateName string, version int, fileID string) (bool, error) {
	sc, err := s.scanner(templateName, version)
	if err != nil {
		return false, err
	}
	n, err := sc.Count(ctx, fileQuery(fileID))
	return n > 0, err
}

// ValidatedData streams the validated rows of the file.
func (s *Sources) ValidatedData(ctx context.Context, templateName string, version int, fileID string) (*scan.Rows[map[string]any], error) {
	sc, err := s.scanner(templateName, version)
	if err != nil {
		return nil, err
	}
	return sc.Scan(ctx, fileQuery(fileID))
}

func (s *Sources) scanner(templateName string, version int) (*scan.Scanner[map[string]any], error) {
	tmpl, err := s.registry.Lookup(templateName, version)
	if err != nil {
		return nil, err
	}
	return scan.New[map[string]any](s.data, tmpl.ValidatedCollection(), s.opts...), nil
}

func fileQuery(fileID string) scan.Query {
	return scan.Query{Terms: map[string]any{FileMarker: fileID}}
}
