package web

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/taxintake/internal/template"
)

type fieldView struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Required   bool     `json:"required,omitempty"`
	AllowEmpty bool     `json:"allowEmpty,omitempty"`
	Enum       []string `json:"enum,omitempty"`
	Format     string   `json:"format,omitempty"`
	Repeated   bool     `json:"repeated,omitempty"`
}

type templateView struct {
	ID                     string      `json:"id"`
	Name                   string      `json:"name"`
	Version                int         `json:"version"`
	Description            string      `json:"description,omitempty"`
	Archetype              string      `json:"archetype"`
	Periodicity            string      `json:"periodicity"`
	Fields                 []fieldView `json:"fields"`
	UniqueFields           []string    `json:"uniqueFields"`
	AnyPeriodRectification bool        `json:"anyPeriodRectification"`
	Requires               []string    `json:"requires,omitempty"`
	ValidatedCollection    string      `json:"validatedCollection"`
	PublishedCollection    string      `json:"publishedCollection"`
}

func viewTemplate(t template.Template) templateView {
	v := templateView{
		ID:                     t.ID(),
		Name:                   t.Name,
		Version:                t.Version,
		Description:            t.Description,
		Archetype:              t.Archetype,
		Periodicity:            string(t.Periodicity),
		UniqueFields:           t.UniqueFields,
		AnyPeriodRectification: t.AnyPeriodRectification,
		Requires:               t.Requires,
		ValidatedCollection:    t.ValidatedCollection(),
		PublishedCollection:    t.PublishedCollection(),
	}
	for _, f := range t.Fields {
		v.Fields = append(v.Fields, fieldView{
			Name:       f.Name,
			Type:       f.Type.String(),
			Required:   f.Required,
			AllowEmpty: f.AllowEmpty,
			Enum:       f.Enum,
			Format:     f.Format,
			Repeated:   f.Repeated,
		})
	}
	return v
}

// handleListTemplates lists every registered template version, sorted by id.
// ?archetype= narrows the list.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	var templates []template.Template
	if archetype := r.URL.Query().Get("archetype"); archetype != "" {
		templates = s.deps.Registry.ByArchetype(archetype)
	} else {
		templates = s.deps.Registry.All()
	}

	out := make([]templateView, 0, len(templates))
	for _, t := range templates {
		out = append(out, viewTemplate(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetTemplate returns one template; ?version= picks a version, the
// latest otherwise.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var (
		t   template.Template
		err error
	)
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil {
			writeError(w, r, http.StatusBadRequest, "REQ006", "invalid version")
			return
		}
		t, err = s.deps.Registry.Lookup(name, version)
	} else {
		t, err = s.deps.Registry.Latest(name)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTemplate(t))
}
