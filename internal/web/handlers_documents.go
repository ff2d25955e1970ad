package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
)

const defaultListLimit = 100

// documentID parses the {id} URL parameter, writing a 400 on failure.
func documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "REQ004", "invalid document id")
		return uuid.Nil, false
	}
	return id, true
}

// handleListDocuments lists documents by situation, oldest change first.
// Query: situation (repeatable or comma-separated, default VALID,PENDING)
// and limit.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	var situations []document.Situation
	for _, raw := range r.URL.Query()["situation"] {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			sit, err := document.ParseSituation(name)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "REQ005", err.Error())
				return
			}
			situations = append(situations, sit)
		}
	}
	if len(situations) == 0 {
		situations = []document.Situation{document.Valid, document.Pending}
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	docs, err := s.deps.Documents.BySituation(r.Context(), limit, situations...)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]documentView, 0, len(docs))
	for _, d := range docs {
		out = append(out, viewDocument(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	doc, err := s.deps.Documents.Document(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDocument(doc))
}

func (s *Server) handleDocumentHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Documents.Document(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	history, err := s.deps.Documents.History(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if history == nil {
		history = []document.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDocumentAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Documents.Document(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	alerts, err := s.deps.Documents.Alerts(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []lifecycle.StoredAlert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
