package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/JonMunkholm/taxintake/internal/intake"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

// alertView is an alert with its rendered message.
type alertView struct {
	validation.Alert
	Message string `json:"message"`
}

func viewAlerts(alerts []validation.Alert) []alertView {
	out := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertView{Alert: a, Message: validation.Message(a)})
	}
	return out
}

type uploadResponse struct {
	Document    documentView `json:"document"`
	Valid       bool         `json:"valid"`
	Records     int          `json:"records"`
	Alerts      []alertView  `json:"alerts"`
	NonCritical []alertView  `json:"nonCritical"`
	Replaced    []uuid.UUID  `json:"replaced,omitempty"`
}

// handleUpload ingests one multipart upload. Form fields: template, version
// (optional, latest when absent), taxpayer_id, year, month, period, user and
// the file itself under "file".
//
// A completed intake answers 200 even when the document ends INVALID; the
// alerts explain why. Errors before a document exists map to 4xx/5xx.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sub, done, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer done()

	res, err := s.deps.Intake.Ingest(r.Context(), sub)
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := uploadResponse{
		Document:    viewDocument(res.Document),
		Valid:       res.Valid(),
		Records:     res.Records,
		Alerts:      viewAlerts(res.Alerts),
		NonCritical: viewAlerts(res.NonCritical),
	}
	for _, d := range res.Replaced {
		resp.Replaced = append(resp.Replaced, d.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

type previewResponse struct {
	intake.Preview
	Alerts      []alertView `json:"alerts"`
	NonCritical []alertView `json:"nonCritical"`
}

// handlePreview analyses an upload with the same form as handleUpload
// without storing anything.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	sub, done, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer done()

	pv, err := s.deps.Intake.Preview(r.Context(), sub)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if pv.Samples == nil {
		pv.Samples = []intake.RowPreview{}
	}
	if pv.Replaces == nil {
		pv.Replaces = []uuid.UUID{}
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Preview:     pv,
		Alerts:      viewAlerts(pv.Alerts),
		NonCritical: viewAlerts(pv.NonCritical),
	})
}

// readUpload parses the multipart form into a Submission. On failure the
// error response has been written and ok is false; otherwise done releases
// the form's files.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (sub intake.Submission, done func(), ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, intake.ErrFileTooLarge)
			return sub, nil, false
		}
		writeError(w, r, http.StatusBadRequest, "REQ001", "invalid multipart form")
		return sub, nil, false
	}

	sub, err := submissionFromForm(r)
	if err != nil {
		r.MultipartForm.RemoveAll()
		writeError(w, r, http.StatusBadRequest, "REQ002", err.Error())
		return sub, nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		r.MultipartForm.RemoveAll()
		writeError(w, r, http.StatusBadRequest, "REQ003", "no file provided")
		return sub, nil, false
	}
	sub.FileName = header.Filename
	sub.Content = file

	return sub, func() {
		file.Close()
		r.MultipartForm.RemoveAll()
	}, true
}

// submissionFromForm reads the submission header fields.
func submissionFromForm(r *http.Request) (intake.Submission, error) {
	sub := intake.Submission{
		TemplateName: strings.TrimSpace(r.FormValue("template")),
		TaxpayerID:   strings.TrimSpace(r.FormValue("taxpayer_id")),
		User:         strings.TrimSpace(r.FormValue("user")),
	}
	if sub.TemplateName == "" {
		return sub, errors.New("missing template")
	}
	if sub.TaxpayerID == "" {
		return sub, errors.New("missing taxpayer_id")
	}

	ints := []struct {
		name     string
		dst      *int
		required bool
	}{
		{"version", &sub.TemplateVersion, false},
		{"year", &sub.Year, true},
		{"month", &sub.Month, false},
		{"period", &sub.Period, false},
	}
	for _, f := range ints {
		raw := strings.TrimSpace(r.FormValue(f.name))
		if raw == "" {
			if f.required {
				return sub, errors.New("missing " + f.name)
			}
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return sub, errors.New("invalid " + f.name)
		}
		*f.dst = n
	}
	if sub.Month > 12 {
		return sub, errors.New("invalid month")
	}
	return sub, nil
}

// handleUploadStatus reports intake slot usage.
func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter == nil {
		writeJSON(w, http.StatusOK, intake.LimiterStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Limiter.Status())
}
