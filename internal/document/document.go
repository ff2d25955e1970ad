// Package document models uploaded tax documents and their lifecycle.
//
// A document moves through an explicit transition table (see Next). Every
// change appends a HistoryEntry; the last entry always carries the
// document's current situation.
package document

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Document is one submitted file.
type Document struct {
	ID              uuid.UUID `json:"id"`
	UploadedAt      time.Time `json:"uploadedAt"`
	User            string    `json:"user"`
	TaxpayerID      string    `json:"taxpayerId"`
	TemplateName    string    `json:"templateName"`
	TemplateVersion int       `json:"templateVersion"`
	Year            int       `json:"year"`
	Month           int       `json:"month,omitempty"`
	Period          int       `json:"period,omitempty"`
	FileName        string    `json:"fileName"`
	FileID          string    `json:"fileId"`
	Subdir          string    `json:"subdir"`
	Hash            string    `json:"hash"`
	UniquenessKey   string    `json:"uniquenessKey"`
	Rectifying      bool      `json:"rectifying"`
	Rectified       bool      `json:"rectified"`
	Situation       Situation `json:"situation"`
	ChangedTime     time.Time `json:"changedTime"`

	// Version is the optimistic-concurrency token; stores bump it on every save.
	Version int64 `json:"version"`
}

// Active reports whether the document is the one upload for its key that
// has not been superseded.
func (d *Document) Active() bool {
	return !d.Rectified
}

// TemplateID returns "name:version".
func (d *Document) TemplateID() string {
	return d.TemplateName + ":" + strconv.Itoa(d.TemplateVersion)
}

// PeriodNumber returns the filing period as a sortable number: the explicit
// period when set, yyyymm for monthly filings and yyyy otherwise.
func (d *Document) PeriodNumber() int {
	switch {
	case d.Period != 0:
		return d.Period
	case d.Month != 0:
		return d.Year*100 + d.Month
	default:
		return d.Year
	}
}

// StoragePath returns the blob path of the uploaded file.
func (d *Document) StoragePath() string {
	if d.Subdir == "" {
		return d.FileID
	}
	return d.Subdir + "/" + d.FileID
}

func (d *Document) String() string {
	return fmt.Sprintf("%s[%s %s %d %s]", d.ID, d.TemplateID(), d.TaxpayerID, d.PeriodNumber(), d.Situation)
}

// HistoryEntry is one append-only lifecycle record.
type HistoryEntry struct {
	DocumentID   uuid.UUID `json:"documentId"`
	TemplateName string    `json:"templateName"`
	Timestamp    time.Time `json:"timestamp"`
	Situation    Situation `json:"situation"`
	ChangedTime  time.Time `json:"changedTime"`
}

func (d *Document) historyEntry() HistoryEntry {
	return HistoryEntry{
		DocumentID:   d.ID,
		TemplateName: d.TemplateName,
		Timestamp:    d.ChangedTime,
		Situation:    d.Situation,
		ChangedTime:  d.ChangedTime,
	}
}
