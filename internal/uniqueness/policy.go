package uniqueness

import (
	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/template"
)

// Policy decides whether candidate may rectify the active upload for its key.
// siblings are all uploads of the same template by the same taxpayer, across
// periods. When the rectification is denied the sibling that blocks it is
// returned.
//
// A policy is only consulted when an active predecessor exists; the first
// upload for a key is always accepted.
type Policy func(tmpl template.Template, candidate *document.Document, siblings []*document.Document) (allowed bool, blocker *document.Document)

// AllowRectification is the default Policy. Templates with
// AnyPeriodRectification always allow it. Otherwise the rectification is
// denied when an active upload for a later period has already been processed.
func AllowRectification(tmpl template.Template, candidate *document.Document, siblings []*document.Document) (bool, *document.Document) {
	if tmpl.AnyPeriodRectification {
		return true, nil
	}

	period := candidate.PeriodNumber()
	for _, s := range siblings {
		if s.ID == candidate.ID || !s.Active() {
			continue
		}
		if s.Situation == document.Processed && s.PeriodNumber() > period {
			return false, s
		}
	}
	return true, nil
}
