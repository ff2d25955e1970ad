package intake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/taxintake/internal/logging"
	"github.com/JonMunkholm/taxintake/internal/uniqueness"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

const maxPreviewSamples = 10

// RowPreview is one parsed record as text, by field name.
type RowPreview struct {
	Line   int               `json:"line"`
	Values map[string]string `json:"values"`
}

// Preview is the read-only analysis of an upload: what Ingest would decide
// if the file were submitted now.
type Preview struct {
	Template             string             `json:"template"`
	Valid                bool               `json:"valid"`
	Records              int                `json:"records"`
	UniquenessKey        string             `json:"uniquenessKey,omitempty"`
	Alerts               []validation.Alert `json:"alerts"`
	NonCritical          []validation.Alert `json:"nonCritical"`
	Samples              []RowPreview       `json:"samples"`
	Replaces             []uuid.UUID        `json:"replaces"`
	RectificationAllowed bool               `json:"rectificationAllowed"`
	ProcessingTimeMs     int64              `json:"processingTimeMs"`
}

// Preview parses and validates an upload without storing the file, the
// document or its rows.
func (p *Pipeline) Preview(ctx context.Context, sub Submission) (Preview, error) {
	start := time.Now()

	if err := p.Limiter.Acquire(ctx); err != nil {
		return Preview{}, err
	}
	defer p.Limiter.Release()

	tmpl, data, err := p.load(sub)
	if err != nil {
		return Preview{}, err
	}
	doc := p.newDocument(sub, tmpl, data)

	session := validation.NewSession(p.Parser, validation.Scope{
		TaxpayerID: doc.TaxpayerID,
		Year:       doc.Year,
		Month:      doc.Month,
		Period:     doc.Period,
	})
	lines := p.parse(session, tmpl, doc.FileName, data)

	out := Preview{Template: tmpl.ID(), RectificationAllowed: true}

	if !session.HasAlerts() {
		key, err := uniqueness.ComputeKey(tmpl, doc, session.Records()[0])
		var fieldErr *uniqueness.KeyFieldError
		switch {
		case errors.As(err, &fieldErr):
			session.AddAlert(validation.AlertMissingField, fieldErr.Field)
		case err != nil:
			return Preview{}, err
		default:
			doc.UniquenessKey = key
			out.UniquenessKey = key
		}
	}

	if !session.HasAlerts() {
		if err := session.Run(ctx, p.Rules.For(tmpl.Name)...); err != nil {
			return Preview{}, fmt.Errorf("run rules: %w", err)
		}
	}

	if doc.UniquenessKey != "" {
		pred, err := p.Resolver.Predict(ctx, tmpl, doc)
		if err != nil {
			return Preview{}, err
		}
		out.RectificationAllowed = pred.Allowed
		for _, a := range pred.Active {
			out.Replaces = append(out.Replaces, a.ID)
			if a.Hash == doc.Hash {
				session.AddNonCriticalAlert(validation.AlertDuplicateContent, a.ID.String())
			}
		}
		if !pred.Allowed {
			period := ""
			if pred.Blocker != nil {
				period = strconv.Itoa(pred.Blocker.PeriodNumber())
			}
			session.AddAlert(validation.AlertRectificationDenied, period)
		}
	}

	records := session.Records()
	for i, rec := range records {
		if i == maxPreviewSamples {
			break
		}
		out.Samples = append(out.Samples, RowPreview{Line: lines[i], Values: flatten(rec)})
	}

	out.Records = len(records)
	out.Alerts = session.Alerts()
	out.NonCritical = session.NonCriticalAlerts()
	out.Valid = len(out.Alerts) == 0
	out.ProcessingTimeMs = time.Since(start).Milliseconds()

	logging.FromContext(ctx).Debug("upload previewed",
		"template", out.Template,
		"records", out.Records,
		"alerts", len(out.Alerts),
		"duration_ms", out.ProcessingTimeMs,
	)
	return out, nil
}

// flatten renders a record as text values, nested maps as dotted names.
func flatten(rec validation.Record) map[string]string {
	out := make(map[string]string, len(rec))
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			switch v := val.(type) {
			case validation.Record:
				walk(prefix+k+".", v)
			case map[string]any:
				walk(prefix+k+".", v)
			case []any:
				parts := make([]string, len(v))
				for i, item := range v {
					parts[i] = validation.FormatValue(item)
				}
				out[prefix+k] = fmt.Sprint(parts)
			default:
				out[prefix+k] = validation.FormatValue(v)
			}
		}
	}
	walk("", rec)
	return out
}
