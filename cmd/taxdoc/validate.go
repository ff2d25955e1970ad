package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/taxintake/internal/intake"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
	"github.com/JonMunkholm/taxintake/internal/memstore"
	"github.com/JonMunkholm/taxintake/internal/template"
	"github.com/JonMunkholm/taxintake/internal/uniqueness"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

type validateOptions struct {
	catalogue  string
	template   string
	version    int
	taxpayerID string
	year       int
	month      int
	period     int
	asJSON     bool
	parse      parseOptions
}

func newValidateCmd() *cobra.Command {
	var opts validateOptions

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a file against a template without storing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.catalogue, "templates", envOr("TEMPLATES_PATH", "configs/templates.yaml"), "Template catalogue")
	cmd.Flags().StringVar(&opts.template, "template", "", "Template name (required)")
	cmd.Flags().IntVar(&opts.version, "version", 0, "Template version (default: latest)")
	cmd.Flags().StringVar(&opts.taxpayerID, "taxpayer", "offline", "Taxpayer ID")
	cmd.Flags().IntVar(&opts.year, "year", 0, "Filing year (required)")
	cmd.Flags().IntVar(&opts.month, "month", 0, "Filing month")
	cmd.Flags().IntVar(&opts.period, "period", 0, "Filing period")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().StringVar(&opts.parse.languages, "languages", envOr("PARSER_LANGUAGES", "en,pt"), "Month name languages")
	cmd.Flags().StringVar(&opts.parse.timeZone, "tz", envOr("PARSER_TIME_ZONE", "UTC"), "Time zone dates are interpreted in")
	cmd.Flags().IntVar(&opts.parse.pivot, "year-pivot", 20, "Two-digit year pivot")

	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("year")

	return cmd
}

type validateReport struct {
	Valid       bool          `json:"valid"`
	Situation   string        `json:"situation"`
	Records     int           `json:"records"`
	Alerts      []alertReport `json:"alerts"`
	NonCritical []alertReport `json:"nonCritical"`
}

type alertReport struct {
	validation.Alert
	Message string `json:"message"`
}

func runValidate(cmd *cobra.Command, opts validateOptions, path string) error {
	if opts.month < 0 || opts.month > 12 {
		return withCode(exitUsage, fmt.Errorf("invalid --month %d", opts.month))
	}
	opts.parse.typ = "auto"
	parser, _, err := opts.parse.parser()
	if err != nil {
		return withCode(exitUsage, err)
	}

	registry, err := template.NewRegistryFromFile(opts.catalogue)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Offline run: documents and rows stay in memory.
	store := memstore.New()
	pipeline := intake.NewPipeline(intake.Config{}, intake.Deps{
		Registry: registry,
		Rules:    validation.CatalogueRules(),
		Parser:   parser,
		Tracker:  lifecycle.NewTracker(store, store),
		Resolver: uniqueness.NewResolver(store),
		Rows:     memstore.NewCollections(0),
	})

	res, err := pipeline.Ingest(cmd.Context(), intake.Submission{
		TemplateName:    opts.template,
		TemplateVersion: opts.version,
		TaxpayerID:      opts.taxpayerID,
		Year:            opts.year,
		Month:           opts.month,
		Period:          opts.period,
		User:            "taxdoc",
		FileName:        filepath.Base(path),
		Content:         f,
	})
	if err != nil {
		if errors.Is(err, template.ErrUnknownTemplate) || errors.Is(err, intake.ErrUnsupportedFormat) {
			return withCode(exitUsage, err)
		}
		return err
	}

	report := validateReport{
		Valid:       res.Valid(),
		Situation:   res.Document.Situation.String(),
		Records:     res.Records,
		Alerts:      reportAlerts(res.Alerts),
		NonCritical: reportAlerts(res.NonCritical),
	}
	if err := printReport(cmd.OutOrStdout(), report, opts.asJSON); err != nil {
		return err
	}
	if !report.Valid {
		return withCode(exitInvalid, errors.New("file is invalid"))
	}
	return nil
}

func reportAlerts(alerts []validation.Alert) []alertReport {
	out := make([]alertReport, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertReport{Alert: a, Message: validation.Message(a)})
	}
	return out
}

func printReport(w io.Writer, r validateReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "%s: %d records\n", r.Situation, r.Records)
	for _, a := range r.Alerts {
		fmt.Fprintf(w, "  error   %s\n", a.Message)
	}
	for _, a := range r.NonCritical {
		fmt.Fprintf(w, "  warning %s\n", a.Message)
	}
	return nil
}
