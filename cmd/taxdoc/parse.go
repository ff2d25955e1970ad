package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/taxintake/internal/parse"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

type parseOptions struct {
	typ       string
	format    string
	languages string
	timeZone  string
	pivot     int
}

func newParseCmd() *cobra.Command {
	var opts parseOptions

	cmd := &cobra.Command{
		Use:   "parse VALUE...",
		Short: "Show how raw cell values are interpreted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, typ, err := opts.parser()
			if err != nil {
				return withCode(exitUsage, err)
			}
			out := cmd.OutOrStdout()
			for _, raw := range args {
				v, err := p.Coerce(raw, typ, opts.format)
				if err != nil {
					fmt.Fprintf(out, "%q\terror\t%v\n", raw, err)
					continue
				}
				fmt.Fprintf(out, "%q\t%s\t%s\n", raw, kindOf(v), validation.FormatValue(v))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.typ, "type", "auto", "Expected type: auto, text, date, number, bool")
	cmd.Flags().StringVar(&opts.format, "format", "", "Explicit date layout or number pattern")
	cmd.Flags().StringVar(&opts.languages, "languages", envOr("PARSER_LANGUAGES", "en,pt"), "Month name languages (BCP 47, comma-separated)")
	cmd.Flags().StringVar(&opts.timeZone, "tz", envOr("PARSER_TIME_ZONE", "UTC"), "Time zone dates are interpreted in")
	cmd.Flags().IntVar(&opts.pivot, "year-pivot", 20, "Two-digit years more than this far ahead belong to the previous century")

	return cmd
}

func (o parseOptions) parser() (*parse.Parser, parse.Type, error) {
	typ, err := parse.ParseType(o.typ)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid --type: %w", err)
	}
	tags, err := parse.ParseLanguages(strings.Split(o.languages, ","))
	if err != nil {
		return nil, 0, fmt.Errorf("invalid --languages: %w", err)
	}
	loc, err := time.LoadLocation(o.timeZone)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid --tz: %w", err)
	}
	p := parse.New(
		parse.WithLanguages(tags...),
		parse.WithLocation(loc),
		parse.WithTwoDigitYearPivot(o.pivot),
	)
	return p, typ, nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "empty"
	case time.Time:
		return "date"
	case decimal.Decimal:
		return "number"
	case bool:
		return "bool"
	}
	return "text"
}
