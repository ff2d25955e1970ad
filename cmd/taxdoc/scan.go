package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/taxintake/internal/elastic"
	"github.com/JonMunkholm/taxintake/internal/scan"
)

type scanOptions struct {
	addresses string
	username  string
	password  string
	apiKey    string
	terms     []string
	sort      []string
	batchSize int
	lease     time.Duration
	limit     int
	count     bool
}

func newScanCmd() *cobra.Command {
	var opts scanOptions

	cmd := &cobra.Command{
		Use:   "scan COLLECTION",
		Short: "Stream a document-store collection as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.addresses, "addresses", envOr("ELASTIC_ADDRESSES", "http://localhost:9200"), "Comma-separated node URLs")
	cmd.Flags().StringVar(&opts.username, "username", envOr("ELASTIC_USERNAME", ""), "Basic auth user")
	cmd.Flags().StringVar(&opts.password, "password", envOr("ELASTIC_PASSWORD", ""), "Basic auth password")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", envOr("ELASTIC_API_KEY", ""), "API key")
	cmd.Flags().StringArrayVar(&opts.terms, "term", nil, "Exact match filter FIELD=VALUE (repeatable)")
	cmd.Flags().StringSliceVar(&opts.sort, "sort", nil, "Sort fields")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", scan.DefaultBatchSize, "Records per round trip")
	cmd.Flags().DurationVar(&opts.lease, "lease", time.Minute, "Cursor lease between fetches")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Stop after this many records (0 = all)")
	cmd.Flags().BoolVar(&opts.count, "count", false, "Only print the number of matching records")

	return cmd
}

func parseTerms(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	terms := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --term %q, want FIELD=VALUE", p)
		}
		terms[strings.TrimSpace(k)] = v
	}
	return terms, nil
}

func runScan(cmd *cobra.Command, opts scanOptions, collection string) error {
	terms, err := parseTerms(opts.terms)
	if err != nil {
		return withCode(exitUsage, err)
	}

	client, err := elastic.New(elastic.Config{
		Addresses: strings.Split(opts.addresses, ","),
		Username:  opts.username,
		Password:  opts.password,
		APIKey:    opts.apiKey,
	})
	if err != nil {
		return err
	}
	return dump(cmd, client, collection, scan.Query{Terms: terms, Sort: opts.sort}, opts)
}

// dump writes the matching records of collection to the command output.
func dump(cmd *cobra.Command, proto scan.Protocol, collection string, q scan.Query, opts scanOptions) error {
	scanner := scan.New[map[string]any](proto, collection,
		scan.WithBatchSize(opts.batchSize),
		scan.WithLease(opts.lease),
		scan.WithClassifier(elastic.Classifier),
	)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if opts.count {
		n, err := scanner.Count(ctx, q)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
		return nil
	}

	rows, err := scanner.Scan(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(out)
	n := 0
	for rows.Next() {
		if err := enc.Encode(rows.Record()); err != nil {
			return err
		}
		n++
		if opts.limit > 0 && n >= opts.limit {
			break
		}
	}
	return rows.Err()
}
