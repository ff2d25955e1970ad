// Package elastic is the Elasticsearch adapter for the document store. It
// implements scan.Protocol over search, scroll and mapping APIs, writes
// validated and published rows through the bulk indexer, and classifies
// Elasticsearch errors for the scanner.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/JonMunkholm/taxintake/internal/scan"
)

// Config holds connection and bulk settings.
type Config struct {
	Addresses   []string
	Username    string
	Password    string
	APIKey      string
	BulkWorkers int
	FlushBytes  int
}

// Client wraps an Elasticsearch client.
type Client struct {
	es          *elasticsearch.Client
	bulkWorkers int
	flushBytes  int
}

var _ scan.Protocol = (*Client)(nil)

// New connects a Client. No request is made until first use.
func New(cfg Config) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	c := &Client{es: es, bulkWorkers: cfg.BulkWorkers, flushBytes: cfg.FlushBytes}
	if c.bulkWorkers <= 0 {
		c.bulkWorkers = 2
	}
	if c.flushBytes <= 0 {
		c.flushBytes = 5 << 20
	}
	return c, nil
}

// ResponseError is an Elasticsearch error response.
type ResponseError struct {
	Status int
	Type   string
	Reason string
	Body   string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("elasticsearch: [%d] %s", e.Status, e.Body)
	}
	return fmt.Sprintf("elasticsearch: [%d] %s: %s", e.Status, e.Type, e.Reason)
}

// decodeError builds a ResponseError from an error response body.
func decodeError(res *esapi.Response) error {
	body, _ := io.ReadAll(res.Body)

	var envelope struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	re := &ResponseError{Status: res.StatusCode, Body: string(body)}
	if json.Unmarshal(body, &envelope) == nil {
		re.Type = envelope.Error.Type
		re.Reason = envelope.Error.Reason
	}
	return re
}

// decode closes res after decoding a successful body into out (when not
// nil); error responses become a *ResponseError.
func decode(res *esapi.Response, out any) error {
	defer res.Body.Close()

	if res.IsError() {
		return decodeError(res)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode elasticsearch response: %w", err)
	}
	return nil
}

// QueryBody renders q as an Elasticsearch query. String terms match the
// keyword sub-field created by dynamic mapping.
func QueryBody(q scan.Query) map[string]any {
	if len(q.Terms) == 0 {
		return map[string]any{"query": map[string]any{"match_all": map[string]any{}}}
	}

	filters := make([]any, 0, len(q.Terms))
	for _, field := range sortedKeys(q.Terms) {
		v := q.Terms[field]
		if _, ok := v.(string); ok {
			field += ".keyword"
		}
		filters = append(filters, map[string]any{"term": map[string]any{field: v}})
	}
	return map[string]any{"query": map[string]any{"bool": map[string]any{"filter": filters}}}
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r searchResponse) batch() scan.Batch {
	b := scan.Batch{CursorID: r.ScrollID, Hits: make([]json.RawMessage, 0, len(r.Hits.Hits))}
	for _, h := range r.Hits.Hits {
		b.Hits = append(b.Hits, h.Source)
	}
	return b
}

// Count implements scan.Protocol.
func (c *Client) Count(ctx context.Context, collection string, q scan.Query) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	res, err := c.es.Count(
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(collection),
		c.es.Count.WithBody(esutil.NewJSONReader(QueryBody(q))),
	)
	if err != nil {
		return 0, err
	}
	if err := decode(res, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Search implements scan.Protocol.
func (c *Client) Search(ctx context.Context, collection string, q scan.Query, size int) ([]json.RawMessage, error) {
	var out searchResponse
	opts := []func(*esapi.SearchRequest){
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(collection),
		c.es.Search.WithBody(esutil.NewJSONReader(QueryBody(q))),
		c.es.Search.WithSize(size),
	}
	if len(q.Sort) > 0 {
		opts = append(opts, c.es.Search.WithSort(q.Sort...))
	}
	res, err := c.es.Search(opts...)
	if err != nil {
		return nil, err
	}
	if err := decode(res, &out); err != nil {
		return nil, err
	}
	return out.batch().Hits, nil
}

// OpenScan implements scan.Protocol with a scroll search.
func (c *Client) OpenScan(ctx context.Context, collection string, q scan.Query, batchSize int, lease time.Duration) (scan.Batch, error) {
	var out searchResponse
	opts := []func(*esapi.SearchRequest){
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(collection),
		c.es.Search.WithBody(esutil.NewJSONReader(QueryBody(q))),
		c.es.Search.WithSize(batchSize),
		c.es.Search.WithScroll(lease),
	}
	if len(q.Sort) > 0 {
		opts = append(opts, c.es.Search.WithSort(q.Sort...))
	} else {
		opts = append(opts, c.es.Search.WithSort("_doc"))
	}
	res, err := c.es.Search(opts...)
	if err != nil {
		return scan.Batch{}, err
	}
	if err := decode(res, &out); err != nil {
		return scan.Batch{}, err
	}
	return out.batch(), nil
}

// NextBatch implements scan.Protocol.
func (c *Client) NextBatch(ctx context.Context, cursorID string, lease time.Duration) (scan.Batch, error) {
	var out searchResponse
	res, err := c.es.Scroll(
		c.es.Scroll.WithContext(ctx),
		c.es.Scroll.WithScrollID(cursorID),
		c.es.Scroll.WithScroll(lease),
	)
	if err != nil {
		return scan.Batch{}, err
	}
	if err := decode(res, &out); err != nil {
		return scan.Batch{}, err
	}
	return out.batch(), nil
}

// CloseScan implements scan.Protocol.
func (c *Client) CloseScan(ctx context.Context, cursorID string) error {
	res, err := c.es.ClearScroll(
		c.es.ClearScroll.WithContext(ctx),
		c.es.ClearScroll.WithScrollID(cursorID),
	)
	if err != nil {
		return err
	}
	return decode(res, nil)
}

// HasMapping implements scan.Protocol. A missing index has no mapping.
func (c *Client) HasMapping(ctx context.Context, collection string) (bool, error) {
	var out map[string]struct {
		Mappings struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"mappings"`
	}
	res, err := c.es.Indices.GetMapping(
		c.es.Indices.GetMapping.WithContext(ctx),
		c.es.Indices.GetMapping.WithIndex(collection),
	)
	if err != nil {
		return false, err
	}
	err = decode(res, &out)

	var re *ResponseError
	if errors.As(err, &re) && re.Status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, idx := range out {
		if len(idx.Mappings.Properties) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Ping checks the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	return decode(res, nil)
}

// Index writes docs to collection with the bulk indexer and waits until
// they are searchable.
func (c *Client) Index(ctx context.Context, collection string, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     c.es,
		Index:      collection,
		NumWorkers: c.bulkWorkers,
		FlushBytes: c.flushBytes,
		Refresh:    "wait_for",
	})
	if err != nil {
		return fmt.Errorf("bulk indexer for %s: %w", collection, err)
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	onFailure := func(_ context.Context, _ esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr != nil {
			return
		}
		if err != nil {
			firstErr = err
			return
		}
		firstErr = &ResponseError{Status: res.Status, Type: res.Error.Type, Reason: res.Error.Reason}
	}

	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			_ = bi.Close(ctx)
			return fmt.Errorf("encode %s document: %w", collection, err)
		}
		err = bi.Add(ctx, esutil.BulkIndexerItem{
			Action:    "index",
			Body:      bytes.NewReader(body),
			OnFailure: onFailure,
		})
		if err != nil {
			_ = bi.Close(ctx)
			return fmt.Errorf("index %s: %w", collection, err)
		}
	}
	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("index %s: %w", collection, err)
	}

	if stats := bi.Stats(); stats.NumFailed > 0 {
		mu.Lock()
		defer mu.Unlock()
		return fmt.Errorf("index %s: %d of %d documents failed: %w", collection, stats.NumFailed, len(docs), firstErr)
	}
	return nil
}

// DeleteByTerms removes the documents of collection matching terms. A
// missing collection is not an error.
func (c *Client) DeleteByTerms(ctx context.Context, collection string, terms map[string]any) error {
	res, err := c.es.DeleteByQuery(
		[]string{collection},
		esutil.NewJSONReader(QueryBody(scan.Query{Terms: terms})),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return err
	}
	if err := decode(res, nil); err != nil && Classifier.Classify(err) != scan.KindNoIndex {
		return err
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
