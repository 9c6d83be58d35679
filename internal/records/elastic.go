package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/jonesrussell/bicrawl/internal/domain"
)

// ElasticConfig holds search-store connection settings.
type ElasticConfig struct {
	Addresses []string
	Username  string
	Password  string `json:"-"`
	Index     string
}

// ElasticStore persists crawl records as documents keyed by URL hash, which
// makes Upsert a plain index operation.
type ElasticStore struct {
	client *es.Client
	index  string
}

// NewElasticStore connects and verifies the cluster is reachable.
func NewElasticStore(cfg ElasticConfig) (*ElasticStore, error) {
	client, err := es.NewClient(es.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	res, err := client.Ping()
	if err != nil {
		return nil, fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("ping elasticsearch: %s", res.String())
	}

	index := cfg.Index
	if index == "" {
		index = "crawl_records"
	}

	return &ElasticStore{client: client, index: index}, nil
}

// GetByURLHash fetches the document with the hash as its ID.
func (s *ElasticStore) GetByURLHash(ctx context.Context, urlHash string) (*domain.CrawlRecord, error) {
	req := esapi.GetRequest{Index: s.index, DocumentID: urlHash}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("get crawl record: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if res.IsError() {
		return nil, fmt.Errorf("get crawl record: %s", res.String())
	}

	var doc struct {
		Source domain.CrawlRecord `json:"_source"`
	}

	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode crawl record: %w", err)
	}

	return &doc.Source, nil
}

// Upsert indexes the record under its URL hash, replacing any existing
// document.
func (s *ElasticStore) Upsert(ctx context.Context, rec *domain.CrawlRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode crawl record: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: rec.URLHash,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("index crawl record: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}()

	if res.IsError() {
		return fmt.Errorf("index crawl record: %s", res.String())
	}

	return nil
}

// Count returns the document count for the index.
func (s *ElasticStore) Count(ctx context.Context) (int64, error) {
	req := esapi.CountRequest{Index: []string{s.index}}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return 0, fmt.Errorf("count crawl records: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		// Index not created yet.
		return 0, nil
	}

	if res.IsError() {
		return 0, fmt.Errorf("count crawl records: %s", res.String())
	}

	var out struct {
		Count int64 `json:"count"`
	}

	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode count: %w", err)
	}

	return out.Count, nil
}

// Close is a no-op; the client holds no persistent connection.
func (s *ElasticStore) Close() error { return nil }
