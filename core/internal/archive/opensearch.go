package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/taskhub-stack/common/config"
	"github.com/telhawk-systems/taskhub-stack/common/models"
)

// OpenSearchArchive stores events in <prefix>-events with the event id as
// document id. Every search carries a tenant_id term filter.
type OpenSearchArchive struct {
	client *opensearch.Client
	index  string
	cfg    config.OpenSearchConfig
}

func NewOpenSearchArchive(cfg config.OpenSearchConfig) (*OpenSearchArchive, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = "taskhub"
	}
	return &OpenSearchArchive{client: client, index: prefix + "-events", cfg: cfg}, nil
}

// EnsureIndex pings the cluster and creates the events index if it is missing.
func (a *OpenSearchArchive) EnsureIndex(ctx context.Context) error {
	info, err := a.client.Info(a.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	info.Body.Close()
	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	exists, err := a.client.Indices.Exists([]string{a.index}, a.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	shards, replicas := a.cfg.ShardCount, a.cfg.ReplicaCount
	if shards <= 0 {
		shards = 1
	}
	body, err := json.Marshal(map[string]interface{}{
		"settings": map[string]interface{}{
			"number_of_shards":   shards,
			"number_of_replicas": replicas,
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"event_id":   map[string]string{"type": "keyword"},
				"tenant_id":  map[string]string{"type": "keyword"},
				"type":       map[string]string{"type": "keyword"},
				"created_at": map[string]string{"type": "date"},
				"payload":    map[string]interface{}{"type": "object", "enabled": false},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal index settings: %w", err)
	}

	res, err := a.client.Indices.Create(a.index,
		a.client.Indices.Create.WithContext(ctx),
		a.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusBadRequest {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("opensearch error creating index: %s - %s", res.Status(), string(b))
	}
	return nil
}

// Index creates the event document. A 409 means it was archived before.
func (a *OpenSearchArchive) Index(ctx context.Context, ev *models.Event) (bool, error) {
	doc, err := toDocument(ev)
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("failed to marshal document: %w", err)
	}

	res, err := a.client.Create(a.index, ev.ID, bytes.NewReader(body),
		a.client.Create.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("failed to index event: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return false, nil
	}
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return false, fmt.Errorf("opensearch error: %s - %s", res.Status(), string(b))
	}
	return true, nil
}

func (a *OpenSearchArchive) Search(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	filters := []map[string]interface{}{
		{"term": map[string]string{"tenant_id": q.TenantID}},
	}
	if q.Type != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]string{"type": q.Type}})
	}
	if !q.Since.IsZero() {
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"created_at": map[string]string{"gte": q.Since.UTC().Format(time.RFC3339Nano)}},
		})
	}

	searchBody := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
		"size": q.limit(),
		"sort": []map[string]interface{}{
			{"created_at": map[string]string{"order": "desc"}},
		},
	}
	bodyBytes, err := json.Marshal(searchBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := a.client.Search(
		a.client.Search.WithContext(ctx),
		a.client.Search.WithIndex(a.index),
		a.client.Search.WithBody(bytes.NewReader(bodyBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("opensearch error: %s - %s", res.Status(), string(b))
	}

	var result struct {
		Hits struct {
			Hits []struct {
				ID     string   `json:"_id"`
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	docs := make([]Document, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}

var _ Archive = (*OpenSearchArchive)(nil)
