// Package tracker mirrors run status to an external tracking table. The
// tracker is best-effort: it never fails the pipeline, and records that
// cannot be delivered are buffered locally and replayed later.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jmpublishing/bookpress/internal/config"
)

// Record is one status update for a run.
type Record struct {
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage"`
	Status    string         `json:"status"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Client delivers records to the tracking table.
type Client interface {
	Upsert(ctx context.Context, rec Record) error
}

// AirtableClient talks to the Airtable REST API. One row per run, keyed by
// the "Run ID" field; record IDs are cached so repeat updates skip the
// lookup round trip.
type AirtableClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	ids     *cache.Cache
}

// NewAirtableClient creates a tracker client from config.
func NewAirtableClient(cfg config.TrackerConfig) (*AirtableClient, error) {
	if cfg.APIKey == "" || cfg.BaseID == "" {
		return nil, fmt.Errorf("tracker api key and base id are required")
	}
	return &AirtableClient{
		apiKey:  cfg.APIKey,
		baseURL: fmt.Sprintf("https://api.airtable.com/v0/%s/%s", cfg.BaseID, url.PathEscape(cfg.Table)),
		http:    &http.Client{Timeout: 15 * time.Second},
		ids:     cache.New(1*time.Hour, 10*time.Minute),
	}, nil
}

// newAirtableClientForTest builds a client against a local test server.
func newAirtableClientForTest(baseURL string) *AirtableClient {
	return &AirtableClient{
		apiKey:  "test",
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		ids:     cache.New(1*time.Hour, 10*time.Minute),
	}
}

type airtableRecord struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

type airtableList struct {
	Records []airtableRecord `json:"records"`
}

// Upsert creates the run's row on first contact and updates it afterwards.
func (c *AirtableClient) Upsert(ctx context.Context, rec Record) error {
	fields := map[string]any{
		"Run ID":       rec.RunID,
		"Status":       rec.Status,
		"Stage":        rec.Stage,
		"Last Updated": rec.Timestamp.Format(time.RFC3339),
	}
	for k, v := range rec.Fields {
		fields[k] = v
	}

	recordID, err := c.recordID(ctx, rec.RunID)
	if err != nil {
		return err
	}

	if recordID == "" {
		created, err := c.create(ctx, fields)
		if err != nil {
			return err
		}
		c.ids.Set(rec.RunID, created, cache.DefaultExpiration)
		return nil
	}
	return c.update(ctx, recordID, fields)
}

// recordID returns the Airtable record id for a run, or "" when no row
// exists yet.
func (c *AirtableClient) recordID(ctx context.Context, runID string) (string, error) {
	if id, ok := c.ids.Get(runID); ok {
		return id.(string), nil
	}

	formula := url.QueryEscape(fmt.Sprintf(`{Run ID}="%s"`, runID))
	var list airtableList
	if err := c.do(ctx, http.MethodGet, c.baseURL+"?filterByFormula="+formula, nil, &list); err != nil {
		return "", err
	}
	if len(list.Records) == 0 {
		return "", nil
	}

	id := list.Records[0].ID
	c.ids.Set(runID, id, cache.DefaultExpiration)
	return id, nil
}

func (c *AirtableClient) create(ctx context.Context, fields map[string]any) (string, error) {
	body := map[string]any{"records": []airtableRecord{{Fields: fields}}}
	var resp airtableList
	if err := c.do(ctx, http.MethodPost, c.baseURL, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Records) == 0 {
		return "", fmt.Errorf("tracker create returned no record")
	}
	return resp.Records[0].ID, nil
}

func (c *AirtableClient) update(ctx context.Context, recordID string, fields map[string]any) error {
	body := map[string]any{"records": []airtableRecord{{ID: recordID, Fields: fields}}}
	return c.do(ctx, http.MethodPatch, c.baseURL, body, nil)
}

func (c *AirtableClient) do(ctx context.Context, method, reqURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode tracker request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build tracker request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tracker returned status %d: %s", resp.StatusCode, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to parse tracker response: %w", err)
		}
	}
	return nil
}
