package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/buildrite/fieldsync/internal/record"
)

// ClientConfig configures the HTTP row-API client.
type ClientConfig struct {
	// BaseURL is the REST endpoint root, e.g. "https://db.example.com/rest/v1".
	BaseURL string

	// APIKey is sent as both the apikey header and the bearer token.
	APIKey string

	// HTTPClient overrides the transport. If nil, a client with a 15s
	// timeout is used.
	HTTPClient *http.Client

	// RealtimeURL, if set, enables Subscribe over the service's websocket
	// endpoint. Without it Subscribe returns an error, which callers treat
	// as realtime-unavailable and fall back to staleness-driven refresh.
	RealtimeURL string
}

// Client talks to a PostgREST-style row API: one route per table, filters
// in the query string, JSON rows in and out. Change subscriptions are
// delegated to a Realtime client when one is configured.
type Client struct {
	base     string
	apiKey   string
	http     *http.Client
	realtime *Realtime
}

// NewClient creates a row-API client.
//
// Example:
//
//	rs, err := remote.NewClient(remote.ClientConfig{
//	    BaseURL: cfg.RemoteURL,
//	    APIKey:  cfg.APIKey,
//	})
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		http:   httpClient,
	}
	if cfg.RealtimeURL != "" {
		rt, err := NewRealtime(RealtimeConfig{URL: cfg.RealtimeURL, APIKey: cfg.APIKey})
		if err != nil {
			return nil, err
		}
		c.realtime = rt
	}
	return c, nil
}

// Subscribe implements Store.Subscribe. Requires a RealtimeURL in the
// client config.
func (c *Client) Subscribe(ctx context.Context, table string) (Subscription, error) {
	if c.realtime == nil {
		return nil, fmt.Errorf("realtime is not configured for this client")
	}
	return c.realtime.Subscribe(ctx, table)
}

// Select implements Store.Select.
func (c *Client) Select(ctx context.Context, table string, q Query) ([]record.Record, error) {
	body, _, err := c.do(ctx, http.MethodGet, table, encodeQuery(q), nil, "")
	if err != nil {
		return nil, err
	}
	return decodeRows(body, "select", table)
}

// SelectByID implements Store.SelectByID.
func (c *Client) SelectByID(ctx context.Context, table, id string) (record.Record, error) {
	rows, err := c.Select(ctx, table, Query{Eq: map[string]string{record.FieldID: id}})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Insert implements Store.Insert.
func (c *Client) Insert(ctx context.Context, table string, rec record.Record) (record.Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode insert payload: %w", err)
	}
	body, _, err := c.do(ctx, http.MethodPost, table, "", payload, "insert")
	if err != nil {
		return nil, err
	}
	return decodeRow(body, "insert", table)
}

// Update implements Store.Update.
func (c *Client) Update(ctx context.Context, table, id string, updates record.Record) (record.Record, error) {
	payload, err := json.Marshal(updates)
	if err != nil {
		return nil, fmt.Errorf("failed to encode update payload: %w", err)
	}
	query := encodeQuery(Query{Eq: map[string]string{record.FieldID: id}})
	body, _, err := c.do(ctx, http.MethodPatch, table, query, payload, "update")
	if err != nil {
		return nil, err
	}
	rec, err := decodeRow(body, "update", table)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &StoreError{Op: "update", Table: table, Code: http.StatusNotFound,
			Err: fmt.Errorf("row %s matched no records", id)}
	}
	return rec, nil
}

// Delete implements Store.Delete.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	query := encodeQuery(Query{Eq: map[string]string{record.FieldID: id}})
	_, status, err := c.do(ctx, http.MethodDelete, table, query, nil, "delete")
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return &StoreError{Op: "delete", Table: table, Code: http.StatusNotFound,
			Err: fmt.Errorf("row %s not found", id)}
	}
	return nil
}

// Probe implements Prober with a HEAD request against the API root.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base+"/", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return &StoreError{Op: "probe", Code: 0, Err: err}
	}
	defer resp.Body.Close()
	// Any answer at all means the service is reachable; auth glitches on
	// the root route don't indicate a dead link.
	return nil
}

func (c *Client) do(ctx context.Context, method, table, rawQuery string, payload []byte, op string) ([]byte, int, error) {
	if op == "" {
		op = strings.ToLower(method)
	}
	u := c.base + "/" + url.PathEscape(table)
	if rawQuery != "" {
		u += "?" + rawQuery
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	c.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &StoreError{Op: op, Table: table, Code: 0, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &StoreError{Op: op, Table: table, Code: 0, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, &StoreError{
			Op: op, Table: table, Code: resp.StatusCode,
			Err: fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}
	return body, resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

// encodeQuery renders a Query in PostgREST filter syntax:
// field=eq.value, field=gte.value, order=field.asc.
func encodeQuery(q Query) string {
	params := url.Values{}
	for _, field := range sortedKeys(q.Eq) {
		params.Add(field, "eq."+q.Eq[field])
	}
	for _, field := range sortedKeys(q.GTE) {
		params.Add(field, "gte."+q.GTE[field])
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		params.Set("order", q.OrderBy+"."+dir)
	}
	return params.Encode()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeRows(body []byte, op, table string) ([]record.Record, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []record.Record{}, nil
	}
	var rows []record.Record
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s response for %s: %w", op, table, err)
	}
	return rows, nil
}

// decodeRow unwraps the single-row representation APIs return for writes.
// Both bare objects and single-element arrays are accepted.
func decodeRow(body []byte, op, table string) (record.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		rows, err := decodeRows(body, op, table)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return rows[0], nil
	}
	var rec record.Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s response for %s: %w", op, table, err)
	}
	return rec, nil
}
