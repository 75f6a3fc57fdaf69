package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPConfig configures the live ServiceNow REST client. The wire dialect
// itself (table API field semantics, sysparm_query grammar) is an external
// concern (§1); this client only needs enough of it to satisfy Client.
type HTTPConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// HTTPClient is a thin REST client against the ServiceNow Table API.
type HTTPClient struct {
	cfg HTTPConfig
	hc  *http.Client
}

// NewHTTP constructs an HTTPClient.
func NewHTTP(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *HTTPClient) Query(ctx context.Context, q Query) ([]Record, error) {
	vals := url.Values{}
	vals.Set("sysparm_query", fmt.Sprintf("sys_updated_on>=%s^ORDERBYsys_updated_on", q.Since.UTC().Format("2006-01-02 15:04:05")))
	vals.Set("sysparm_limit", strconv.Itoa(q.Limit))
	vals.Set("sysparm_offset", strconv.Itoa(q.Offset))

	var records []Record
	if err := c.do(ctx, http.MethodGet, q.Table, "", vals, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *HTTPClient) Get(ctx context.Context, table, sysID string) (Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, table, sysID, nil, nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *HTTPClient) Create(ctx context.Context, table string, fields Record) (Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodPost, table, "", nil, fields, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *HTTPClient) Update(ctx context.Context, table, sysID string, fields Record) (Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodPatch, table, sysID, nil, fields, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *HTTPClient) do(ctx context.Context, method, table, sysID string, query url.Values, body interface{}, out interface{}) error {
	u := fmt.Sprintf("%s/api/now/table/%s", c.cfg.BaseURL, table)
	if sysID != "" {
		u = u + "/" + sysID
	}
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}

	var bodyReader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request %s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upstream response: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("decode upstream response: invalid json")
	}

	// The Table API wraps every payload in {"result": ...}; gjson picks the
	// node out of the raw bytes without us declaring an envelope struct, so
	// a single malformed sibling field elsewhere in the body can't fail the
	// whole ingest.
	result := gjson.GetBytes(data, "result")
	if out != nil && result.Exists() {
		if err := json.Unmarshal([]byte(result.Raw), out); err != nil {
			return fmt.Errorf("decode upstream result: %w", err)
		}
	}
	return nil
}

// StatusError carries the upstream HTTP status so the worker pool can
// classify transient (5xx, 429) vs persistent (other 4xx) failures (§7).
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// Retryable reports whether the status is one the worker pool should retry:
// 5xx or 429 (rate-limited).
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

var _ Client = (*HTTPClient)(nil)
