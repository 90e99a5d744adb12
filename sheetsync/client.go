package sheetsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// recordsTable is the remote table financial records are upserted into.
const recordsTable = "/rest/v1/location_financials"

// mappingsTable holds the backend's (systemName, externalId, entityType)
// translation rows. It survives backend key regeneration.
const mappingsTable = "/rest/v1/external_id_mappings"

const locationsTable = "/rest/v1/locations"

// Client is the resilient HTTP client for the remote record store. Writes
// carry Prefer: resolution=merge-duplicates so replays merge instead of
// duplicating rows.
type Client struct {
	baseURL        string
	apiKey         string
	apiKeyHdr      string
	http           *http.Client
	limiter        <-chan time.Time
	maxAttempts    int
	initialBackoff time.Duration
	sleep          func(time.Duration)
}

func NewClient(cfg Config) (*Client, error) {
	creds, err := cfg.Credentials()
	if err != nil {
		return nil, err
	}

	rateLimitPerMin := cfg.RateLimitPerMin
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = 60
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Client{
		baseURL:        strings.TrimRight(creds.BaseURL, "/"),
		apiKey:         creds.APIKey,
		apiKeyHdr:      cfg.APIKeyHeader,
		http:           &http.Client{Timeout: 30 * time.Second},
		limiter:        time.Tick(interval),
		maxAttempts:    maxAttempts,
		initialBackoff: backoff,
		sleep:          time.Sleep,
	}, nil
}

// BatchResult is what SendBatch hands back. It never panics past the call;
// callers branch on Success and Err.
type BatchResult struct {
	Success    bool
	StatusCode int
	Body       string
	Err        error
}

type batchRequest struct {
	Records []CanonicalRecord `json:"records"`
}

// SendBatch upserts one batch. 429 and transport errors are retried with
// exponential backoff (d, 2d, 4d); other 4xx are not retried.
func (c *Client) SendBatch(ctx context.Context, records []CanonicalRecord, batchID string) BatchResult {
	body, err := json.Marshal(batchRequest{Records: records})
	if err != nil {
		return BatchResult{Err: &PermanentAPIError{StatusCode: 0, Body: err.Error()}}
	}

	var last BatchResult
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status, respBody, err := c.do(ctx, http.MethodPost, recordsTable, nil, body, map[string]string{
			"Prefer":       "resolution=merge-duplicates",
			"X-Batch-Id":   batchID,
			"Content-Type": "application/json",
		})
		if err != nil {
			last = BatchResult{StatusCode: 0, Err: &TransientNetworkError{Err: err}}
			c.backoff(attempt)
			continue
		}
		if status >= 200 && status < 300 {
			return BatchResult{Success: true, StatusCode: status, Body: respBody}
		}
		if status == http.StatusTooManyRequests {
			last = BatchResult{StatusCode: status, Body: respBody, Err: &RateLimitError{StatusCode: status, Body: respBody}}
			c.backoff(attempt)
			continue
		}
		if status >= 500 {
			last = BatchResult{StatusCode: status, Body: respBody, Err: &TransientNetworkError{Err: fmt.Errorf("server error %d", status)}}
			c.backoff(attempt)
			continue
		}
		// Remaining 4xx are validation-style rejections; retrying cannot help.
		return BatchResult{StatusCode: status, Body: respBody, Err: &PermanentAPIError{StatusCode: status, Body: respBody}}
	}

	// Retry budget exhausted; the batch fails with the last classification.
	return last
}

// LookupID calls one of the bare-ID RPC endpoints. Response is a bare ID
// string (possibly JSON-quoted) or empty for a definitive miss.
func (c *Client) LookupID(ctx context.Context, rpcPath string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &PermanentAPIError{StatusCode: 0, Body: err.Error()}
	}
	status, respBody, err := c.do(ctx, http.MethodPost, rpcPath, nil, body, map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return "", &TransientNetworkError{Err: err}
	}
	if status == http.StatusTooManyRequests {
		return "", &RateLimitError{StatusCode: status, Body: respBody}
	}
	if status >= 500 {
		return "", &TransientNetworkError{Err: fmt.Errorf("server error %d", status)}
	}
	if status < 200 || status >= 300 {
		return "", &PermanentAPIError{StatusCode: status, Body: respBody}
	}
	id := strings.TrimSpace(respBody)
	id = strings.Trim(id, `"`)
	if id == "null" {
		id = ""
	}
	return id, nil
}

type existingRow struct {
	LocationId string `json:"location_id"`
	Date       string `json:"date"`
}

// ExistingKeys runs the one-per-chunk existence check: a single query keyed
// by the chunk's location IDs and dates instead of one lookup per row.
func (c *Client) ExistingKeys(ctx context.Context, locationIds []string, dates []string) (map[string]bool, error) {
	params := url.Values{}
	params.Set("select", "location_id,date")
	params.Set("location_id", "in.("+strings.Join(locationIds, ",")+")")
	params.Set("date", "in.("+strings.Join(dates, ",")+")")

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status, respBody, err := c.do(ctx, http.MethodGet, recordsTable, params, nil, nil)
		if err != nil {
			lastErr = &TransientNetworkError{Err: err}
			c.backoff(attempt)
			continue
		}
		if status == http.StatusTooManyRequests {
			lastErr = &RateLimitError{StatusCode: status, Body: respBody}
			c.backoff(attempt)
			continue
		}
		if status < 200 || status >= 300 {
			return nil, &PermanentAPIError{StatusCode: status, Body: respBody}
		}

		var rows []existingRow
		if err := json.Unmarshal([]byte(respBody), &rows); err != nil {
			return nil, &PermanentAPIError{StatusCode: status, Body: "malformed existence response: " + err.Error()}
		}
		keys := make(map[string]bool, len(rows))
		for _, row := range rows {
			keys[row.LocationId+"|"+row.Date] = true
		}
		return keys, nil
	}
	return nil, lastErr
}

type mappingUpsert struct {
	SystemName string `json:"system_name"`
	ExternalId string `json:"external_id"`
	EntityType string `json:"entity_type"`
	EntityId   string `json:"entity_id"`
	Notes      string `json:"notes,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// UpsertMapping writes or refreshes one external mapping row. Last write
// wins; replays are harmless.
func (c *Client) UpsertMapping(ctx context.Context, systemName, externalId, entityType, entityId, notes string) error {
	body, err := json.Marshal([]mappingUpsert{{
		SystemName: systemName,
		ExternalId: externalId,
		EntityType: entityType,
		EntityId:   entityId,
		Notes:      notes,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}})
	if err != nil {
		return &PermanentAPIError{StatusCode: 0, Body: err.Error()}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status, respBody, err := c.do(ctx, http.MethodPost, mappingsTable, nil, body, map[string]string{
			"Prefer":       "resolution=merge-duplicates",
			"Content-Type": "application/json",
		})
		if err != nil {
			lastErr = &TransientNetworkError{Err: err}
			c.backoff(attempt)
			continue
		}
		if status == http.StatusTooManyRequests {
			lastErr = &RateLimitError{StatusCode: status, Body: respBody}
			c.backoff(attempt)
			continue
		}
		if status < 200 || status >= 300 {
			return &PermanentAPIError{StatusCode: status, Body: respBody}
		}
		return nil
	}
	return lastErr
}

type locationRow struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// ListLocations pulls the clinic's location registry from the backend.
func (c *Client) ListLocations(ctx context.Context, clinicCode string) ([]locationRow, error) {
	params := url.Values{}
	params.Set("select", "id,code,name,is_active")
	if clinicCode != "" {
		params.Set("clinic_code", "eq."+clinicCode)
	}
	status, respBody, err := c.do(ctx, http.MethodGet, locationsTable, params, nil, nil)
	if err != nil {
		return nil, &TransientNetworkError{Err: err}
	}
	if status < 200 || status >= 300 {
		return nil, &PermanentAPIError{StatusCode: status, Body: respBody}
	}
	var rows []locationRow
	if err := json.Unmarshal([]byte(respBody), &rows); err != nil {
		return nil, &PermanentAPIError{StatusCode: status, Body: "malformed locations response: " + err.Error()}
	}
	return rows, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, headers map[string]string) (int, string, error) {
	if c.limiter != nil {
		<-c.limiter
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(respBody)), nil
}

// backoff sleeps initialBackoff * 2^(attempt-1), but not after the last
// attempt.
func (c *Client) backoff(attempt int) {
	if attempt >= c.maxAttempts {
		return
	}
	c.sleep(c.initialBackoff * time.Duration(1<<(attempt-1)))
}
