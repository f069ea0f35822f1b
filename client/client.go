package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DripResult is the outcome of a drip request as the service reports it.
type DripResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Chain is the state of one configured network.
type Chain struct {
	Network        string     `json:"network"`
	Family         string     `json:"family"`
	State          string     `json:"state"`
	NextNonce      *uint64    `json:"next_nonce,omitempty"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	FundingAddress string     `json:"funding_address,omitempty"`
}

// Drip is a ledger entry.
type Drip struct {
	ID          string       `json:"id"`
	RequesterID string       `json:"requester_id"`
	Address     string       `json:"address"`
	Status      string       `json:"status"`
	Success     bool         `json:"success"`
	RequestedAt time.Time    `json:"requested_at"`
	DurationMS  int64        `json:"duration_ms"`
	Submissions []Submission `json:"submissions"`
}

// Submission is the per-network part of a Drip.
type Submission struct {
	Network  string   `json:"network"`
	Address  string   `json:"address"`
	Success  bool     `json:"success"`
	TxHashes []string `json:"tx_hashes"`
	Nonces   []int64  `json:"nonces"`
	Error    *string  `json:"error,omitempty"`
}

// DripEvent is a drip outcome delivered on the event stream.
type DripEvent struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	Address     string        `json:"address"`
	Status      string        `json:"status"`
	Success     bool          `json:"success"`
	Chains      []ChainResult `json:"chains,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	DurationMS  int64         `json:"duration_ms"`
	PublishedAt time.Time     `json:"published_at"`
}

// ChainResult is the per-network part of a DripEvent.
type ChainResult struct {
	Network  string   `json:"network"`
	Address  string   `json:"address"`
	Success  bool     `json:"success"`
	TxHashes []string `json:"tx_hashes,omitempty"`
	Nonces   []uint64 `json:"nonces,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ListDripsParams filters a ledger listing. Zero values use the server defaults.
type ListDripsParams struct {
	RequesterID string
	Limit       int
	Offset      int
}

// Client is the HTTP client for the dripper service. The service splits its
// routes across a public and an operator listener; point baseURL at the one
// that serves the calls you need.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new dripper service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// WithToken sets the bearer token sent with drip requests.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// Drip asks the service to fund address on behalf of requesterID. Rejections
// such as a cooldown come back as an unsuccessful result, not an error.
func (c *Client) Drip(ctx context.Context, requesterID, address string) (*DripResult, error) {
	body, err := json.Marshal(map[string]string{
		"requester_id": requesterID,
		"address":      address,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/drip", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result struct {
		DripResult
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(raw))
	}
	if result.Error != "" {
		return nil, fmt.Errorf("request failed: %s", result.Error)
	}
	if result.Status == "" {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(raw))
	}

	c.logger.Debug("drip requested",
		"requester_id", requesterID,
		"address", address,
		"status", result.Status,
	)
	return &result.DripResult, nil
}

// Chains lists every configured network and its state.
func (c *Client) Chains(ctx context.Context) ([]*Chain, error) {
	var response struct {
		Chains []*Chain `json:"chains"`
	}
	if err := c.getJSON(ctx, "/api/v1/chains", &response); err != nil {
		return nil, err
	}
	return response.Chains, nil
}

// ListDrips lists ledger entries, newest first.
func (c *Client) ListDrips(ctx context.Context, params ListDripsParams) ([]*Drip, error) {
	q := url.Values{}
	if params.RequesterID != "" {
		q.Set("requester_id", params.RequesterID)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}

	path := "/api/v1/drips"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var response struct {
		Drips []*Drip `json:"drips"`
	}
	if err := c.getJSON(ctx, path, &response); err != nil {
		return nil, err
	}
	return response.Drips, nil
}

// GetDrip fetches one ledger entry.
func (c *Client) GetDrip(ctx context.Context, id string) (*Drip, error) {
	var drip Drip
	if err := c.getJSON(ctx, "/api/v1/drips/"+url.PathEscape(id), &drip); err != nil {
		return nil, err
	}
	return &drip, nil
}

// Health checks that the service is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// ErrStopStream can be returned by a Stream callback to end the stream
// without an error.
var ErrStopStream = errors.New("stop stream")

// Stream reads drip events until ctx is done, the server closes the stream,
// or fn returns an error. An empty status streams every outcome.
func (c *Client) Stream(ctx context.Context, status string, fn func(*DripEvent) error) error {
	u := c.baseURL + "/api/v1/stream/drips"
	if status != "" {
		u += "/" + url.PathEscape(status)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream has no natural end, so only ctx bounds it.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" && (eventType == "" || eventType == "drip") {
				var event DripEvent
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					c.logger.Warn("failed to decode drip event", "error", err)
				} else if err := fn(&event); err != nil {
					if errors.Is(err, ErrStopStream) {
						return nil
					}
					return err
				}
			}
			eventType, data = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading stream: %w", err)
	}
	return nil
}

// Await blocks until an event satisfying matcher arrives or ctx is done.
func (c *Client) Await(ctx context.Context, status string, matcher func(*DripEvent) bool) (*DripEvent, error) {
	var found *DripEvent
	err := c.Stream(ctx, status, func(event *DripEvent) error {
		if matcher(event) {
			found = event
			return ErrStopStream
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errors.New("stream closed before a matching event arrived")
	}
	return found, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
