package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// HTTPClient implements Ledger against a chain gateway's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient constructs a gateway-backed ledger client.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("ledger"),
	}
}

// SubmitTransaction posts a signed payload and waits for effects.
func (c *HTTPClient) SubmitTransaction(ctx context.Context, tx Transaction) (*TxResult, error) {
	body, err := json.Marshal(struct {
		Kind   string            `json:"kind"`
		Sender string            `json:"sender"`
		Fields map[string]string `json:"fields"`
	}{Kind: tx.Kind, Sender: tx.Sender, Fields: tx.Fields})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit transaction: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("submit transaction: gateway returned status %d", resp.StatusCode)
	}

	var wire struct {
		Digest        string  `json:"digest"`
		EffectsOK     bool    `json:"effects_ok"`
		FailureReason string  `json:"failure_reason,omitempty"`
		Events        []Event `json:"events,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode transaction result: %w", err)
	}
	return &TxResult{
		Digest:        wire.Digest,
		EffectsOK:     wire.EffectsOK,
		FailureReason: wire.FailureReason,
		Events:        wire.Events,
	}, nil
}

// QueryEvents returns events after the cursor, plus the next cursor.
func (c *HTTPClient) QueryEvents(ctx context.Context, cursor string, limit int) ([]Event, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/events?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("query events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("query events: gateway returned status %d", resp.StatusCode)
	}

	var wire struct {
		Events     []Event `json:"events"`
		NextCursor string  `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, "", fmt.Errorf("decode events: %w", err)
	}
	return wire.Events, wire.NextCursor, nil
}
