// Package gateway reads the payment gateway's transaction log over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trading-ledger/config"
	"trading-ledger/internal/core/domain"

	"github.com/rs/zerolog"
)

// Client implements ports.GatewayClient.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(cfg config.GatewayConfig, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// FetchTransactions returns one page of gateway transactions created in
// [start, end). An empty cursor requests the first page.
func (c *Client) FetchTransactions(ctx context.Context, start, end time.Time, cursor string, limit int) (*domain.GatewayPage, error) {
	q := url.Values{}
	q.Set("created_gte", start.UTC().Format(time.RFC3339))
	q.Set("created_lt", end.UTC().Format(time.RFC3339))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("starting_after", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transactions?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var page domain.GatewayPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding gateway page: %w", err)
	}

	c.log.Debug().
		Int("count", len(page.Data)).
		Bool("has_more", page.HasMore).
		Str("cursor", cursor).
		Msg("gateway page fetched")
	return &page, nil
}
