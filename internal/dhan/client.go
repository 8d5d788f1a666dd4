// Package dhan implements the vendor REST and WebSocket wire surface.
//
// The REST client talks to the vendor data APIs:
//   - Quote:      POST /marketfeed/quote        — snapshot quotes with depth
//   - ExpiryList: POST /optionchain/expirylist  — future expiries per underlying
//   - OptionChain: POST /optionchain            — full chain snapshot
//   - Margin:     POST /margincalculator        — strictly proxied, never computed
//
// Every call waits on the shared channel rate limiter first. Vendor policy
// failures (401/403/429) park the channel; callers see ErrChannelBlocked
// until the block expires.
package dhan

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"tradesim/internal/config"
)

// Client is the vendor REST API client. It wraps a resty HTTP client with
// rate limiting, retry on 5xx, and credential headers.
type Client struct {
	http    *resty.Client
	limiter *Limiter
	cfg     config.VendorConfig
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.VendorConfig, limiter *Limiter) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("access-token", cfg.AccessToken).
		SetHeader("client-id", cfg.ClientID)

	// Vendor payloads are large (chain snapshots); decode with goccy.
	httpClient.JSONMarshal = json.Marshal
	httpClient.JSONUnmarshal = json.Unmarshal

	return &Client{http: httpClient, limiter: limiter, cfg: cfg}
}

// SetCredentials rotates the auth headers (credentials table refresh).
func (c *Client) SetCredentials(clientID, accessToken string) {
	c.http.SetHeader("access-token", accessToken)
	c.http.SetHeader("client-id", clientID)
}

// Limiter exposes the shared limiter to the ingestor status surface.
func (c *Client) Limiter() *Limiter { return c.limiter }

// Quote fetches snapshot quotes for up to 1000 instruments grouped by
// segment. Draws from the quote channel (1 rps).
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	if err := c.limiter.Wait(ctx, ChannelQuote); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.QuoteTimeout)
	defer cancel()

	var result QuoteResponse
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(req).
		SetResult(&result).
		Post("/marketfeed/quote")
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	if err := c.checkStatus(resp, ChannelQuote); err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	return &result, nil
}

// ExpiryList returns the future expiries for an underlying.
// Draws from the data channel (5 rps).
func (c *Client) ExpiryList(ctx context.Context, scrip int64, segment string) ([]string, error) {
	if err := c.limiter.Wait(ctx, ChannelData); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.DataTimeout)
	defer cancel()

	var result ExpiryListResponse
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(ChainScripRequest{UnderlyingScrip: scrip, UnderlyingSeg: segment}).
		SetResult(&result).
		Post("/optionchain/expirylist")
	if err != nil {
		return nil, fmt.Errorf("expiry list: %w", err)
	}
	if err := c.checkStatus(resp, ChannelData); err != nil {
		return nil, fmt.Errorf("expiry list: %w", err)
	}
	return result.Data, nil
}

// OptionChain fetches the chain snapshot for (underlying, expiry).
// Draws from the data channel (5 rps).
func (c *Client) OptionChain(ctx context.Context, scrip int64, segment, expiry string) (*OptionChainResponse, error) {
	if err := c.limiter.Wait(ctx, ChannelData); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.DataTimeout)
	defer cancel()

	var result OptionChainResponse
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(ChainScripRequest{UnderlyingScrip: scrip, UnderlyingSeg: segment, Expiry: expiry}).
		SetResult(&result).
		Post("/optionchain")
	if err != nil {
		return nil, fmt.Errorf("option chain: %w", err)
	}
	if err := c.checkStatus(resp, ChannelData); err != nil {
		return nil, fmt.Errorf("option chain: %w", err)
	}
	return &result, nil
}

// Margin proxies a margin calculation to the vendor. The core never
// computes broker margin itself.
func (c *Client) Margin(ctx context.Context, req MarginRequest) (*MarginResponse, error) {
	if err := c.limiter.Wait(ctx, ChannelData); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.DataTimeout)
	defer cancel()

	var result MarginResponse
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(req).
		SetResult(&result).
		Post("/margincalculator")
	if err != nil {
		return nil, fmt.Errorf("margin: %w", err)
	}
	if err := c.checkStatus(resp, ChannelData); err != nil {
		return nil, fmt.Errorf("margin: %w", err)
	}
	return &result, nil
}

// checkStatus maps vendor policy failures to channel blocks.
func (c *Client) checkStatus(resp *resty.Response, ch Channel) error {
	switch resp.StatusCode() {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		c.limiter.Block(ch, AuthBlock)
		return fmt.Errorf("auth failure: status %d: %s", resp.StatusCode(), resp.String())
	case http.StatusTooManyRequests:
		c.limiter.Block(ch, RateLimitBlock)
		return fmt.Errorf("rate limited: status %d", resp.StatusCode())
	default:
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
}
