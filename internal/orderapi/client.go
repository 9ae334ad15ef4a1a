package orderapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Status is the order state reported by the filler network.
type Status string

const (
	StatusOpen              Status = "open"
	StatusUnverified        Status = "unverified"
	StatusFilled            Status = "filled"
	StatusCancelled         Status = "cancelled"
	StatusExpired           Status = "expired"
	StatusError             Status = "error"
	StatusInsufficientFunds Status = "insufficient-funds"
)

type Order struct {
	OrderID     string `json:"orderId"`
	OrderStatus Status `json:"orderStatus"`
	TxHash      string `json:"txHash,omitempty"`
}

type ordersResponse struct {
	Orders []Order `json:"orders"`
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	RPS     float64
}

type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("order api base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse order api url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	return &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// GetOrders fetches the current status of every hash in one request.
// Hashes unknown to the service are simply absent from the result.
func (c *Client) GetOrders(ctx context.Context, orderHashes []string) ([]Order, error) {
	if len(orderHashes) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	u := c.base.JoinPath("orders")
	q := u.Query()
	q.Set("orderHashes", strings.Join(orderHashes, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get orders: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out ordersResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return out.Orders, nil
}
