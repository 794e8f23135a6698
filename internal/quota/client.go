// Package quota reports payment outcomes to the subscription service that
// owns tiers and quotas.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Status is a subscription's payment standing.
type Status string

const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
)

// Client is an authenticated REST client for the subscription service.
type Client struct {
	baseURL  string
	adminKey string
	http     *http.Client
}

func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		baseURL:  baseURL,
		adminKey: adminKey,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.adminKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

type paymentStatusBody struct {
	Tier   string `json:"tier"`
	Status Status `json:"status"`
}

// ReportPaymentStatus sets the payment standing of identity's subscription.
func (c *Client) ReportPaymentStatus(ctx context.Context, identity, tier string, status Status) error {
	path := "/api/subscriptions/" + url.PathEscape(identity) + "/payment-status"
	resp, err := c.do(ctx, http.MethodPost, path, paymentStatusBody{Tier: tier, Status: status})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("quota ReportPaymentStatus %s: status %d: %s", identity, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
