// Package platform is the HTTP client for the membership platform's private
// API: manage-URL resolution, direct messages, incentive grants and
// membership termination. The recovery engine only depends on these calls'
// contracts; their internals belong to the platform.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrManageURLUnavailable indicates the platform could not produce a billing
// manage link for the membership. A reminder without an actionable link is
// not sent and not counted.
var ErrManageURLUnavailable = errors.New("manage url unavailable")

// Config holds the platform API connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the membership platform API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a platform API client.
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ManageURL resolves the billing-update link for a membership.
func (c *Client) ManageURL(ctx context.Context, companyID, membershipID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}

	path := fmt.Sprintf("/v1/companies/%s/memberships/%s/manage-url", companyID, membershipID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrManageURLUnavailable, err)
	}
	if out.URL == "" {
		return "", ErrManageURLUnavailable
	}

	return out.URL, nil
}

// SendDirectMessage delivers a DM to a user through the platform.
func (c *Client) SendDirectMessage(ctx context.Context, companyID, userID, message string) error {
	body := map[string]string{
		"company_id": companyID,
		"user_id":    userID,
		"message":    message,
	}

	if err := c.do(ctx, http.MethodPost, "/v1/messages", body, nil); err != nil {
		return fmt.Errorf("send direct message: %w", err)
	}

	return nil
}

// GrantFreeDays adds free membership days as a recovery incentive.
func (c *Client) GrantFreeDays(ctx context.Context, companyID, membershipID string, days int) error {
	body := map[string]any{
		"company_id":    companyID,
		"membership_id": membershipID,
		"free_days":     days,
	}

	if err := c.do(ctx, http.MethodPost, "/v1/incentives/free-days", body, nil); err != nil {
		return fmt.Errorf("grant free days: %w", err)
	}

	return nil
}

// TerminateMembership cancels the membership on the platform side.
func (c *Client) TerminateMembership(ctx context.Context, companyID, membershipID string) error {
	path := fmt.Sprintf("/v1/companies/%s/memberships/%s/terminate", companyID, membershipID)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("terminate membership: %w", err)
	}

	return nil
}

// MemberEmail looks up a user's email address for the recovery confirmation.
func (c *Client) MemberEmail(ctx context.Context, companyID, userID string) (string, error) {
	var out struct {
		Email string `json:"email"`
	}

	path := fmt.Sprintf("/v1/companies/%s/users/%s/email", companyID, userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("member email: %w", err)
	}

	return out.Email, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Reclaim/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("platform request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(raw) > 1024 {
			raw = raw[:1024]
		}
		return fmt.Errorf("platform returned %d: %s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode platform response: %w", err)
		}
	}

	return nil
}
