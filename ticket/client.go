// Package ticket is the REST client for the realtime credential provider.
//
// Tickets are one-time, short-lived credentials used only to authenticate the
// realtime handshake. The session core never handles the long-lived access
// token; it receives an already-issued ticket and must connect promptly
// before it expires.
package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the access token is missing or rejected.
var ErrUnauthorized = errors.New("ticket: unauthorized")

const defaultRequestTimeout = 5 * time.Second

// Ticket is a one-time realtime handshake credential.
type Ticket struct {
	Value     string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the ticket is already past its expiry at now.
func (t Ticket) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenSource supplies the caller's access token per request.
type TokenSource func() string

// Client issues tickets over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

// NewClient constructs a ticket client. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		token:   token,
	}
}

// Issue requests a fresh one-time ticket. Call it immediately before
// connecting: tickets are single-use and expire quickly.
func (c *Client) Issue(ctx context.Context) (Ticket, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/realtime/ticket", nil)
	if err != nil {
		return Ticket{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: issue: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Ticket{}, ErrUnauthorized
	default:
		return Ticket{}, fmt.Errorf("ticket: unexpected status %d", resp.StatusCode)
	}

	var t Ticket
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Ticket{}, fmt.Errorf("ticket: decode: %w", err)
	}
	if strings.TrimSpace(t.Value) == "" {
		return Ticket{}, errors.New("ticket: empty ticket in response")
	}
	return t, nil
}
