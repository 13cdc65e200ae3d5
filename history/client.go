// Package history is the REST client for the paginated message history
// provider.
//
// Pages are fetched against a snapshot timestamp captured once per session
// load, so a page index always resolves to the same content even as new
// messages arrive live. Page 0 is the most recent page; the highest index is
// the oldest accessible page.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatwire/conversation"
)

var (
	// ErrUnauthorized is returned when the access token is missing or invalid.
	ErrUnauthorized = errors.New("history: unauthorized")

	// ErrNotFound is returned when the conversation is unknown to the provider.
	ErrNotFound = errors.New("history: conversation not found")
)

const defaultRequestTimeout = 10 * time.Second

// PageInfo is the provider's paging metadata.
type PageInfo struct {
	Page          int   `json:"page"`
	PerPage       int   `json:"per_page"`
	TotalElements int64 `json:"total_elements"`
	TotalPages    int   `json:"total_pages"`
}

// Page is one fetched window of history.
type Page struct {
	Content []conversation.Message
	Info    PageInfo
}

// TokenSource supplies the caller's access token per request. The session
// core never sees that token; only this HTTP client does.
type TokenSource func() string

// Client fetches history pages over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

// NewClient constructs a history client. httpClient may be nil; token may be
// nil when the provider does not require auth (tests, dev).
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

type wireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ContentType    string    `json:"content_type"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Seq            int64     `json:"seq"`
}

type pageResponse struct {
	Content []wireMessage `json:"content"`
	Info    PageInfo      `json:"info"`
}

// FetchPage retrieves one history page for a conversation. The before
// timestamp pins the result set; pass the same value for every page of one
// session load.
func (c *Client) FetchPage(ctx context.Context, conversationID string, kind conversation.Kind, pageIndex, pageSize int, before time.Time) (Page, error) {
	if conversationID == "" {
		return Page{}, errors.New("history: missing conversation id")
	}
	if pageIndex < 0 {
		return Page{}, fmt.Errorf("history: negative page index %d", pageIndex)
	}
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("history: invalid page size %d", pageSize)
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(pageIndex))
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("before", before.UTC().Format(time.RFC3339Nano))
	if kind != "" {
		q.Set("kind", string(kind))
	}

	endpoint := fmt.Sprintf("%s/api/conversations/%s/history?%s", c.baseURL, url.PathEscape(conversationID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("history: fetch page %d: %w", pageIndex, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Page{}, ErrUnauthorized
	case http.StatusNotFound:
		return Page{}, ErrNotFound
	default:
		return Page{}, fmt.Errorf("history: unexpected status %d", resp.StatusCode)
	}

	var body pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Page{}, fmt.Errorf("history: decode page: %w", err)
	}

	out := Page{Info: body.Info, Content: make([]conversation.Message, 0, len(body.Content))}
	for _, m := range body.Content {
		contentType := conversation.ContentType(m.ContentType)
		if contentType == "" {
			contentType = conversation.ContentText
		}
		out.Content = append(out.Content, conversation.Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			ContentType:    contentType,
			Content:        m.Content,
			Timestamp:      m.Timestamp,
			Seq:            m.Seq,
		})
	}
	return out, nil
}
