// Package api is the client for the remote chat REST API: conversation
// list, message history and the mutation endpoints. Every mutation
// endpoint answers with the canonical server state of what it changed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	chatsdomain "github.com/kgellert/hodatay-chatsync/internal/chats"
	response "github.com/kgellert/hodatay-chatsync/internal/lib"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
)

const maxResponseSize = 8 << 20

type Config struct {
	// BaseURL of the chat API, e.g. "http://localhost:8082".
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Header returns per-request headers (credentials). May be nil.
	Header func() http.Header
	Logger *slog.Logger
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	header     func() http.Header
	log        *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	log := cfg.Logger
	if log == nil {
		log = sl.Discard()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		header:     cfg.Header,
		log:        log,
	}, nil
}

type listMessagesResponse struct {
	Items      []messagesdomain.Message `json:"items"`
	NextCursor string                   `json:"next_cursor"`
	HasMore    bool                     `json:"has_more"`
}

type messageResponse struct {
	Message messagesdomain.Message `json:"message"`
}

func (c *Client) ListConversations(ctx context.Context, cursor string) (chatsdomain.ListPage, error) {
	const op = "api.ListConversations"

	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page chatsdomain.ListPage
	if err := c.do(ctx, http.MethodGet, "/conversations", q, nil, &page); err != nil {
		return chatsdomain.ListPage{}, fmt.Errorf("%s: %w", op, err)
	}
	return page, nil
}

// GetMessages fetches the page of history older than cursor. An empty
// cursor returns the newest page.
func (c *Client) GetMessages(ctx context.Context, chatID int64, cursor string, limit int) (messagesdomain.Page, error) {
	const op = "api.GetMessages"

	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp listMessagesResponse
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "messages"), q, nil, &resp); err != nil {
		return messagesdomain.Page{}, fmt.Errorf("%s: %w", op, err)
	}

	return messagesdomain.Page{
		Items:      resp.Items,
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, req messagesdomain.SendRequest) (messagesdomain.Message, error) {
	const op = "api.SendMessage"

	var resp messageResponse
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "messages"), nil, req, &resp); err != nil {
		return messagesdomain.Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return resp.Message, nil
}

func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) (messagesdomain.Message, error) {
	const op = "api.EditMessage"

	var resp messageResponse
	path := chatPath(chatID, "messages", strconv.FormatInt(messageID, 10))
	if err := c.do(ctx, http.MethodPatch, path, nil, messagesdomain.EditRequest{Text: text}, &resp); err != nil {
		return messagesdomain.Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return resp.Message, nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) (messagesdomain.Message, error) {
	const op = "api.DeleteMessage"

	var resp messageResponse
	path := chatPath(chatID, "messages", strconv.FormatInt(messageID, 10))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &resp); err != nil {
		return messagesdomain.Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return resp.Message, nil
}

// SetReaction adds (on) or removes the caller's emoji reaction and returns
// the authoritative aggregate for that emoji.
func (c *Client) SetReaction(ctx context.Context, chatID, messageID int64, emoji string, on bool) (messagesdomain.ReactionState, error) {
	const op = "api.SetReaction"

	method := http.MethodPut
	if !on {
		method = http.MethodDelete
	}

	var state messagesdomain.ReactionState
	path := chatPath(chatID, "messages", strconv.FormatInt(messageID, 10), "reactions", emoji)
	if err := c.do(ctx, method, path, nil, nil, &state); err != nil {
		return messagesdomain.ReactionState{}, fmt.Errorf("%s: %w", op, err)
	}
	if state.MessageID == 0 {
		state.MessageID = messageID
	}
	if state.Emoji == "" {
		state.Emoji = emoji
	}
	return state, nil
}

func (c *Client) MarkRead(ctx context.Context, chatID, messageID int64) (messagesdomain.ReadReceipt, error) {
	const op = "api.MarkRead"

	var receipt messagesdomain.ReadReceipt
	req := messagesdomain.SetLastReadMessageRequest{LastReadMessageID: messageID}
	if err := c.do(ctx, http.MethodPatch, chatPath(chatID, "read"), nil, req, &receipt); err != nil {
		return messagesdomain.ReadReceipt{}, fmt.Errorf("%s: %w", op, err)
	}
	if receipt.ConversationID == 0 {
		receipt.ConversationID = chatID
	}
	return receipt, nil
}

func chatPath(chatID int64, parts ...string) string {
	var b strings.Builder
	b.WriteString("/conversations/")
	b.WriteString(strconv.FormatInt(chatID, 10))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.header != nil {
		for k, vs := range c.header() {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}

		var envelope response.ErrorResponse
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}

		c.log.Debug("api request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
