// Package msgstore is the HTTP client for the message store service.
package msgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/chat"
)

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap lets callers test with errors.Is against the chat sentinels.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return chat.ErrNotFound
	case e.Code >= 500:
		return chat.ErrNetwork
	}
	return nil
}

// LoginResponse is returned by Login.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Username    string `json:"username"`
}

// Client talks to the message store REST API. It satisfies chat.Backend.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *zap.Logger
}

func New(baseURL, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
		log:   log,
	}
}

// WithToken returns a copy of c authenticating with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return c.do(ctx, http.MethodPost, "/register", body, nil)
}

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	body := map[string]string{"username": username, "password": password}
	var res LoginResponse
	if err := c.do(ctx, http.MethodPost, "/login", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.Profile, error) {
	var res []chat.Profile
	err := c.do(ctx, http.MethodGet, "/api/users/search?q="+url.QueryEscape(query), nil, &res)
	return res, err
}

func (c *Client) SendMessage(ctx context.Context, out chat.OutgoingMessage) (chat.Message, error) {
	var res struct {
		Message chat.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", out, &res); err != nil {
		return chat.Message{}, err
	}
	return res.Message, nil
}

func (c *Client) FetchTimeline(ctx context.Context, peerID string) ([]chat.Message, *chat.Profile, error) {
	var res struct {
		Messages []chat.Message `json:"messages"`
		Partner  *chat.Profile  `json:"partner"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(peerID), nil, &res); err != nil {
		return nil, nil, err
	}
	return res.Messages, res.Partner, nil
}

func (c *Client) FetchConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	var res struct {
		Conversations []chat.ConversationSummary `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/conversations", nil, &res); err != nil {
		return nil, err
	}
	return res.Conversations, nil
}

func (c *Client) MarkRead(ctx context.Context, peerID string) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(peerID)+"/read", nil, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", chat.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("message store request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
