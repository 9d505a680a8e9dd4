// Package httpsource implements remote.Source against a JSON-over-HTTP history
// API. Throttling is reported by the API as 429 with a Retry-After header.
package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/histcache/internal/remote"
)

// StatusError is a non-2xx response other than a rate limit.
type StatusError struct {
	Code    int
	Path    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http %d", e.Path, e.Code)
}

// Client talks to one account of the history API.
type Client struct {
	baseURL    string
	token      string
	pageSize   int
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPageSize sets how many records a listing page asks for.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("httpsource: empty base URL")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("httpsource: parse base URL: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		pageSize:   100,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type wireMessage struct {
	ID         int64        `json:"id"`
	Date       time.Time    `json:"date"`
	EditDate   *time.Time   `json:"edit_date,omitempty"`
	SenderID   int64        `json:"sender_id"`
	Text       string       `json:"text"`
	ReplyTo    *int64       `json:"reply_to,omitempty"`
	PostAuthor string       `json:"post_author,omitempty"`
	Forward    *wireForward `json:"forward,omitempty"`
	Media      *wireMedia   `json:"media,omitempty"`
}

type wireForward struct {
	FromChannelID *int64 `json:"from_channel_id,omitempty"`
	FromUserID    *int64 `json:"from_user_id,omitempty"`
}

type wireMedia struct {
	Class    string `json:"class"`
	Kind     string `json:"kind"`
	Size     int64  `json:"size"`
	FileName string `json:"file_name,omitempty"`
	Ext      string `json:"ext,omitempty"`
	WebPage  bool   `json:"web_page,omitempty"`
}

type wirePage struct {
	Messages []wireMessage `json:"messages"`
	Next     string        `json:"next"`
}

type wireUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsUser    bool   `json:"is_user"`
}

type wireConversation struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func (c *Client) Messages(ctx context.Context, conversationID int64, opts remote.ListOptions) iter.Seq2[*remote.Message, error] {
	return func(yield func(*remote.Message, error) bool) {
		cursor := ""
		for {
			q := url.Values{}
			q.Set("reverse", strconv.FormatBool(opts.Reverse))
			q.Set("limit", strconv.Itoa(c.pageSize))
			if !opts.OffsetDate.IsZero() {
				q.Set("offset_date", opts.OffsetDate.UTC().Format(time.RFC3339))
			}
			if cursor != "" {
				q.Set("cursor", cursor)
			}

			var page wirePage
			path := fmt.Sprintf("/v1/conversations/%d/messages", conversationID)
			if err := c.getJSON(ctx, path, q, &page); err != nil {
				yield(nil, err)
				return
			}
			for i := range page.Messages {
				if !yield(page.Messages[i].toRemote(conversationID), nil) {
					return
				}
			}
			if page.Next == "" || len(page.Messages) == 0 {
				return
			}
			cursor = page.Next
		}
	}
}

func (c *Client) ResolveSender(ctx context.Context, msg *remote.Message) (*remote.Sender, error) {
	if msg.SenderID == 0 {
		return nil, nil
	}
	var u wireUser
	err := c.getJSON(ctx, fmt.Sprintf("/v1/users/%d", msg.SenderID), nil, &u)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &remote.Sender{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
		IsUser:    u.IsUser,
	}, nil
}

func (c *Client) Conversation(ctx context.Context, conversationID int64) (*remote.Conversation, error) {
	var conv wireConversation
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/conversations/%d", conversationID), nil, &conv); err != nil {
		return nil, err
	}
	return &remote.Conversation{ID: conv.ID, Title: conv.Title}, nil
}

func (c *Client) Download(ctx context.Context, msg *remote.Message, dest string) (string, error) {
	path := fmt.Sprintf("/v1/conversations/%d/messages/%d/media", msg.ConversationID, msg.ID)
	resp, err := c.do(ctx, path, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := writeFileAtomic(dest, resp.Body, 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return dest, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

// do issues a GET and returns the response only for 2xx statuses.
func (c *Client) do(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &remote.RateLimitError{Wait: parseRetryAfter(resp.Header.Get("Retry-After")), Op: path}
	}
	var errPayload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &errPayload) != nil || errPayload.Message == "" {
		errPayload.Message = strings.TrimSpace(string(body))
	}
	return nil, &StatusError{Code: resp.StatusCode, Path: path, Message: errPayload.Message}
}

func (w *wireMessage) toRemote(conversationID int64) *remote.Message {
	m := &remote.Message{
		ID:             w.ID,
		ConversationID: conversationID,
		Date:           w.Date.UTC(),
		EditDate:       w.EditDate,
		SenderID:       w.SenderID,
		Text:           w.Text,
		ReplyToID:      w.ReplyTo,
		PostAuthor:     w.PostAuthor,
	}
	if w.Forward != nil {
		m.Forward = &remote.Forward{FromChannelID: w.Forward.FromChannelID, FromUserID: w.Forward.FromUserID}
	}
	if w.Media != nil {
		m.Media = &remote.Media{
			Class:    w.Media.Class,
			Kind:     remote.MediaKind(w.Media.Kind),
			Size:     w.Media.Size,
			FileName: w.Media.FileName,
			Ext:      w.Media.Ext,
			WebPage:  w.Media.WebPage,
		}
	}
	return m
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form. A
// missing or unparsable header yields one second.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return time.Second
}

func writeFileAtomic(path string, r io.Reader, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
