// Package apiclient is the HTTP client for the REST collaborator. Non-2xx
// responses come back as *apperr.Error classified from the status and the
// body's code field, so callers branch on apperr.Kind instead of status codes.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/chat"
)

const DefaultTimeout = 30 * time.Second

// Client talks to the REST API on behalf of one user.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// Signup registers a new account.
func (c *Client) Signup(ctx context.Context, name, email, password string) (chat.User, error) {
	var u chat.User
	err := c.do(ctx, http.MethodPost, "/signup", map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	}, &u)
	return u, err
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (chat.User, string, error) {
	var out struct {
		User  chat.User `json:"user"`
		Token string    `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return chat.User{}, "", err
	}
	c.SetToken(out.Token)
	return out.User, out.Token, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (chat.User, error) {
	var u chat.User
	err := c.do(ctx, http.MethodGet, "/user/me", nil, &u)
	return u, err
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

// FetchChats returns every chat the user belongs to.
func (c *Client) FetchChats(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	err := c.do(ctx, http.MethodGet, "/chat/fetch-chats", nil, &chats)
	return chats, err
}

// CreateChat returns the 1:1 chat with userID, creating it if needed.
func (c *Client) CreateChat(ctx context.Context, userID string) (chat.Chat, error) {
	var ch chat.Chat
	err := c.do(ctx, http.MethodPost, "/chat/create", map[string]string{"userId": userID}, &ch)
	return ch, err
}

// CreateGroup creates a group with the caller as admin.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (chat.Chat, error) {
	var ch chat.Chat
	err := c.do(ctx, http.MethodPost, "/chat/create-group", map[string]interface{}{
		"name":    name,
		"members": memberIDs,
	}, &ch)
	return ch, err
}

// RemoveFromGroup removes memberID from groupID and returns the updated
// snapshot. Only the admin may call it.
func (c *Client) RemoveFromGroup(ctx context.Context, groupID, memberID string) (chat.Chat, error) {
	var ch chat.Chat
	err := c.do(ctx, http.MethodPost, "/chat/remove-from-group", map[string]string{
		"group":  groupID,
		"member": memberID,
	}, &ch)
	return ch, err
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// FetchMessages returns chatID's history in ascending order.
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	var msgs []chat.Message
	err := c.do(ctx, http.MethodGet, "/message/get-messages/"+url.PathEscape(chatID), nil, &msgs)
	return msgs, err
}

// SendMessage persists content in chatID and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (chat.Message, error) {
	var m chat.Message
	err := c.do(ctx, http.MethodPost, "/message/send-message/"+url.PathEscape(chatID),
		map[string]string{"content": content}, &m)
	return m, err
}

// MarkAsRead clears the caller's unread flag on chatID.
func (c *Client) MarkAsRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPut, "/message/mark-as-read/"+url.PathEscape(chatID), nil, nil)
}

// ---------------------------------------------------------------------------
// Request helper
// ---------------------------------------------------------------------------

// envelope is the API's response shape. Signup answers with the bare user
// instead, which is why decode falls back to the whole body.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := fmt.Sprintf("apiclient: %s %s", method, path)

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindUnexpected, op, fmt.Errorf("marshal request: %w", err))
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return apperr.Wrap(apperr.KindUnexpected, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return apperr.Wrap(apperr.KindUnexpected, op, err)
		}
		return apperr.Wrap(apperr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, op, fmt.Errorf("read response: %w", err))
	}

	var env envelope
	// Non-JSON bodies (proxies, panics) still classify by status below.
	_ = json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := apperr.FromStatus(resp.StatusCode, env.Code)
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &apperr.Error{Kind: kind, Op: op, Message: msg}
	}

	if out == nil {
		return nil
	}
	payload := data
	if env.Success != nil {
		payload = env.Data
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
