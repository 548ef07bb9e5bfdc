// Package remote is the request/response client for the chat server's
// user/* endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// AuthHeader carries the session token on authenticated calls.
const AuthHeader = "auth"

const defaultTimeout = 30 * time.Second

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, strings.TrimSpace(e.Body))
}

// Client talks to the chat server over HTTP. Failed calls are not retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client for the server rooted at baseURL. A nil httpClient
// uses a client with a 30 second timeout.
func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logging.OrNop(logger),
	}
}

// SetToken sets the token sent in the auth header. Empty disables the header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login authenticates an existing user.
func (c *Client) Login(ctx context.Context, user *model.Contact) (*model.Contact, error) {
	var out model.Contact
	if err := c.post(ctx, "user/login", user, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Signup registers a new user, typically with only the phone set.
func (c *Client) Signup(ctx context.Context, user *model.Contact) (*model.Contact, error) {
	var out model.Contact
	if err := c.post(ctx, "user/signup", user, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update pushes profile changes and returns the server's copy.
func (c *Client) Update(ctx context.Context, user *model.Contact) (*model.Contact, error) {
	var out model.Contact
	if err := c.post(ctx, "user/update", user, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify submits the SMS verification code. A mismatch is reported as
// false, not as an error.
func (c *Client) Verify(ctx context.Context, userID, code string) (bool, error) {
	body, err := c.get(ctx, "user/verify", url.Values{"userId": {userID}, "code": {code}})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(body)) == "OK", nil
}

// SendMessage posts a message and returns the server's canonical copy.
func (c *Client) SendMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	var out model.Message
	if err := c.post(ctx, "user/sendMessage", m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindRegisteredUser looks a user up by phone. Returns nil when not registered.
func (c *Client) FindRegisteredUser(ctx context.Context, phone string) (*model.Contact, error) {
	return c.findOne(ctx, "user/findRegisteredUser", url.Values{"phone": {phone}})
}

// FindRegisteredUserByID looks a user up by server id. Returns nil when unknown.
func (c *Client) FindRegisteredUserByID(ctx context.Context, id string) (*model.Contact, error) {
	return c.findOne(ctx, "user/findRegisteredUserById", url.Values{"id": {id}})
}

// AckMessage tells the server the message was received. The body is the
// bare message id.
func (c *Client) AckMessage(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, http.MethodPost, "user/ackMessage", nil, []byte(messageID))
	return err
}

// UpdatePushKey registers the device push key for userID.
func (c *Client) UpdatePushKey(ctx context.Context, userID, key string) error {
	_, err := c.get(ctx, "user/updatePushKey", url.Values{"id": {userID}, "key": {key}})
	return err
}

func (c *Client) findOne(ctx context.Context, path string, q url.Values) (*model.Contact, error) {
	body, err := c.get(ctx, path, q)
	if err != nil {
		return nil, err
	}
	var list []model.Contact
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	body, err := c.do(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, q, nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, payload []byte) ([]byte, error) {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("build url for %s: %w", path, err)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if tok := c.currentToken(); tok != "" {
		req.Header.Set(AuthHeader, tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("request failed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(body)}
	}
	c.logger.Debug("request ok", zap.String("method", method), zap.String("path", path))
	return body, nil
}
