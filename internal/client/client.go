// Package client talks to the instafeed API over HTTP and websockets.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"instafeed/internal/auth"
	"instafeed/internal/social"

	"github.com/gorilla/websocket"
)

// APIError is a non-2xx response. Code is set for coded auth failures.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer

	mu      sync.RWMutex
	token   string
	renewer Renewer
}

// Renewer exchanges a rejected access token for a fresh one. It is called with
// the token the backend refused and returns the token to retry with.
type Renewer func(ctx context.Context, stale string) (string, error)

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets the bearer access token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetRenewer installs r. A request rejected with 401 is then renewed and
// retried once. Auth endpoints other than /auth/me are never retried.
func (c *Client) SetRenewer(r Renewer) {
	c.mu.Lock()
	c.renewer = r
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Register(ctx context.Context, email, password, displayName string) (auth.SessionResponse, error) {
	var out auth.SessionResponse
	err := c.do(ctx, http.MethodPost, "/auth/register", auth.RegisterRequest{Email: email, Password: password, DisplayName: displayName}, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.SessionResponse, error) {
	var out auth.SessionResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", auth.LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (auth.TokenResponse, error) {
	var out auth.TokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/refresh", auth.RefreshRequest{RefreshToken: refreshToken}, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", auth.RefreshRequest{RefreshToken: refreshToken}, nil)
}

// Verify checks the current access token and returns its user id.
func (c *Client) Verify(ctx context.Context) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodGet, "/auth/jwt/verify", nil, &out)
	return out.UserID, err
}

func (c *Client) Me(ctx context.Context) (auth.User, error) {
	var out auth.User
	err := c.do(ctx, http.MethodGet, "/auth/me", nil, &out)
	return out, err
}

func (c *Client) ListPosts(ctx context.Context) ([]social.Post, error) {
	var out []social.Post
	err := c.do(ctx, http.MethodGet, "/social/posts", nil, &out)
	return out, err
}

func (c *Client) GetPost(ctx context.Context, id string) (social.Post, error) {
	var out social.Post
	err := c.do(ctx, http.MethodGet, "/social/posts/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CountComments(ctx context.Context, postID string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/social/posts/"+url.PathEscape(postID)+"/comments/count", nil, &out)
	return out.Count, err
}

func (c *Client) CreatePost(ctx context.Context, post social.NewPost) (social.Post, error) {
	var out social.Post
	err := c.do(ctx, http.MethodPost, "/social/posts", post, &out)
	return out, err
}

func (c *Client) ToggleLike(ctx context.Context, postID string) (social.LikeResult, error) {
	var out social.LikeResult
	err := c.do(ctx, http.MethodPost, "/social/posts/"+url.PathEscape(postID)+"/like", nil, &out)
	return out, err
}

func (c *Client) ListComments(ctx context.Context, postID string) ([]social.Comment, error) {
	var out []social.Comment
	err := c.do(ctx, http.MethodGet, "/social/posts/"+url.PathEscape(postID)+"/comments", nil, &out)
	return out, err
}

func (c *Client) AddComment(ctx context.Context, postID, text string) (social.Comment, error) {
	var out social.Comment
	err := c.do(ctx, http.MethodPost, "/social/posts/"+url.PathEscape(postID)+"/comments", social.TextInput{Text: text}, &out)
	return out, err
}

func (c *Client) AddReply(ctx context.Context, postID, commentID, text string) (social.Reply, error) {
	var out social.Reply
	path := "/social/posts/" + url.PathEscape(postID) + "/comments/" + url.PathEscape(commentID) + "/replies"
	err := c.do(ctx, http.MethodPost, path, social.TextInput{Text: text}, &out)
	return out, err
}

func (c *Client) ListReplies(ctx context.Context, commentID string, limit int, after int64) (social.ReplyPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	path := "/social/comments/" + url.PathEscape(commentID) + "/replies"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out social.ReplyPage
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return err
		}
	}

	token := c.Token()
	resp, err := c.send(ctx, method, path, raw, token)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && renewable(path) {
		if fresh, ok := c.renew(ctx, token); ok {
			resp.Body.Close()
			if resp, err = c.send(ctx, method, path, raw, fresh); err != nil {
				return err
			}
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) send(ctx context.Context, method, path string, raw []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if raw != nil {
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

// renew reports false when there is nothing to retry with.
func (c *Client) renew(ctx context.Context, stale string) (string, bool) {
	c.mu.RLock()
	r := c.renewer
	c.mu.RUnlock()
	if r == nil || stale == "" {
		return "", false
	}
	fresh, err := r(ctx, stale)
	if err != nil || fresh == "" || fresh == stale {
		return "", false
	}
	return fresh, true
}

func renewable(path string) bool {
	return !strings.HasPrefix(path, "/auth/") || path == "/auth/me"
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var coded struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &coded) == nil && coded.Code != "" {
		apiErr.Code = coded.Code
		apiErr.Message = coded.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
