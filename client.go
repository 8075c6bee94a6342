// Package chatsync is a client-side chat synchronization engine.
//
// It keeps a per-conversation message timeline consistent across durable
// history, optimistic local sends and pushed deliveries, and manages the
// room subscription of the active conversation over a push channel.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("http://localhost:5000"))
//	login, _ := client.Auth.Login(ctx, &chatsync.LoginOptions{Username: "alice", Password: "..."})
//
//	ch := chatsync.NewWSChannel("http://localhost:5000", &chatsync.ChannelConfig{Token: login.Session})
//	self := chatsync.User{ID: login.User.ID.String(), DisplayName: login.User.Username}
//	sess := chatsync.NewSession(self, ch, client)
//	sess.Start(ctx)
//	sess.Activate(ctx, chatsync.PrivateWith("2"))
//	sess.Send(ctx, "hi")
package chatsync

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
	"time"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second

	// SessionCookie is the name of the datastore's session cookie.
	SessionCookie = "session"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat datastore over HTTP. It implements HistoryFetcher.
type Client struct {
	baseURL    string
	session    string
	httpClient *http.Client

	Auth    *AuthClient
	Users   *UsersClient
	Private *PrivateClient
	Groups  *GroupsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithSession sets the session cookie value from an earlier login.
func WithSession(session string) ClientOption {
	return func(c *Client) { c.session = session }
}

// NewClient creates a datastore client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Private = &PrivateClient{c: c}
	c.Groups = &GroupsClient{c: c}
	return c
}

// BaseURL returns the datastore base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Session returns the current session cookie value.
func (c *Client) Session() string {
	return c.session
}

// SetSession sets or clears the session cookie value.
func (c *Client) SetSession(session string) {
	c.session = session
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: c.session})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return resp, data, apiErr
	}
	return resp, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func do[T any](ctx context.Context, c *Client, method, path string, body interface{}) (*T, error) {
	_, data, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

func toMessages(rows []StoredMessage, conv Conversation) ([]Message, error) {
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		m, err := row.toMessage(conv)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ============================================================================
// HistoryFetcher
// ============================================================================

// FetchPrivateHistory returns the stored messages between the session user
// and peerUserID, oldest first.
func (c *Client) FetchPrivateHistory(ctx context.Context, peerUserID string) ([]Message, error) {
	rows, err := c.Private.Messages(ctx, peerUserID)
	if err != nil {
		return nil, err
	}
	return toMessages(rows, PrivateWith(peerUserID))
}

// FetchGroupHistory returns the stored messages of groupID, oldest first.
func (c *Client) FetchGroupHistory(ctx context.Context, groupID string) ([]Message, error) {
	rows, err := c.Groups.Messages(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return toMessages(rows, Group(groupID))
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient handles the cookie session.
type AuthClient struct{ c *Client }

// Register creates an account. It does not sign in.
func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*RegisterResult, error) {
	if opts == nil || strings.TrimSpace(opts.Username) == "" || strings.TrimSpace(opts.Email) == "" || opts.Password == "" {
		return nil, fmt.Errorf("username, email and password are required")
	}
	return do[RegisterResult](ctx, a.c, http.MethodPost, "/api/register", opts)
}

// Login authenticates and stores the issued session cookie on the client.
func (a *AuthClient) Login(ctx context.Context, opts *LoginOptions) (*LoginResult, error) {
	resp, data, err := a.c.doRequest(ctx, http.MethodPost, "/api/login", opts)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == SessionCookie {
			result.Session = ck.Value
			a.c.session = ck.Value
		}
	}
	if result.Session == "" {
		return nil, fmt.Errorf("login response carried no %s cookie", SessionCookie)
	}
	return result, nil
}

// Logout ends the session and forgets the cookie.
func (a *AuthClient) Logout(ctx context.Context) error {
	_, _, err := a.c.doRequest(ctx, http.MethodPost, "/api/logout", nil)
	a.c.session = ""
	return err
}

// Check reports whether the session is authenticated. An expired session is
// reported as Authenticated=false, not as an error.
func (a *AuthClient) Check(ctx context.Context) (*AuthStatus, error) {
	_, data, err := a.c.doRequest(ctx, http.MethodGet, "/api/check_auth", nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return &AuthStatus{}, nil
		}
		return nil, err
	}
	return decodeJSON[AuthStatus](data)
}

// UsersClient lists the user directory.
type UsersClient struct{ c *Client }

// List returns every user except the session user.
func (u *UsersClient) List(ctx context.Context) ([]DirectoryUser, error) {
	res, err := do[[]DirectoryUser](ctx, u.c, http.MethodGet, "/api/users", nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// PrivateClient reads private conversations.
type PrivateClient struct{ c *Client }

func (p *PrivateClient) Messages(ctx context.Context, peerUserID string) ([]StoredMessage, error) {
	res, err := do[[]StoredMessage](ctx, p.c, http.MethodGet, "/api/private/messages/"+url.PathEscape(peerUserID), nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// StartChat returns the private chat with peerUserID, creating it when it
// does not exist yet.
func (p *PrivateClient) StartChat(ctx context.Context, peerUserID string) (*PrivateChatInfo, error) {
	return do[PrivateChatInfo](ctx, p.c, http.MethodPost, "/api/private/start-chat/"+url.PathEscape(peerUserID), nil)
}

func (p *PrivateClient) Chats(ctx context.Context) ([]PrivateChatInfo, error) {
	res, err := do[[]PrivateChatInfo](ctx, p.c, http.MethodGet, "/api/private/chats", nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// GroupsClient handles group directory and membership.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) List(ctx context.Context) ([]GroupInfo, error) {
	res, err := do[[]GroupInfo](ctx, g.c, http.MethodGet, "/api/groups", nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// Mine returns the groups the session user belongs to.
func (g *GroupsClient) Mine(ctx context.Context) ([]GroupInfo, error) {
	res, err := do[[]GroupInfo](ctx, g.c, http.MethodGet, "/api/groups/my", nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (g *GroupsClient) Create(ctx context.Context, opts *CreateGroupOptions) (*CreateGroupResult, error) {
	if opts == nil || strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("group name is required")
	}
	return do[CreateGroupResult](ctx, g.c, http.MethodPost, "/api/groups/create", opts)
}

// Join adds the session user to groupID. Joining a group twice succeeds.
func (g *GroupsClient) Join(ctx context.Context, groupID string) (string, error) {
	res, err := do[struct {
		Message string `json:"message"`
	}](ctx, g.c, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/join", nil)
	if err != nil {
		return "", err
	}
	return res.Message, nil
}

func (g *GroupsClient) Messages(ctx context.Context, groupID string) ([]StoredMessage, error) {
	res, err := do[[]StoredMessage](ctx, g.c, http.MethodGet, "/api/groups/"+url.PathEscape(groupID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (g *GroupsClient) Members(ctx context.Context, groupID string) ([]DirectoryUser, error) {
	res, err := do[[]DirectoryUser](ctx, g.c, http.MethodGet, "/api/groups/"+url.PathEscape(groupID)+"/members", nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}
