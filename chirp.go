// Package chirp provides the Go client for the Chirp chat service.
//
// Covers the REST API (auth, channels, messages, invites), the realtime
// push connection, and the realtime synchronization layer that merges
// paginated history with live events.
//
// Example:
//
//	client := chirp.NewClient(chirp.WithBaseURL("https://chat.example.com"))
//
//	auth, _ := client.Auth().Login(ctx, &chirp.LoginRequest{Email: email, Password: password})
//
//	rt := client.Realtime(nil)
//	_ = rt.Connect(ctx, auth.Token)
//	defer rt.Disconnect()
//
//	page, _ := client.Messages().History(ctx, 6, 1, 50)
package chirp

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
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the server used when no WithBaseURL option is given.
	DefaultBaseURL = "http://localhost:3333"

	// DefaultTimeout bounds every REST request.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST API client. Construct it once per process and share it;
// all methods are safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger

	auth     *AuthService
	channels *ChannelsService
	messages *MessagesService
	invites  *InvitesService
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the server base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient provides a custom *http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets the auth token up front (e.g. restored from config).
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithLogger attaches a structured logger. The default is a no-op logger so
// the SDK stays silent unless the host application opts in.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Chirp client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.auth = &AuthService{client: c}
	c.channels = &ChannelsService{client: c}
	c.messages = &MessagesService{client: c}
	c.invites = &InvitesService{client: c}
	return c
}

// SetToken sets or updates the auth token, typically after login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current auth token ("" when logged out).
func (c *Client) Token() string {
	return c.token
}

// Auth returns the auth API sub-client.
func (c *Client) Auth() *AuthService { return c.auth }

// Channels returns the channels API sub-client.
func (c *Client) Channels() *ChannelsService { return c.channels }

// Messages returns the messages API sub-client.
func (c *Client) Messages() *MessagesService { return c.messages }

// Invites returns the invitations API sub-client.
func (c *Client) Invites() *InvitesService { return c.invites }

// WSURL returns the websocket URL carrying the given token.
func (c *Client) WSURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// Realtime creates a realtime client bound to this client's server and
// logger. Call Connect on the result to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	cfg.defaults()
	return &RealtimeClient{
		wsURL:      c.WSURL,
		config:     &cfg,
		log:        cfg.Logger,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var parsed struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			apiErr.Message = parsed.Message
		}
		c.log.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth API
// ============================================================================

// AuthService handles registration and session identity.
type AuthService struct{ client *Client }

// Register creates an account and stores the returned token on the client.
func (a *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	data, err := a.client.doRequest(ctx, "POST", "/api/auth/register", req, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[AuthResponse](data)
	if err != nil {
		return nil, err
	}
	a.client.SetToken(resp.Token)
	return resp, nil
}

// Login authenticates and stores the returned token on the client.
func (a *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	data, err := a.client.doRequest(ctx, "POST", "/api/auth/login", req, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[AuthResponse](data)
	if err != nil {
		return nil, err
	}
	a.client.SetToken(resp.Token)
	return resp, nil
}

// Logout invalidates the server session. The local token is cleared even when
// the request fails.
func (a *AuthService) Logout(ctx context.Context) error {
	_, err := a.client.doRequest(ctx, "POST", "/api/auth/logout", nil, nil)
	a.client.SetToken("")
	return err
}

// Me returns the authenticated user.
func (a *AuthService) Me(ctx context.Context) (*UserResponse, error) {
	data, err := a.client.doRequest(ctx, "GET", "/api/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UserResponse](data)
}

// ============================================================================
// Channels API
// ============================================================================

// ChannelsService handles channel membership and administration.
type ChannelsService struct{ client *Client }

// List returns the channels the user belongs to.
func (s *ChannelsService) List(ctx context.Context) ([]ChannelRecord, error) {
	data, err := s.client.doRequest(ctx, "GET", "/api/channels", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Channels []ChannelRecord `json:"channels"`
	}](data)
	if err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// Create creates a channel.
func (s *ChannelsService) Create(ctx context.Context, name string, isPrivate bool) (*ChannelRecord, error) {
	body := map[string]any{"name": name, "isPrivate": isPrivate}
	data, err := s.client.doRequest(ctx, "POST", "/api/channels", body, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Channel ChannelRecord `json:"channel"`
	}](data)
	if err != nil {
		return nil, err
	}
	return &resp.Channel, nil
}

// Join joins a public channel by name.
func (s *ChannelsService) Join(ctx context.Context, name string) (*ChannelRecord, error) {
	data, err := s.client.doRequest(ctx, "POST", "/api/channels/join", map[string]string{"name": name}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Channel ChannelRecord `json:"channel"`
	}](data)
	if err != nil {
		return nil, err
	}
	return &resp.Channel, nil
}

// Leave leaves a channel.
func (s *ChannelsService) Leave(ctx context.Context, channelID int64) error {
	_, err := s.client.doRequest(ctx, "POST", channelPath(channelID)+"/leave", nil, nil)
	return err
}

// Delete deletes a channel. Admin only.
func (s *ChannelsService) Delete(ctx context.Context, channelID int64) error {
	_, err := s.client.doRequest(ctx, "DELETE", channelPath(channelID), nil, nil)
	return err
}

// Members returns the channel's member list.
func (s *ChannelsService) Members(ctx context.Context, channelID int64) ([]ChannelMemberRecord, error) {
	data, err := s.client.doRequest(ctx, "GET", channelPath(channelID)+"/members", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Members []ChannelMemberRecord `json:"members"`
	}](data)
	if err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// Invite invites a user by nickname.
func (s *ChannelsService) Invite(ctx context.Context, channelID int64, nickname string) error {
	_, err := s.client.doRequest(ctx, "POST", channelPath(channelID)+"/invite", map[string]string{"nickname": nickname}, nil)
	return err
}

// Kick kicks a user by nickname.
func (s *ChannelsService) Kick(ctx context.Context, channelID int64, nickname string) error {
	_, err := s.client.doRequest(ctx, "POST", channelPath(channelID)+"/kick", map[string]string{"nickname": nickname}, nil)
	return err
}

// Revoke revokes a user's access by nickname. Admin only, private channels.
func (s *ChannelsService) Revoke(ctx context.Context, channelID int64, nickname string) error {
	_, err := s.client.doRequest(ctx, "POST", channelPath(channelID)+"/revoke", map[string]string{"nickname": nickname}, nil)
	return err
}

func channelPath(channelID int64) string {
	return "/api/channels/" + strconv.FormatInt(channelID, 10)
}

// ============================================================================
// Messages API
// ============================================================================

// MessagesService handles message history and sending.
type MessagesService struct{ client *Client }

// History returns one page of a channel's message history. Pages are 1-based
// and ordered newest-first within each page.
func (s *MessagesService) History(ctx context.Context, channelID int64, page, limit int) (*MessagePage, error) {
	query := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	data, err := s.client.doRequest(ctx, "GET", channelPath(channelID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// Send posts a message. The returned record is informational; the transcript
// copy arrives through the live push path.
func (s *MessagesService) Send(ctx context.Context, channelID int64, text string) (*MessageRecord, error) {
	body := map[string]any{"channelId": channelID, "text": text}
	data, err := s.client.doRequest(ctx, "POST", "/api/messages", body, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Message MessageRecord `json:"message"`
	}](data)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// HistoryFetcher is the history dependency of the channel synchronizer.
type HistoryFetcher interface {
	History(ctx context.Context, channelID int64, page, limit int) (*MessagePage, error)
}

// MessageSender is the send dependency of the channel synchronizer.
type MessageSender interface {
	Send(ctx context.Context, channelID int64, text string) (*MessageRecord, error)
}

var (
	_ HistoryFetcher = (*MessagesService)(nil)
	_ MessageSender  = (*MessagesService)(nil)
)

// ============================================================================
// Invites API
// ============================================================================

// InvitesService handles pending channel invitations.
type InvitesService struct{ client *Client }

// List returns the user's pending invitations.
func (s *InvitesService) List(ctx context.Context) ([]InviteRecord, error) {
	data, err := s.client.doRequest(ctx, "GET", "/api/invites", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Invites []InviteRecord `json:"invites"`
	}](data)
	if err != nil {
		return nil, err
	}
	return resp.Invites, nil
}

// Accept accepts an invitation and returns the joined channel when the
// server includes it.
func (s *InvitesService) Accept(ctx context.Context, inviteID int64) (*ChannelRecord, error) {
	data, err := s.client.doRequest(ctx, "POST", invitePath(inviteID)+"/accept", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Channel *ChannelRecord `json:"channel"`
	}](data)
	if err != nil {
		return nil, err
	}
	return resp.Channel, nil
}

// Reject rejects an invitation.
func (s *InvitesService) Reject(ctx context.Context, inviteID int64) error {
	_, err := s.client.doRequest(ctx, "POST", invitePath(inviteID)+"/reject", nil, nil)
	return err
}

func invitePath(inviteID int64) string {
	return "/api/invites/" + strconv.FormatInt(inviteID, 10)
}
