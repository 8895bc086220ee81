// Package gmail is the live email provider: Gmail over OAuth2.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teslashibe/friday/internal/httpc"
	"github.com/teslashibe/friday/pkg/tools"
)

// State is the OAuth state parameter sent with AuthURL.
const State = "friday-gmail"

// Scopes requested at consent.
var Scopes = []string{
	gmailapi.GmailReadonlyScope,
	gmailapi.GmailSendScope,
}

// Errors.
var (
	ErrNotConfigured    = errors.New("gmail: GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	ErrNotAuthenticated = errors.New("gmail: not authenticated with Gmail")
	ErrInvalidHeader    = errors.New("gmail: line break in header value")
)

const userID = "me"

// Config configures the client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TokenPath    string

	// Endpoint overrides the Gmail API base URL.
	Endpoint string
	// OAuthEndpoint overrides Google's OAuth endpoints.
	OAuthEndpoint *oauth2.Endpoint
	// HTTPClient is used for token exchange and refresh. Nil means the
	// shared client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to Gmail on behalf of one user.
type Client struct {
	oauth     *oauth2.Config
	tokenPath string
	endpoint  string
	baseCtx   context.Context
	logger    *slog.Logger

	mu    sync.RWMutex
	token *oauth2.Token
	svc   *gmailapi.Service
}

var _ tools.Provider = (*Client)(nil)

// New creates a client and loads a stored token if one exists.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrNotConfigured
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = "http://localhost:8080/api/gmail/callback"
	}
	if cfg.TokenPath == "" {
		home, _ := os.UserHomeDir()
		cfg.TokenPath = filepath.Join(home, ".friday", "gmail_token.json")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := google.Endpoint
	if cfg.OAuthEndpoint != nil {
		endpoint = *cfg.OAuthEndpoint
	}

	baseCtx := httpc.OAuthContext(context.Background())
	if cfg.HTTPClient != nil {
		baseCtx = context.WithValue(context.Background(), oauth2.HTTPClient, cfg.HTTPClient)
	}

	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
		tokenPath: cfg.TokenPath,
		endpoint:  cfg.Endpoint,
		baseCtx:   baseCtx,
		logger:    logger.With("component", "gmail"),
	}

	if err := c.loadToken(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("ignoring stored token", "path", c.tokenPath, "error", err)
		}
	}
	return c, nil
}

// IsAuthenticated reports whether a usable token is held. This is the
// capability flag that routes email tools to Gmail.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return usable(c.token)
}

func usable(tok *oauth2.Token) bool {
	return tok != nil && (tok.Valid() || tok.RefreshToken != "")
}

// AuthURL returns the consent URL.
func (c *Client) AuthURL() string {
	return c.oauth.AuthCodeURL(State, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// HandleCallback exchanges the authorization code and stores the token.
func (c *Client) HandleCallback(ctx context.Context, code string) error {
	if code == "" {
		return errors.New("gmail: missing authorization code")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if hc, ok := c.baseCtx.Value(oauth2.HTTPClient).(*http.Client); ok {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}

	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("gmail: failed to exchange code for token: %w", err)
	}

	c.mu.Lock()
	c.token = tok
	c.svc = nil
	c.mu.Unlock()

	if err := c.saveToken(tok); err != nil {
		c.logger.Warn("failed to save token", "error", err)
	}
	c.logger.Info("gmail connected")
	return nil
}

// Disconnect forgets the token and removes it from disk.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.token = nil
	c.svc = nil
	c.mu.Unlock()

	if err := os.Remove(c.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("gmail: failed to remove token file: %w", err)
	}
	c.logger.Info("gmail disconnected")
	return nil
}

// service returns the API service, building it on first use.
func (c *Client) service() (*gmailapi.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !usable(c.token) {
		return nil, ErrNotAuthenticated
	}
	if c.svc != nil {
		return c.svc, nil
	}

	src := &savingSource{
		base:   c.oauth.TokenSource(c.baseCtx, c.token),
		last:   c.token.AccessToken,
		client: c,
	}
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(c.baseCtx, oauth2.ReuseTokenSource(c.token, src))),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := gmailapi.NewService(c.baseCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to create service: %w", err)
	}
	c.svc = svc
	return svc, nil
}

// ListEmails returns the newest count messages as From/Subject/snippet.
func (c *Client) ListEmails(ctx context.Context, count int) ([]tools.Email, error) {
	svc, err := c.service()
	if err != nil {
		return nil, err
	}
	if count < 1 {
		count = tools.DefaultEmailCount
	}

	list, err := svc.Users.Messages.List(userID).MaxResults(int64(count)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail: list messages: %w", err)
	}
	if len(list.Messages) == 0 {
		return []tools.Email{}, nil
	}

	emails := make([]tools.Email, len(list.Messages))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range list.Messages {
		g.Go(func() error {
			msg, err := svc.Users.Messages.Get(userID, m.Id).
				Format("metadata").
				MetadataHeaders("From", "Subject").
				Context(gctx).Do()
			if err != nil {
				return fmt.Errorf("gmail: get message %s: %w", m.Id, err)
			}
			emails[i] = toEmail(msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return emails, nil
}

func toEmail(msg *gmailapi.Message) tools.Email {
	e := tools.Email{From: "Unknown", Subject: "(No Subject)", Body: msg.Snippet}
	if msg.Payload == nil {
		return e
	}
	for _, h := range msg.Payload.Headers {
		switch {
		case strings.EqualFold(h.Name, "Subject") && h.Value != "":
			e.Subject = h.Value
		case strings.EqualFold(h.Name, "From") && h.Value != "":
			e.From = h.Value
		}
	}
	return e
}

// SendEmail sends a plain-text message.
func (c *Client) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	svc, err := c.service()
	if err != nil {
		return "", err
	}
	raw, err := EncodeMessage(to, subject, body)
	if err != nil {
		return "", err
	}
	msg := &gmailapi.Message{Raw: raw}
	if _, err := svc.Users.Messages.Send(userID, msg).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("gmail: send: %w", err)
	}
	return "Email sent successfully to " + to, nil
}

// SearchInternet is not offered by Gmail; the dispatcher never routes it here.
func (c *Client) SearchInternet(context.Context, string) (string, error) {
	return "", fmt.Errorf("gmail: search: %w", tools.ErrUnsupported)
}

// EncodeMessage renders an RFC 2822 message as unpadded base64url. Header
// values may not contain line breaks; a non-ASCII subject is Q-encoded.
func EncodeMessage(to, subject, body string) (string, error) {
	if strings.ContainsAny(to, "\r\n") {
		return "", fmt.Errorf("%w: recipient", ErrInvalidHeader)
	}
	if strings.ContainsAny(subject, "\r\n") {
		return "", fmt.Errorf("%w: subject", ErrInvalidHeader)
	}
	lines := []string{
		"To: " + to,
		"Subject: " + mime.QEncoding.Encode("utf-8", subject),
		`Content-Type: text/plain; charset="UTF-8"`,
		"MIME-Version: 1.0",
		"",
		body,
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(lines, "\r\n"))), nil
}

// loadToken loads the OAuth token from disk.
func (c *Client) loadToken() error {
	data, err := os.ReadFile(c.tokenPath)
	if err != nil {
		return err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = &tok
	c.mu.Unlock()
	return nil
}

// saveToken writes the token with owner-only permissions.
func (c *Client) saveToken(tok *oauth2.Token) error {
	if tok == nil {
		return errors.New("gmail: no token to save")
	}
	if err := os.MkdirAll(filepath.Dir(c.tokenPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.tokenPath, data, 0o600)
}

// savingSource persists refreshed tokens.
type savingSource struct {
	base   oauth2.TokenSource
	client *Client

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()

	if changed {
		s.client.mu.Lock()
		s.client.token = tok
		s.client.mu.Unlock()
		if err := s.client.saveToken(tok); err != nil {
			s.client.logger.Warn("failed to save refreshed token", "error", err)
		}
	}
	return tok, nil
}
