// Package kis adapts the Korea Investment & Securities Open API: OAuth2
// session, REST quote snapshots and the real-time trade stream.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

// Config describes one broker account and its endpoints.
type Config struct {
	RESTURL   string // e.g. https://openapi.koreainvestment.com:9443
	WSURL     string // e.g. ws://ops.koreainvestment.com:21000
	AppKey    string
	AppSecret string
	CustType  string // "P" personal, "B" corporate

	RefreshMargin time.Duration // refresh this long before expiry
	HTTPTimeout   time.Duration
	SubscribeRate float64 // control frames per second
	PingInterval  time.Duration
	ReadTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	c.RESTURL = strings.TrimRight(strings.TrimSpace(c.RESTURL), "/")
	c.WSURL = strings.TrimSpace(c.WSURL)
	if c.CustType == "" {
		c.CustType = "P"
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = 10 * time.Minute
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.SubscribeRate <= 0 {
		c.SubscribeRate = 5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type approvalRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// Session holds the bearer token used by REST calls and the approval key
// used by the stream. It is an oauth2.TokenSource.
type Session struct {
	cfg Config
	hc  *http.Client

	mu          sync.RWMutex
	token       *oauth2.Token
	approvalKey string

	retryMin time.Duration
	retryMax time.Duration
	now      func() time.Time
}

func NewSession(cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:      cfg,
		hc:       &http.Client{Timeout: cfg.HTTPTimeout},
		retryMin: time.Second,
		retryMax: time.Minute,
		now:      time.Now,
	}
}

// Authenticate issues a fresh access token and stream approval key.
func (s *Session) Authenticate(ctx context.Context) error {
	tok, err := s.issueToken(ctx)
	if err != nil {
		return err
	}
	key, err := s.issueApprovalKey(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.token = tok
	s.approvalKey = key
	s.mu.Unlock()

	log.Info().Str("component", "kis").Time("expiry", tok.Expiry).Msg("access token issued")
	return nil
}

// Token implements oauth2.TokenSource with the current access token.
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil, fmt.Errorf("no access token: %w", domain.ErrAuth)
	}
	if !s.token.Expiry.IsZero() && !s.token.Expiry.After(s.now()) {
		return nil, fmt.Errorf("access token expired at %s: %w", s.token.Expiry.Format(time.RFC3339), domain.ErrAuth)
	}
	return s.token, nil
}

// ApprovalKey returns the key the stream sends in every control frame.
func (s *Session) ApprovalKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.approvalKey == "" {
		return "", fmt.Errorf("no approval key: %w", domain.ErrAuth)
	}
	return s.approvalKey, nil
}

// Run refreshes the access token RefreshMargin before it expires, retrying
// failed refreshes with backoff, until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	bo := &backoff.Backoff{Min: s.retryMin, Max: s.retryMax, Factor: 2}
	for {
		if !sleepCtx(ctx, s.untilRefresh()) {
			return nil
		}

		for {
			tok, err := s.issueToken(ctx)
			if err == nil {
				s.mu.Lock()
				s.token = tok
				s.mu.Unlock()
				bo.Reset()
				log.Info().Str("component", "kis").Time("expiry", tok.Expiry).Msg("access token refreshed")
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			d := bo.Duration()
			log.Warn().Str("component", "kis").Err(err).Dur("retry_in", d).Msg("token refresh failed")
			if !sleepCtx(ctx, d) {
				return nil
			}
		}
	}
}

func (s *Session) untilRefresh() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil || s.token.Expiry.IsZero() {
		return 0
	}
	d := s.token.Expiry.Add(-s.cfg.RefreshMargin).Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) issueToken(ctx context.Context) (*oauth2.Token, error) {
	body, err := s.postJSON(ctx, "/oauth2/tokenP", tokenRequest{
		GrantType: "client_credentials",
		AppKey:    s.cfg.AppKey,
		AppSecret: s.cfg.AppSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode token: %w: %w", domain.ErrProtocol, err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token: %w", domain.ErrAuth)
	}

	tok := &oauth2.Token{AccessToken: resp.AccessToken, TokenType: resp.TokenType}
	if resp.ExpiresIn > 0 {
		tok.Expiry = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (s *Session) issueApprovalKey(ctx context.Context) (string, error) {
	body, err := s.postJSON(ctx, "/oauth2/Approval", approvalRequest{
		GrantType: "client_credentials",
		AppKey:    s.cfg.AppKey,
		SecretKey: s.cfg.AppSecret,
	})
	if err != nil {
		return "", fmt.Errorf("issue approval key: %w", err)
	}

	var resp approvalResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode approval key: %w: %w", domain.ErrProtocol, err)
	}
	if resp.ApprovalKey == "" {
		return "", fmt.Errorf("empty approval key: %w", domain.ErrAuth)
	}
	return resp.ApprovalKey, nil
}

func (s *Session) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RESTURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return doRequest(s.hc, req)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ oauth2.TokenSource = (*Session)(nil)

