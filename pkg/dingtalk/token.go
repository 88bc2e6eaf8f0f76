package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tinyland-inc/dingclaw/pkg/logger"
)

const (
	DefaultAPIBase  = "https://api.dingtalk.com"
	DefaultOAPIBase = "https://oapi.dingtalk.com"

	accessTokenPath = "/v1.0/oauth2/accessToken"

	// DefaultRefreshMargin is subtracted from the server-reported lifetime.
	DefaultRefreshMargin = 5 * time.Minute
	// MinRefreshMargin is the smallest margin the cache accepts.
	MinRefreshMargin = 60 * time.Second
)

// Credentials is the app key/secret pair issued for a DingTalk robot.
type Credentials struct {
	AppKey    string
	AppSecret string
}

func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.AppKey) != "" && strings.TrimSpace(c.AppSecret) != ""
}

// TokenProvider hands out a currently valid access token.
type TokenProvider interface {
	AccessToken(ctx context.Context) (*oauth2.Token, error)
	Invalidate()
}

// TokenCache caches the app access token and refreshes it lazily.
// Concurrent callers that miss the cache share a single exchange.
type TokenCache struct {
	creds      Credentials
	apiBase    string
	httpClient *http.Client
	margin     time.Duration
	now        func() time.Time

	mu    sync.Mutex
	token *oauth2.Token

	group singleflight.Group
}

type TokenOption func(*TokenCache)

func WithTokenAPIBase(base string) TokenOption {
	return func(c *TokenCache) {
		if base != "" {
			c.apiBase = strings.TrimRight(base, "/")
		}
	}
}

func WithTokenHTTPClient(hc *http.Client) TokenOption {
	return func(c *TokenCache) { c.httpClient = hc }
}

// WithRefreshMargin sets how long before expiry the token is considered
// stale. Values below MinRefreshMargin are raised to it.
func WithRefreshMargin(d time.Duration) TokenOption {
	return func(c *TokenCache) { c.margin = max(d, MinRefreshMargin) }
}

func WithTokenClock(now func() time.Time) TokenOption {
	return func(c *TokenCache) { c.now = now }
}

func NewTokenCache(creds Credentials, opts ...TokenOption) *TokenCache {
	c := &TokenCache{
		creds:      creds,
		apiBase:    DefaultAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		margin:     DefaultRefreshMargin,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token implements oauth2.TokenSource.
func (c *TokenCache) Token() (*oauth2.Token, error) {
	return c.AccessToken(context.Background())
}

// AccessToken returns the cached token, exchanging credentials when the
// cache is empty or within the refresh margin of expiry.
func (c *TokenCache) AccessToken(ctx context.Context) (*oauth2.Token, error) {
	if tok := c.cached(); tok != nil {
		return tok, nil
	}

	ch := c.group.DoChan("access-token", func() (any, error) {
		// A caller that lost the race may find a fresh token already stored.
		if tok := c.cached(); tok != nil {
			return tok, nil
		}
		return c.exchange(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyToken(res.Val.(*oauth2.Token)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached token so the next call re-exchanges.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *TokenCache) cached() *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil || c.token.AccessToken == "" {
		return nil
	}
	if !c.now().Before(c.token.Expiry.Add(-c.margin)) {
		return nil
	}
	return copyToken(c.token)
}

type accessTokenRequest struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int64  `json:"expireIn"`
}

func (c *TokenCache) exchange(ctx context.Context) (*oauth2.Token, error) {
	if !c.creds.Valid() {
		return nil, &AuthError{Err: ErrMissingCredentials}
	}

	body, err := json.Marshal(accessTokenRequest{AppKey: c.creds.AppKey, AppSecret: c.creds.AppSecret})
	if err != nil {
		return nil, &AuthError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+accessTokenPath, bytes.NewReader(body))
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var out accessTokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &AuthError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.AccessToken == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: "no access token in response"}
	}

	tok := &oauth2.Token{
		AccessToken: out.AccessToken,
		TokenType:   "dingtalk",
		Expiry:      c.now().Add(time.Duration(out.ExpireIn) * time.Second),
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	logger.DebugCF("dingtalk", "Access token refreshed", map[string]any{
		"expire_in": out.ExpireIn,
	})
	return tok, nil
}

// errorMessage extracts the human-readable message from a DingTalk error
// body, falling back to the raw text.
func errorMessage(raw []byte) string {
	var body struct {
		Message      string `json:"message"`
		ErrorMessage string `json:"errorMessage"`
		ErrMsg       string `json:"errmsg"`
	}
	if json.Unmarshal(raw, &body) == nil {
		for _, m := range []string{body.Message, body.ErrorMessage, body.ErrMsg} {
			if m != "" {
				return m
			}
		}
	}
	return strings.TrimSpace(string(raw))
}

func copyToken(t *oauth2.Token) *oauth2.Token {
	cp := *t
	return &cp
}
