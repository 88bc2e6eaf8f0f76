package dingtalk

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
)

const tokenHeader = "x-acs-dingtalk-access-token"

// Client makes authenticated JSON calls against the DingTalk OpenAPI.
// It never retries; retry policy belongs to the caller.
type Client struct {
	apiBase    string
	httpClient *http.Client
	tokens     TokenProvider
	robotCode  string
}

type ClientOption func(*Client)

func WithAPIBase(base string) ClientOption {
	return func(c *Client) {
		if base != "" {
			c.apiBase = strings.TrimRight(base, "/")
		}
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRobotCode sets the robot code used by message sends. It defaults to
// the app key for robots created inside an internal app.
func WithRobotCode(code string) ClientOption {
	return func(c *Client) { c.robotCode = code }
}

func NewClient(tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		apiBase:    DefaultAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tokens returns the token provider backing this client.
func (c *Client) Tokens() TokenProvider {
	return c.tokens
}

// Call performs method on path with an optional JSON body and query, and
// returns the raw JSON response. Non-2xx responses yield *APIError; a 401
// also drops the cached token.
func (c *Client) Call(ctx context.Context, method, path string, body any, query url.Values) (json.RawMessage, error) {
	tok, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	requestURL := c.apiBase + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("dingtalk: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("dingtalk: create request: %w", err)
	}
	req.Header.Set(tokenHeader, tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dingtalk: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("dingtalk: read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(raw)) == 0 {
			return json.RawMessage("{}"), nil
		}
		return json.RawMessage(raw), nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = errorMessage(raw)
	}
	return nil, apiErr
}

// BotInfo is the subset of robot metadata the probe reports.
type BotInfo struct {
	Name      string `json:"name"`
	RobotCode string `json:"robotCode"`
	UserID    string `json:"userId"`
}

// BotInfo fetches the robot's own profile.
func (c *Client) BotInfo(ctx context.Context) (*BotInfo, error) {
	raw, err := c.Call(ctx, http.MethodGet, "/v1.0/robot/info", nil, nil)
	if err != nil {
		return nil, err
	}
	var info BotInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("dingtalk: decode bot info: %w", err)
	}
	return &info, nil
}
