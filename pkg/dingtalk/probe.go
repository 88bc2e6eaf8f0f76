package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ProbeResult reports whether the credentials can obtain a token.
type ProbeResult struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	AppKey    string `json:"appKey,omitempty"`
	BotName   string `json:"botName,omitempty"`
	BotUserID string `json:"botUserId,omitempty"`
}

type ProbeOptions struct {
	APIBase    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// WithBotInfo also fetches the robot profile after a successful
	// exchange. Failures there do not fail the probe.
	WithBotInfo bool
}

// Probe performs one token exchange to verify reachability and credential
// validity. It has no effect on conversation state.
func Probe(ctx context.Context, creds Credentials, opts ProbeOptions) ProbeResult {
	if !creds.Valid() {
		return ProbeResult{OK: false, Error: ErrMissingCredentials.Error()}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tokens := NewTokenCache(creds, WithTokenAPIBase(opts.APIBase), WithTokenHTTPClient(hc))
	if _, err := tokens.AccessToken(ctx); err != nil {
		return ProbeResult{OK: false, AppKey: creds.AppKey, Error: probeError(err)}
	}

	result := ProbeResult{OK: true, AppKey: creds.AppKey}
	if opts.WithBotInfo {
		client := NewClient(tokens, WithAPIBase(opts.APIBase), WithHTTPClient(hc))
		if info, err := client.BotInfo(ctx); err == nil {
			result.BotName = info.Name
			result.BotUserID = info.UserID
		}
	}
	return result
}

func probeError(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		switch {
		case authErr.StatusCode == http.StatusUnauthorized:
			return "Authentication failed: invalid appKey or appSecret"
		case authErr.StatusCode != 0 && authErr.StatusCode/100 != 2:
			return fmt.Sprintf("API error (%d): %s", authErr.StatusCode, authErr.Message)
		case authErr.StatusCode != 0:
			return "Invalid response from OAuth endpoint"
		case authErr.Err != nil:
			return authErr.Err.Error()
		}
	}
	return err.Error()
}
