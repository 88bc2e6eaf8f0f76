package dingtalk

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by operations on a StreamClient after Disconnect.
	ErrClosed = errors.New("dingtalk: stream client closed")
	// ErrMaxReconnect is reported once the reconnect budget is exhausted.
	ErrMaxReconnect = errors.New("dingtalk: max reconnection attempts reached")
	// ErrMissingCredentials is returned when appKey or appSecret is empty.
	ErrMissingCredentials = errors.New("missing credentials (appKey, appSecret)")
)

// AuthError is a failed access-token exchange. It is fatal at startup.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("dingtalk: token exchange failed: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("dingtalk: token exchange failed (%d): %s", e.StatusCode, e.Message)
	default:
		return "dingtalk: token exchange failed: " + e.Message
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the DingTalk OpenAPI. Callers
// inspect it with errors.As:
//
//	var apiErr *dingtalk.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized { ... }
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"requestid,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("dingtalk: API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dingtalk: API error %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsStatus reports whether err is an *APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}

// ConnectTimeoutError means the socket did not open within the bounded wait.
type ConnectTimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("dingtalk: websocket connection to %s timed out after %s", e.Endpoint, e.Timeout)
}

// SocketError wraps a dial, read or write failure on the stream socket.
// It is recovered by the reconnect loop.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("dingtalk: websocket %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }
