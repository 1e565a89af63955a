package authsvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/smazurov/tgrelay/internal/logging"
	"github.com/smazurov/tgrelay/internal/metrics"
)

const (
	defaultRPCTimeout = 30 * time.Second
	maxResponseBytes  = 1 << 20
	breakerName       = "auth-service"
)

// Client speaks the auth service's JSON-over-HTTP protocol.
// It knows nothing about process state; Manager gates calls on readiness.
type Client struct {
	baseURL   string
	http      *http.Client
	timeout   time.Duration
	userAgent string
	breaker   *gobreaker.CircuitBreaker[[]byte]
	logger    logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientHTTPClient sets the underlying HTTP client.
func WithClientHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger logging.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient creates a client for the service at baseURL.
// timeout bounds each call; zero selects 30s.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.GetLogger("auth")
	}

	metrics.SetAuthCircuitState(int(gobreaker.StateClosed))
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) && rpcErr.ClientSide() {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.SetAuthCircuitState(int(to))
		},
	})
	return c
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HealthURL returns the readiness endpoint.
func (c *Client) HealthURL() string {
	return c.baseURL + "/health"
}

// BreakerState returns the circuit breaker state name.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

type phoneRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type verifyCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

type verify2FARequest struct {
	PhoneNumber string `json:"phone_number"`
	Password    string `json:"password"`
}

type logoutRequest struct {
	PhoneNumber *string `json:"phone_number"`
}

// StartLogin asks the service to send a login code to phone.
func (c *Client) StartLogin(ctx context.Context, phone string) (*LoginResult, error) {
	var out LoginResult
	if err := c.call(ctx, "start_login", http.MethodPost, "/start-login", phoneRequest{PhoneNumber: phone}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyCode submits the code received by phone.
func (c *Client) VerifyCode(ctx context.Context, phone, code string) (*LoginResult, error) {
	var out LoginResult
	if err := c.call(ctx, "verify_code", http.MethodPost, "/verify-code", verifyCodeRequest{PhoneNumber: phone, Code: code}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify2FA submits the two-step verification password.
func (c *Client) Verify2FA(ctx context.Context, phone, password string) (*LoginResult, error) {
	var out LoginResult
	if err := c.call(ctx, "verify_2fa", http.MethodPost, "/verify-2fa", verify2FARequest{PhoneNumber: phone, Password: password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelLogin abandons an in-progress login.
func (c *Client) CancelLogin(ctx context.Context, phone string) (*LoginResult, error) {
	var out LoginResult
	if err := c.call(ctx, "cancel_login", http.MethodPost, "/cancel-login", phoneRequest{PhoneNumber: phone}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout ends the session for phone, or the active session when phone is nil.
func (c *Client) Logout(ctx context.Context, phone *string) (*LoginResult, error) {
	var out LoginResult
	if err := c.call(ctx, "logout", http.MethodPost, "/logout", logoutRequest{PhoneNumber: phone}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoginStatus reports the stored session state for phone.
func (c *Client) LoginStatus(ctx context.Context, phone string) (*StatusResult, error) {
	var out StatusResult
	if err := c.call(ctx, "login_status", http.MethodGet, "/login-status/"+url.PathEscape(phone), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one request through the circuit breaker and decodes the response into out.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, op, method, path, in)
	})
	metrics.ObserveAuthRPC(op, time.Since(start), err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("Auth call rejected by circuit breaker", "op", op)
			return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &RPCError{Op: op, Message: "invalid response body", Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, &RPCError{Op: op, Message: "encode request", Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &RPCError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RPCError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RPCError{Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rpcErr := &RPCError{Op: op, Status: resp.StatusCode, Message: errorMessage(data)}
		c.logger.Debug("Auth call failed", "op", op, "status", resp.StatusCode, "message", rpcErr.Message)
		return nil, rpcErr
	}
	return data, nil
}

// errorMessage extracts a readable message from an error body.
// FastAPI reports {"detail": ...}; handlers report {"message": ...}.
func errorMessage(body []byte) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
		if payload.Detail != nil {
			if b, err := json.Marshal(payload.Detail); err == nil {
				return string(b)
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
