// Package authapi is a thin JSON client for the platform's REST auth endpoints.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hongminglow/edu-session/internal/models"
)

// Endpoint paths relative to the API base URL.
const (
	PathLogin       = "/users/auth/login/"
	PathRegister    = "/users/auth/register/"
	PathRefresh     = "/users/auth/refresh/"
	PathVerify      = "/users/auth/verify/"
	PathCurrentUser = "/users/users/me/"
)

const maxBodyBytes = 1 << 20

// ErrEmptyResponse is returned when a call that must yield data got none.
var ErrEmptyResponse = errors.New("empty response body")

// APIError is a non-2xx response. Message is the backend's detail or error
// field, or a generic fallback.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Client issues requests against one API base URL.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a logger for per-request debug output.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL, e.g. "http://127.0.0.1:8000/api".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login exchanges credentials for tokens and the user snapshot.
func (c *Client) Login(ctx context.Context, email, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	ok, err := c.Do(ctx, http.MethodPost, PathLogin, "", models.LoginRequest{Email: email, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyResponse
	}
	return &out, nil
}

// Register creates an identity. The payload is forwarded as-is.
func (c *Client) Register(ctx context.Context, payload map[string]any) (*models.AuthResponse, error) {
	var out models.AuthResponse
	ok, err := c.Do(ctx, http.MethodPost, PathRegister, "", payload, &out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyResponse
	}
	return &out, nil
}

// Refresh mints a new access token from a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var out models.RefreshResponse
	ok, err := c.Do(ctx, http.MethodPost, PathRefresh, "", models.RefreshRequest{Refresh: refreshToken}, &out)
	if err != nil {
		return "", err
	}
	if !ok || out.Access == "" {
		return "", ErrEmptyResponse
	}
	return out.Access, nil
}

// Verify asks the backend whether accessToken is still valid and returns its detail message.
func (c *Client) Verify(ctx context.Context, accessToken string) (string, error) {
	var out models.DetailResponse
	if _, err := c.Do(ctx, http.MethodPost, PathVerify, accessToken, nil, &out); err != nil {
		return "", err
	}
	return out.Detail, nil
}

// CurrentUser fetches the user that owns accessToken.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*models.AuthUser, error) {
	var out models.AuthUser
	ok, err := c.Do(ctx, http.MethodGet, PathCurrentUser, accessToken, nil, &out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyResponse
	}
	return &out, nil
}

// Do sends a JSON request to path. token, when set, is sent as a bearer
// credential. The boolean reports whether a JSON body was decoded into out;
// 204 and non-JSON success responses report false with a nil error.
func (c *Client) Do(ctx context.Context, method, path, token string, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("request_id", requestID),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("request completed",
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 || !isJSON(resp.Header.Get("Content-Type")) {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
	}
	return true, nil
}

func errorMessage(status int, raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "An error occurred"
	}
	for _, field := range []string{"detail", "error"} {
		if s, ok := body[field].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
