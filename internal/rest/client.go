// Package rest is the request/response channel to the sync service: delta
// pulls for conversations, friends, message statuses and the call log, plus
// the credential refresh contract.
//
// Authentication faults (401/422) are retried exactly once after a
// transparent token refresh; the retry state travels with the request, never
// on a shared object. A second failure surfaces as AuthError.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AuthError reports an authentication failure that survived the one-shot
// refresh. Consumers route the user to login on it.
type AuthError struct {
	Status int
	Path   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s (status %d) after token refresh", e.Path, e.Status)
}

// StatusError reports a non-auth HTTP failure.
type StatusError struct {
	Status int
	Path   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Path, e.Status)
}

// Client talks to the sync service REST API. Credentials are cookie-borne;
// the jar is shared with the refresh endpoint so a refresh renews them for
// every subsequent call.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

// New creates a client for the given base URL, e.g. "https://api.bridge.chat/".
func New(baseURL string, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Client{
		base:   base,
		http:   &http.Client{Jar: jar, Timeout: 30 * time.Second},
		logger: logger,
	}, nil
}

// RefreshToken asks the service for a fresh credential pair. The renewed
// cookies land in the shared jar.
func (c *Client) RefreshToken(ctx context.Context) error {
	return c.post(ctx, "users/refresh-token")
}

// ClearToken invalidates the credential pair on logout.
func (c *Client) ClearToken(ctx context.Context) error {
	return c.post(ctx, "users/clear-token")
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode, Path: path}
	}
	return nil
}

// get performs an authenticated GET and decodes the JSON response into out.
// retried tracks whether the refresh-and-retry was already spent for this
// logical request.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.getAttempt(ctx, path, query, out, false)
}

func (c *Client) getAttempt(ctx context.Context, path string, query url.Values, out any, retried bool) error {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusUnprocessableEntity:
		_, _ = io.Copy(io.Discard, resp.Body)
		if retried {
			return &AuthError{Status: resp.StatusCode, Path: path}
		}
		c.logger.Info("credentials rejected, refreshing once", zap.String("path", path))
		if err := c.RefreshToken(ctx); err != nil {
			return &AuthError{Status: resp.StatusCode, Path: path}
		}
		return c.getAttempt(ctx, path, query, out, true)

	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Status: resp.StatusCode, Path: path}
	}
}
