// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/pushmatrix/lib/netutil"
	"github.com/bureau-foundation/pushmatrix/lib/ref"
	"github.com/bureau-foundation/pushmatrix/lib/secret"
	"github.com/bureau-foundation/pushmatrix/lib/version"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver.
	HomeserverURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is an unauthenticated Matrix client.
// It holds the homeserver URL and HTTP transport, shared across sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates a new unauthenticated Matrix client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}

	// Request URLs are built by concatenating the base string with
	// already-escaped paths; url.URL.String() would re-encode them.
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must be http or https", config.HomeserverURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		userAgent:  version.UserAgent(),
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Login authenticates with username and password, returning a DirectSession.
// The password Buffer is read but not closed; the caller retains ownership.
//
// A 403 M_FORBIDDEN answer is reported as KindAccountNotFound so callers
// can fall through to registration.
func (c *Client) Login(ctx context.Context, request LoginRequest) (*DirectSession, error) {
	if request.Username == "" {
		return nil, fmt.Errorf("messaging: username is required for login")
	}
	if request.Password == nil {
		return nil, fmt.Errorf("messaging: password is required for login")
	}

	// Password is converted to string at the JSON serialization boundary.
	body := loginBody{
		Type: "m.login.password",
		Identifier: userIdentifier{
			Type: "m.id.user",
			User: request.Username,
		},
		Password:                 request.Password.String(),
		DeviceID:                 request.DeviceID,
		InitialDeviceDisplayName: request.InitialDeviceDisplayName,
	}

	response, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, body)
	if err != nil {
		return nil, fmt.Errorf("messaging: login failed: %w", classifyLogin(err))
	}

	var authResponse AuthResponse
	if err := json.Unmarshal(response, &authResponse); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse login response: %w", err)
	}

	c.logger.Info("logged in to matrix",
		"user_id", authResponse.UserID,
		"device_id", authResponse.DeviceID,
	)

	return c.sessionFromAuth(&authResponse)
}

// Register creates a new account and returns a DirectSession for it.
//
// Registration goes through user-interactive authentication: the first
// request is sent without auth and the homeserver answers 401 with a
// session ID and the flows it accepts. The second request completes the
// m.login.registration_token stage when a token is supplied, and the
// m.login.dummy stage otherwise.
func (c *Client) Register(ctx context.Context, request RegisterRequest) (*DirectSession, error) {
	if request.Username == "" {
		return nil, fmt.Errorf("messaging: username is required for registration")
	}
	if request.Password == nil {
		return nil, fmt.Errorf("messaging: password is required for registration")
	}

	firstAttempt := registerBody{
		Username:                 request.Username,
		Password:                 request.Password.String(),
		DeviceID:                 request.DeviceID,
		InitialDeviceDisplayName: request.InitialDeviceDisplayName,
	}
	response, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", nil, firstAttempt)
	if err == nil {
		return c.finishRegistration(response)
	}
	if !isUnauthorizedUIAA(err) {
		return nil, fmt.Errorf("messaging: registration failed: %w", err)
	}

	sessionID, err := extractUIAASession(response)
	if err != nil {
		return nil, err
	}

	auth := map[string]any{
		"type":    "m.login.dummy",
		"session": sessionID,
	}
	if request.RegistrationToken != nil && request.RegistrationToken.Len() > 0 {
		auth["type"] = "m.login.registration_token"
		auth["token"] = request.RegistrationToken.String()
	}
	complete := firstAttempt
	complete.Auth = auth

	response, err = c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", nil, complete)
	if err != nil {
		return nil, fmt.Errorf("messaging: registration failed: %w", err)
	}
	return c.finishRegistration(response)
}

func (c *Client) finishRegistration(response []byte) (*DirectSession, error) {
	var authResponse AuthResponse
	if err := json.Unmarshal(response, &authResponse); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse register response: %w", err)
	}
	if authResponse.AccessToken == "" {
		return nil, fmt.Errorf("messaging: registration for %s returned no access token", authResponse.UserID)
	}

	c.logger.Info("registered matrix account",
		"user_id", authResponse.UserID,
		"device_id", authResponse.DeviceID,
	)
	return c.sessionFromAuth(&authResponse)
}

// SessionFromToken creates a DirectSession from an existing access token.
// The token is not validated; the first API call fails if it is invalid.
// The caller must call Close on the returned DirectSession when done.
func (c *Client) SessionFromToken(userID ref.UserID, deviceID, accessToken string) (*DirectSession, error) {
	tokenBuffer, err := secret.NewFromString(accessToken)
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	return &DirectSession{
		client:      c,
		accessToken: tokenBuffer,
		userID:      userID,
		deviceID:    deviceID,
	}, nil
}

func (c *Client) sessionFromAuth(auth *AuthResponse) (*DirectSession, error) {
	return c.SessionFromToken(auth.UserID, auth.DeviceID, auth.AccessToken)
}

// doRequest performs a JSON request to the homeserver and returns the
// response body. On 4xx/5xx the body is returned alongside a *MatrixError
// so UIAA callers can read the session out of a 401.
func (c *Client) doRequest(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody any, query ...url.Values) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	var values url.Values
	if len(query) > 0 {
		values = query[0]
	}
	return c.doRequestRaw(ctx, method, path, values, accessToken, contentType, bodyReader)
}

// doRequestRaw performs a request with a raw body (media upload) or no
// body at all (media download, where the response is not JSON).
func (c *Client) doRequestRaw(ctx context.Context, method, path string, query url.Values, accessToken *secret.Buffer, contentType string, body io.Reader) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}

	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if accessToken != nil {
		request.Header.Set("Authorization", "Bearer "+accessToken.String())
	}
	request.Header.Set("User-Agent", c.userAgent)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		// Proxies in front of the homeserver answer with HTML; keep the
		// status so KindOf can still classify it.
		matrixErr = MatrixError{
			Code:    "M_UNKNOWN",
			Message: truncate(string(responseBody), 200),
		}
	}
	matrixErr.StatusCode = response.StatusCode

	return responseBody, &matrixErr
}

// isUnauthorizedUIAA reports whether err is the 401 that opens a
// user-interactive authentication flow.
func isUnauthorizedUIAA(err error) bool {
	var matrixErr *MatrixError
	return errors.As(err, &matrixErr) && matrixErr.StatusCode == http.StatusUnauthorized
}

// extractUIAASession extracts the session ID from a UIAA 401 response.
func extractUIAASession(body []byte) (string, error) {
	var uiaaResponse struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(body, &uiaaResponse); err != nil {
		return "", fmt.Errorf("messaging: failed to parse UIAA response: %w", err)
	}
	if uiaaResponse.Session == "" {
		return "", fmt.Errorf("messaging: UIAA response missing session ID")
	}
	return uiaaResponse.Session, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
