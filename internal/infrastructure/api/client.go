package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
	"marketplace-sync/pkg/logger"
)

const DefaultTimeout = 15 * time.Second

type Option func(*HTTPClient)

func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *HTTPClient) { c.httpClient.Timeout = timeout }
}

// HTTPClient is the domain.RemoteAPI of the marketplace REST backend.
type HTTPClient struct {
	baseURL      string
	httpClient   *http.Client
	tokens       domain.TokenProvider
	unauthorized domain.UnauthorizedReporter
	log          logger.Logger
}

func NewHTTPClient(
	baseURL string,
	tokens domain.TokenProvider,
	unauthorized domain.UnauthorizedReporter,
	log logger.Logger,
	opts ...Option,
) *HTTPClient {
	c := &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		tokens:       tokens,
		unauthorized: unauthorized,
		log:          log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Do sends body as JSON and returns the raw response body. Failures are
// ierr.Error values; a 401 is also reported to the session watcher.
func (c *HTTPClient) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("marshal request: %w", err))
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, ierr.New(ierr.ErrorCodeUnavailable, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnavailable, fmt.Errorf("read %s %s: %w", method, path, err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(data), nil
	}

	apiErr := errorFromResponse(resp.StatusCode, data)
	c.log.Warn("Remote call failed", "method", method, "path", path, "status", resp.StatusCode, "error", apiErr)

	if resp.StatusCode == http.StatusUnauthorized && c.unauthorized != nil {
		c.unauthorized.ReportUnauthorized(fmt.Sprintf("%s %s returned 401", method, path))
	}
	return nil, apiErr
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// errorFromResponse maps the status to an error code and keeps the
// server's message, so "bid too low" reaches the caller unchanged.
func errorFromResponse(status int, data []byte) error {
	message := strings.TrimSpace(string(data))

	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case body.Message != "":
			message = body.Message
		case body.Error != "":
			message = body.Error
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}

	return ierr.New(codeForStatus(status), errors.New(message))
}

func codeForStatus(status int) ierr.ErrorCode {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ierr.ErrorCodeInvalidArgument
	case http.StatusUnauthorized:
		return ierr.ErrorCodeUnauthenticated
	case http.StatusForbidden:
		return ierr.ErrorCodePermissionDenied
	case http.StatusNotFound, http.StatusGone:
		return ierr.ErrorCodeNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ierr.ErrorCodeFailedPrecondition
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return ierr.ErrorCodeUnavailable
	}
	return ierr.ErrorCodeInternal
}
