package syncmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrConflict = errors.New("remote moved past base timestamp")

type ConflictError struct {
	DataType string
}

func (e *ConflictError) Error() string {
	if e.DataType == "" {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("%s for %s", ErrConflict.Error(), e.DataType)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is on the remote side.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Caller identifies the local user and device on every request.
type Caller struct {
	UserID   string
	DeviceID string
}

// RemoteClient is the remote sync endpoint.
type RemoteClient interface {
	Health(ctx context.Context) error
	Push(ctx context.Context, dataType string, env Envelope) error
	// Pull returns false when the remote holds nothing for dataType.
	Pull(ctx context.Context, dataType string) (Envelope, bool, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	caller     func() Caller
	httpClient *http.Client
}

// NewHTTPClient talks to the endpoint at baseURL. Requests are not retried;
// a failed call waits for the next sync tick.
func NewHTTPClient(baseURL, token string, caller func() Caller, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if caller == nil {
		caller = func() Caller { return Caller{} }
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		caller:     caller,
		httpClient: httpClient,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) Push(ctx context.Context, dataType string, env Envelope) error {
	err := c.doJSON(ctx, http.MethodPost, "/sync/"+url.PathEscape(dataType), env, nil)
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		conflict.DataType = dataType
	}
	return err
}

func (c *HTTPClient) Pull(ctx context.Context, dataType string) (Envelope, bool, error) {
	var env Envelope
	err := c.doJSON(ctx, http.MethodGet, "/sync/"+url.PathEscape(dataType), nil, &env)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

// authHeaders are the headers every request carries, also used for the
// notification socket.
func (c *HTTPClient) authHeaders() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	caller := c.caller()
	if caller.UserID != "" {
		h.Set("X-User-Id", caller.UserID)
	}
	if caller.DeviceID != "" {
		h.Set("X-Device-Id", caller.DeviceID)
	}
	return h
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	for key, values := range c.authHeaders() {
		req.Header[key] = values
	}
	req.Header.Set("X-Correlation-Id", "boardsync_"+uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
	if resp.StatusCode == http.StatusConflict {
		return &ConflictError{}
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
