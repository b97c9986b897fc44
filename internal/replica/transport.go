package replica

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
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/push"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/schema"
	"github.com/superscale/tasksync/internal/syncerr"
)

// Pusher sends a batch of mutations to the server.
type Pusher interface {
	Push(ctx context.Context, req push.PushRequest) (*push.PushResponse, error)
}

// Source fetches authoritative rows for a query spec.
type Source interface {
	Fetch(ctx context.Context, spec query.Spec) ([]models.Row, error)
}

// Transport is everything the client needs from the server.
type Transport interface {
	Pusher
	Source
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("server returned status %d", e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// errorBody mirrors the API's error responses.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// HTTPTransport implements Transport over the sync HTTP API.
type HTTPTransport struct {
	serverURL  string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPTransport creates a transport for serverURL authenticating with a
// bearer token.
func NewHTTPTransport(serverURL, token string, logger zerolog.Logger) *HTTPTransport {
	return &HTTPTransport{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "sync_transport").Logger(),
	}
}

// CheckHealth checks if the server is reachable.
func (t *HTTPTransport) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Push implements Pusher.
func (t *HTTPTransport) Push(ctx context.Context, req push.PushRequest) (*push.PushResponse, error) {
	var resp push.PushResponse
	if err := t.post(ctx, "/api/v1/sync/push", req, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", push.ErrSchemaVersion, se.Detail)
		}
		return nil, err
	}

	t.logger.Debug().
		Int("mutation_count", len(req.Mutations)).
		Msg("pushed mutations")
	return &resp, nil
}

// queryResponse defers row decoding until the table is known.
type queryResponse struct {
	Spec query.Spec        `json:"spec"`
	Rows []json.RawMessage `json:"rows"`
}

// Fetch implements Source.
func (t *HTTPTransport) Fetch(ctx context.Context, spec query.Spec) ([]models.Row, error) {
	table, ok := schema.Lookup(spec.Table)
	if !ok {
		return nil, syncerr.Validation("unknown table %q", spec.Table)
	}

	var resp queryResponse
	if err := t.post(ctx, "/api/v1/sync/query", spec, &resp); err != nil {
		return nil, err
	}

	rows := make([]models.Row, 0, len(resp.Rows))
	for _, raw := range resp.Rows {
		row, err := table.DecodeRow(raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Stats returns todo counts by status for an organization.
func (t *HTTPTransport) Stats(ctx context.Context, orgID string) (*models.TodoStats, error) {
	var stats models.TodoStats
	if err := t.do(ctx, http.MethodGet, "/api/v1/sync/stats?org_id="+url.QueryEscape(orgID), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Identity returns the identity the server resolves the token to.
func (t *HTTPTransport) Identity(ctx context.Context) (auth.Identity, error) {
	var id auth.Identity
	if err := t.do(ctx, http.MethodGet, "/api/v1/sync/identity", nil, &id); err != nil {
		return auth.Identity{}, err
	}
	return id, nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return t.do(ctx, http.MethodPost, path, bytes.NewReader(body), result)
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body io.Reader, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, t.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug().
			Str("request_id", requestID).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("server returned error")
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError converts an error response. Statuses that carry an engine
// error kind are returned as syncerr errors wrapping the StatusError.
func statusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	var body errorBody
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && json.Unmarshal(data, &body) == nil {
		se.Code = body.Error
		se.Detail = body.Detail
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return syncerr.Wrap(syncerr.KindUnauthenticated, se, "server rejected credentials")
	case http.StatusForbidden:
		return syncerr.Wrap(syncerr.KindForbidden, se, "access denied")
	case http.StatusBadRequest:
		return syncerr.Wrap(syncerr.KindValidation, se, "request rejected")
	case http.StatusNotFound:
		return syncerr.Wrap(syncerr.KindNotFound, se, "not found")
	}
	return se
}
