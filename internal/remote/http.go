package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bellaotica/optisync/internal/auth"
	"resty.dev/v3"
)

// HTTPGateway talks to the sync API over HTTP. Pushes carry the version
// token in an If-Match header; the server answers 409 with its current
// copy when the token is stale.
type HTTPGateway struct {
	client    *resty.Client
	principal *auth.Principal
}

// HTTPConfig configures the HTTP gateway.
type HTTPConfig struct {
	BaseURL  string
	Token    string
	DeviceID string
	Timeout  time.Duration
}

// NewHTTPGateway creates a gateway for the given endpoint. The principal
// scopes pulls to the caller's store unless it has admin reach.
func NewHTTPGateway(cfg HTTPConfig, principal *auth.Principal) *HTTPGateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.Token).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Device-ID", cfg.DeviceID)

	return &HTTPGateway{client: client, principal: principal}
}

// Close releases the underlying HTTP client resources.
func (g *HTTPGateway) Close() error {
	return g.client.Close()
}

// Push implements Gateway.
func (g *HTTPGateway) Push(ctx context.Context, ch Change) (*RemoteRecord, error) {
	res, err := g.client.R().
		SetContext(ctx).
		SetHeader("If-Match", strconv.FormatInt(ch.SyncVersion, 10)).
		SetBody(ch).
		Post(fmt.Sprintf("/sync/%s", ch.Table))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case res.StatusCode() == http.StatusOK || res.StatusCode() == http.StatusCreated:
		var rec RemoteRecord
		if err := json.Unmarshal(res.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode push response: %w", err)
		}
		return &rec, nil

	case res.StatusCode() == http.StatusConflict:
		ce := &ConflictError{Table: ch.Table, RecordID: ch.RecordID}
		// The server includes its current copy when it has one.
		var rec RemoteRecord
		if err := json.Unmarshal(res.Bytes(), &rec); err == nil && rec.ID != "" {
			ce.Remote = &rec
		}
		return nil, ce

	case res.StatusCode() == http.StatusUnauthorized || res.StatusCode() == http.StatusForbidden:
		return nil, &AuthError{Status: res.StatusCode()}

	case res.StatusCode() == http.StatusBadRequest || res.StatusCode() == http.StatusUnprocessableEntity:
		return nil, &ValidationError{
			Table:    ch.Table,
			RecordID: ch.RecordID,
			Message:  errorMessage(res.Bytes()),
		}

	default:
		return nil, &TransientError{Err: fmt.Errorf("push returned status %d", res.StatusCode())}
	}
}

// Fetch implements Gateway.
func (g *HTTPGateway) Fetch(ctx context.Context, table, id string) (*RemoteRecord, error) {
	res, err := g.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/sync/%s/%s", table, id))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case res.StatusCode() == http.StatusOK:
		var rec RemoteRecord
		if err := json.Unmarshal(res.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record %s/%s: %w", table, id, err)
		}
		return &rec, nil
	case res.StatusCode() == http.StatusNotFound:
		return nil, nil
	case res.StatusCode() == http.StatusUnauthorized || res.StatusCode() == http.StatusForbidden:
		return nil, &AuthError{Status: res.StatusCode()}
	default:
		return nil, &TransientError{Err: fmt.Errorf("fetch returned status %d", res.StatusCode())}
	}
}

// PullSince implements Gateway.
func (g *HTTPGateway) PullSince(ctx context.Context, table string, since time.Time, limit int) ([]RemoteRecord, error) {
	req := g.client.R().
		SetContext(ctx).
		SetQueryParam("since", since.UTC().Format(time.RFC3339Nano)).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetQueryParam("order", "updated_at.asc")

	if g.principal != nil && !g.principal.IsAdmin() {
		req.SetQueryParam("store_id", g.principal.StoreScope())
	}

	res, err := req.Get(fmt.Sprintf("/sync/%s", table))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case res.StatusCode() == http.StatusOK:
		var recs []RemoteRecord
		if err := json.Unmarshal(res.Bytes(), &recs); err != nil {
			return nil, fmt.Errorf("failed to decode pull page for %s: %w", table, err)
		}
		return recs, nil
	case res.StatusCode() == http.StatusUnauthorized || res.StatusCode() == http.StatusForbidden:
		return nil, &AuthError{Status: res.StatusCode()}
	default:
		return nil, &TransientError{Err: fmt.Errorf("pull returned status %d", res.StatusCode())}
	}
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if len(body) > 0 {
		return string(body)
	}
	return "no details"
}
