// Package restgateway implements reconcile.Gateway over a JSON REST API:
//
//	GET    {base}/{entity}       list
//	POST   {base}/{entity}       create
//	PATCH  {base}/{entity}/{id}  update
//	DELETE {base}/{entity}/{id}  delete
//
// The correlation id carried by the request context is forwarded as
// X-Correlation-Id so the server can echo it in the matching push.
package restgateway

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

	"github.com/dyluth/tether/pkg/reconcile"
	"go.uber.org/zap"
)

// DefaultTimeout bounds requests when Options.HTTPClient is nil.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response body is kept in StatusError.
const maxErrorBody = 4 << 10

// StatusError is returned for non-2xx responses. A 404 also matches
// reconcile.ErrNotFound.
type StatusError struct {
	Method  string
	URL     string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == reconcile.ErrNotFound && e.Code == http.StatusNotFound
}

// Options configures a Gateway.
type Options struct {
	BaseURL    string
	Entity     string // collection path segment, e.g. "users"
	Token      string // sent as a bearer token when set
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Gateway is a reconcile.Gateway[reconcile.Record] backed by HTTP.
type Gateway struct {
	base   *url.URL
	entity string
	token  string
	client *http.Client
	logger *zap.Logger
}

var _ reconcile.Gateway[reconcile.Record] = (*Gateway)(nil)

// New validates opts and returns a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http:// or https://, got %q", opts.BaseURL)
	}
	entity := strings.Trim(opts.Entity, "/")
	if entity == "" {
		return nil, fmt.Errorf("entity is required")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gateway{
		base:   base,
		entity: entity,
		token:  opts.Token,
		client: client,
		logger: logger.Named("restgateway"),
	}, nil
}

// FetchAll lists the collection. The body may be a JSON array or an object
// with the array under "data".
func (g *Gateway) FetchAll(ctx context.Context) ([]reconcile.Record, error) {
	body, err := g.do(ctx, http.MethodGet, g.endpoint(""), nil)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to decode %s list: %w", g.entity, err)
		}
		trimmed = wrapped.Data
	}

	var records []reconcile.Record
	if err := decode(trimmed, &records); err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", g.entity, err)
	}
	return records, nil
}

// Create posts the entity and returns the server's copy.
func (g *Gateway) Create(ctx context.Context, entity reconcile.Record) (reconcile.Record, error) {
	return g.record(ctx, http.MethodPost, g.endpoint(""), entity)
}

// Update patches the changed fields and returns the server's copy.
func (g *Gateway) Update(ctx context.Context, id string, changes reconcile.Fields) (reconcile.Record, error) {
	return g.record(ctx, http.MethodPatch, g.endpoint(id), changes)
}

// Delete removes the entity.
func (g *Gateway) Delete(ctx context.Context, id string) error {
	_, err := g.do(ctx, http.MethodDelete, g.endpoint(id), nil)
	return err
}

func (g *Gateway) record(ctx context.Context, method, target string, payload any) (reconcile.Record, error) {
	body, err := g.do(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	var rec reconcile.Record
	if err := decode(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", g.entity, err)
	}
	return rec, nil
}

func (g *Gateway) endpoint(id string) string {
	u := *g.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(g.entity)
	if id != "" {
		u.Path += "/" + url.PathEscape(id)
	}
	return u.String()
}

func (g *Gateway) do(ctx context.Context, method, target string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if id := reconcile.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-Id", id)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	g.logger.Debug("request",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method:  method,
			URL:     target,
			Code:    resp.StatusCode,
			Message: errorMessage(msg),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// decode keeps numbers as json.Number to match pushed envelopes.
func decode(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// errorMessage extracts {"error": "..."} or {"message": "..."} when present.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(body))
}
