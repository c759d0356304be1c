package backend

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every backend call unless the caller overrides it.
const DefaultTimeout = 30 * time.Second

// Gateway is the only way the avatar client reaches the network. It attaches
// the caller's bearer identity and enforces per-call timeouts.
type Gateway struct {
	baseURL string
	tokens  oauth2.TokenSource
	client  *http.Client
	timeout time.Duration
}

type Option func(*Gateway)

// WithTokenSource sets where bearer tokens come from. A nil source or an
// empty token sends the request unauthenticated.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(g *Gateway) {
		g.tokens = ts
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.client = client
		}
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

func NewGateway(baseURL string, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StaticToken is a convenience for a fixed backend bearer token.
func StaticToken(token string) oauth2.TokenSource {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// ResolveEndpoint returns the absolute URL for a backend path. Absolute URLs
// pass through unchanged.
func (g *Gateway) ResolveEndpoint(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return g.baseURL + path
}

type requestOptions struct {
	timeout     time.Duration
	timeoutSet  bool
	bearer      string
	contentType string
}

type RequestOption func(*requestOptions)

// WithTimeout overrides the gateway default for one call. Zero or negative
// disables the timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// WithBearer replaces the identity token for one call.
func WithBearer(token string) RequestOption {
	return func(o *requestOptions) {
		o.bearer = token
	}
}

func WithContentType(contentType string) RequestOption {
	return func(o *requestOptions) {
		o.contentType = contentType
	}
}

// Do performs an authenticated request. The response body is fully read
// before Do returns so the timeout cannot fire while the caller decodes it.
func (g *Gateway) Do(ctx context.Context, method, url string, body io.Reader, opts ...RequestOption) (*http.Response, []byte, error) {
	o := requestOptions{timeout: g.timeout, contentType: "application/json"}
	for _, opt := range opts {
		opt(&o)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil && o.contentType != "" {
		req.Header.Set("Content-Type", o.contentType)
	}

	bearer := o.bearer
	if bearer == "" && g.tokens != nil {
		tok, err := g.tokens.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve bearer token: %w", err)
		}
		bearer = tok.AccessToken
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, method, url, o.timeout)
		}
		return nil, nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: reading %s after %s", ErrTimeout, url, o.timeout)
		}
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp, data, nil
}

// PostJSON sends in as JSON to path and decodes the reply into out when out
// is non-nil. Non-2xx replies return *StatusError.
func (g *Gateway) PostJSON(ctx context.Context, path string, in, out any, opts ...RequestOption) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, data, err := g.Do(ctx, http.MethodPost, g.ResolveEndpoint(path), bytes.NewReader(payload), opts...)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = data
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
