// Package telemetry performs the agent's request/response exchanges with the
// device server. Every exchange is a single attempt bounded by a timeout;
// retrying is the caller's business.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alimk/edge-agent/pkg/models"
)

// maxResponseBody caps how much of a response body is read into memory.
const maxResponseBody = 64 << 10

// Response is the transport-level result of an exchange that reached the
// server. Any status code is a Response; only transport failures are errors.
// BodyErr is set when the body broke off after the status line; Body then
// holds whatever arrived.
type Response struct {
	StatusCode int
	Body       []byte
	BodyErr    error
}

// Channel submits payloads to, and fetches documents from, the server.
type Channel interface {
	Post(ctx context.Context, url string, body []byte) (Response, error)
	Get(ctx context.Context, url string) (Response, error)
}

// HTTP is a Channel over net/http with a per-call timeout.
type HTTP struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewHTTP returns a channel whose calls never outlive timeout.
func NewHTTP(timeout time.Duration, userAgent string) *HTTP {
	return &HTTP{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
				TLSHandshakeTimeout: timeout,
				MaxIdleConns:        2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:   timeout,
		userAgent: userAgent,
	}
}

func (h *HTTP) Post(ctx context.Context, url string, body []byte) (Response, error) {
	return h.do(ctx, http.MethodPost, url, body)
}

func (h *HTTP) Get(ctx context.Context, url string) (Response, error) {
	return h.do(ctx, http.MethodGet, url, nil)
}

func (h *HTTP) do(ctx context.Context, method, url string, body []byte) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	// The status line arrived, so the exchange reached the server even if
	// the body did not fully.
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	out := Response{StatusCode: resp.StatusCode, Body: b}
	if err != nil {
		out.BodyErr = fmt.Errorf("read %s %s body: %w", method, url, err)
	}
	return out, nil
}

// EncodeReadings renders the outbound telemetry payload.
func EncodeReadings(req models.ReadingsRequest) ([]byte, error) {
	if req.Readings == nil {
		req.Readings = []models.Reading{}
	}
	return json.Marshal(req)
}

// DecodeReadingsResponse parses a 200 body. An empty body decodes to the zero
// response.
func DecodeReadingsResponse(body []byte) (models.ReadingsResponse, error) {
	var out models.ReadingsResponse
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return models.ReadingsResponse{}, fmt.Errorf("decode readings response: %w", err)
	}
	return out, nil
}

// DecodeManifest parses an OTA check response and validates it.
func DecodeManifest(body []byte) (models.UpdateManifest, error) {
	var m models.UpdateManifest
	if err := json.Unmarshal(body, &m); err != nil {
		return models.UpdateManifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return models.UpdateManifest{}, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}

// JoinURL resolves path against the server endpoint.
func JoinURL(endpoint, path string) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("endpoint %q must be an absolute URL", endpoint)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// ErrUnreachable is returned by a Probe when the server cannot be dialled.
var ErrUnreachable = errors.New("server unreachable")

// Probe reports whether the server endpoint is reachable.
type Probe interface {
	Reachable(ctx context.Context, endpoint string) error
}

// DialProbe opens and closes a TCP connection to the endpoint's host.
type DialProbe struct {
	Timeout time.Duration
}

func (p DialProbe) Reachable(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: bad endpoint %q", ErrUnreachable, endpoint)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	conn.Close()
	return nil
}
