// Package proxy performs the single upstream call for a dispatched request.
//
// It rebuilds the outbound request from scratch rather than cloning the
// inbound one: only whitelisted client headers are forwarded, hop-by-hop
// headers never cross, and the gateway adds forwarding, correlation,
// identity and trace-context headers. Calls are bounded by a per-call
// timeout and never retried.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/tbourn/lms-api-gateway/internal/domain"
	"github.com/tbourn/lms-api-gateway/internal/observability"
)

var (
	ErrUpstreamTimeout     = errors.New("proxy: upstream timed out")
	ErrUpstreamUnreachable = errors.New("proxy: upstream unreachable")
	ErrClientCanceled      = errors.New("proxy: client canceled request")
)

// Identity and correlation headers set on outbound requests.
const (
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderUserID         = "X-User-ID"
	HeaderUserRole       = "X-User-Role"
	HeaderUserEmail      = "X-User-Email"
	HeaderGatewayVersion = "X-Gateway-Version"
)

// forwardable lists the client headers copied to the upstream request.
var forwardable = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Cache-Control",
	"Content-Type",
	"Content-Language",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"Range",
	"User-Agent",
	"X-Requested-With",
	"X-Forwarded-For",
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Request is the inbound request reduced to what the upstream needs.
type Request struct {
	Method        string
	Path          string // upstream path, already rewritten
	RawQuery      string
	Header        http.Header // inbound headers
	Body          io.Reader
	ContentLength int64
	Host          string // inbound Host
	RemoteIP      string
	TLS           bool
	CorrelationID string
	Claims        *domain.AuthClaims
}

// Forwarder sends Requests to upstream instances.
type Forwarder struct {
	rt             http.RoundTripper
	timeout        time.Duration
	gatewayVersion string
}

// New returns a Forwarder using rt with a per-call timeout.
func New(rt http.RoundTripper, timeout time.Duration, gatewayVersion string) *Forwarder {
	if rt == nil {
		rt = NewTransport(DefaultTransportOptions())
	}
	return &Forwarder{rt: rt, timeout: timeout, gatewayVersion: gatewayVersion}
}

// Timeout is the per-call deadline.
func (f *Forwarder) Timeout() time.Duration { return f.timeout }

// Forward sends req to base. The returned response's body must be closed;
// closing it also releases the call's deadline. Hop-by-hop headers are
// removed from the response.
func (f *Forwarder) Forward(ctx context.Context, base *url.URL, req Request) (*http.Response, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if f.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, f.timeout)
	}

	target := *base
	target.Path = joinSlash(base.Path, req.Path)
	target.RawPath = ""
	target.RawQuery = req.RawQuery
	target.Fragment = ""

	var body io.Reader
	if req.Body != nil && req.Body != http.NoBody && req.ContentLength != 0 {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(callCtx, req.Method, target.String(), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	if body != nil && req.ContentLength > 0 {
		out.ContentLength = req.ContentLength
	}
	out.Header = f.outboundHeader(callCtx, req)
	out.Host = base.Host

	resp, err := f.rt.RoundTrip(out)
	if err != nil {
		cancel()
		return nil, classify(ctx, callCtx, err)
	}
	DropHopByHop(resp.Header)
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (f *Forwarder) outboundHeader(ctx context.Context, req Request) http.Header {
	h := make(http.Header, len(forwardable)+10)
	for _, k := range forwardable {
		for _, v := range req.Header.Values(k) {
			h.Add(k, v)
		}
	}
	DropHopByHop(h)

	if req.RemoteIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+req.RemoteIP)
		} else {
			h.Set("X-Forwarded-For", req.RemoteIP)
		}
	}
	if req.TLS {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	if req.Host != "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
	if req.CorrelationID != "" {
		h.Set(HeaderCorrelationID, req.CorrelationID)
	}
	if f.gatewayVersion != "" {
		h.Set(HeaderGatewayVersion, f.gatewayVersion)
	}
	if c := req.Claims; c != nil && c.Subject != "" {
		h.Set(HeaderUserID, c.Subject)
		if c.Role != "" {
			h.Set(HeaderUserRole, c.Role)
		}
		if c.Email != "" {
			h.Set(HeaderUserEmail, c.Email)
		}
	}
	observability.InjectHeaders(ctx, h)
	return h
}

// classify maps a transport error to a sentinel. parent is the inbound
// request context; call carries the upstream deadline.
func classify(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %w", ErrClientCanceled, err)
	}
	var ne net.Error
	if errors.Is(call.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
}

// DropHopByHop removes connection-scoped headers, including any named by
// Connection.
func DropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		h.Del(k)
	}
}

func joinSlash(a, b string) string {
	if b == "" {
		b = "/"
	}
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
