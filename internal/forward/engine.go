// Package forward performs the outbound half of the proxy: one HTTP call to
// an already resolved target, and the streaming relay of its response.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultMaxRedirects caps redirect chains when a request does not set one.
const DefaultMaxRedirects = 10

// MaxReplayBody is the largest request body kept in memory so a 307 or 308
// redirect can resend it. Larger or unsized bodies are streamed once and the
// redirect is handed back to the caller.
const MaxReplayBody = 1 << 20

// Request describes one outbound call.
type Request struct {
	Method string
	URL    *url.URL
	// Host overrides the Host header sent upstream.
	Host   string
	Header http.Header
	Body   io.ReadCloser
	// ContentLength of Body, -1 if unknown.
	ContentLength int64

	FollowRedirects bool
	MaxRedirects    int
	// InsecureSkipVerify disables certificate verification for this call only.
	InsecureSkipVerify bool
}

// Engine issues outbound calls. It keeps two transports so the TLS policy is
// chosen per call; the insecure one is never shared with other clients.
type Engine struct {
	secure   http.RoundTripper
	insecure http.RoundTripper
	logger   zerolog.Logger
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTransports replaces both transports, mainly for tests.
func WithTransports(secure, insecure http.RoundTripper) Option {
	return func(e *Engine) {
		if secure != nil {
			e.secure = secure
		}
		if insecure != nil {
			e.insecure = insecure
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		secure:   NewTransport(false),
		insecure: NewTransport(true),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewTransport returns a pooled transport for proxied calls. With insecure
// set, upstream certificates are not verified.
func NewTransport(insecure bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	// Accept-Encoding is forwarded from the caller as-is; never add or strip
	// compression on our own.
	t.DisableCompression = true
	if insecure {
		t.TLSClientConfig = &tls.Config{
			//nolint:gosec // proxied upstreams use self-signed certificates
			InsecureSkipVerify: true,
		}
	}
	return t
}

// Do performs req. The caller must close the returned response body. Any
// transport failure is returned as *UpstreamError.
func (e *Engine) Do(ctx context.Context, req Request) (*http.Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target := ""
	if req.URL != nil {
		target = req.URL.String()
	}

	body, err := replayableBody(req)
	if err != nil {
		return nil, &UpstreamError{Method: method, Target: target, Reason: ReasonInvalid, Cause: err}
	}
	out, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &UpstreamError{Method: method, Target: target, Reason: ReasonInvalid, Cause: err}
	}
	if _, buffered := body.(*bytes.Reader); body != nil && !buffered {
		out.ContentLength = req.ContentLength
	}
	if req.Header != nil {
		out.Header = req.Header.Clone()
	}
	removeHopHeaders(out.Header)
	if _, ok := out.Header["User-Agent"]; !ok {
		// An empty value keeps net/http from adding its own.
		out.Header.Set("User-Agent", "")
	}
	if req.Host != "" {
		out.Host = req.Host
	}

	maxRedirects := req.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	client := &http.Client{
		Transport:     e.transportFor(req.InsecureSkipVerify),
		CheckRedirect: redirectPolicy(req.FollowRedirects, maxRedirects),
	}

	resp, err := client.Do(out)
	if err != nil {
		reason := Classify(err)
		e.logger.Debug().
			Err(err).
			Str("method", method).
			Str("target", target).
			Str("reason", reason).
			Msg("upstream call failed")
		return nil, &UpstreamError{Method: method, Target: target, Reason: reason, Cause: err}
	}
	return resp, nil
}

// replayableBody returns the body to send. Small bodies of known length are
// read into memory; http.NewRequest then sets GetBody for *bytes.Reader and
// the client can follow 307 and 308 redirects with the body intact.
func replayableBody(req Request) (io.Reader, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.ContentLength <= 0 || req.ContentLength > MaxReplayBody {
		return req.Body, nil
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, req.ContentLength))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return bytes.NewReader(buf), nil
}

func (e *Engine) transportFor(insecure bool) http.RoundTripper {
	if insecure {
		return e.insecure
	}
	return e.secure
}

func redirectPolicy(follow bool, max int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if !follow {
			return http.ErrUseLastResponse
		}
		if len(via) > max {
			return ErrTooManyRedirects
		}
		return nil
	}
}
