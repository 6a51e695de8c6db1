package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/antoniostano/andromeda/internal/apierror"
	"github.com/antoniostano/andromeda/internal/forward"
	"github.com/antoniostano/andromeda/internal/policy"
)

// Proxy request outcomes used as metric labels.
const (
	outcomeOK            = "ok"
	outcomeNotFound      = "not_found"
	outcomeUnauthorized  = "unauthorized"
	outcomeUpstreamError = "upstream_error"
	outcomeRelayError    = "relay_error"
)

var sessionHeaderDetail = `"` + SessionHeader + `" is wrong`

// proxyTarget is the resolved destination of one proxied request.
type proxyTarget struct {
	scheme string
	host   string
	path   string
	// rawPath keeps the caller's escaping when it differs from path.
	rawPath string
	query   string
}

func (t proxyTarget) URL() *url.URL {
	return &url.URL{
		Scheme:   t.scheme,
		Host:     t.host,
		Path:     t.path,
		RawPath:  t.rawPath,
		RawQuery: t.query,
	}
}

// resolveTarget reads the route parameters. ok is false when protocol or
// hostname is missing.
func resolveTarget(r *http.Request) (proxyTarget, bool) {
	protocol := routeParam(r, "protocol")
	hostname := routeParam(r, "hostname")
	if protocol == "" || hostname == "" {
		return proxyTarget{}, false
	}

	t := proxyTarget{
		scheme: strings.ToLower(protocol),
		host:   hostname,
		path:   "/",
		// Repeated keys stay repeated and ordered as sent.
		query: r.URL.RawQuery,
	}
	rest := chi.URLParam(r, "*")
	if rest == "" {
		return t, true
	}
	if r.URL.RawPath != "" {
		// chi routed on the escaped path, so rest is still escaped.
		unescaped, err := url.PathUnescape(rest)
		if err == nil {
			t.path = "/" + unescaped
			t.rawPath = "/" + rest
			return t, true
		}
	}
	t.path = "/" + rest
	return t, true
}

func routeParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(v); err == nil {
			v = unescaped
		}
	}
	return strings.TrimSpace(v)
}

// handleProxy authorizes the caller by session id and forwards the request
// to protocol://hostname/path, relaying the upstream response verbatim.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	target, ok := resolveTarget(r)
	if !ok {
		s.observeProxy(r.Method, outcomeNotFound, start)
		bareNotFound(w, r)
		return
	}

	sessionID := strings.TrimSpace(r.Header.Get(SessionHeader))
	if _, err := s.sessions.Check(sessionID); err != nil {
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("host", target.host).
			Msg("proxy request rejected: unknown session")
		s.observeProxy(r.Method, outcomeUnauthorized, start)
		apierror.Write(w, apierror.WithDetail(err, sessionHeaderDetail))
		return
	}

	header := r.Header.Clone()
	header.Del(SessionHeader)

	targetURL := target.URL()
	if s.logger.GetLevel() <= zerolog.DebugLevel {
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("target", policy.RedactQuery(targetURL)).
			Interface("headers", policy.RedactHeaders(header)).
			Msg("forwarding request")
	}

	upstreamStart := time.Now()
	resp, err := s.engine.Do(r.Context(), forward.Request{
		Method:             r.Method,
		URL:                targetURL,
		Host:               target.host,
		Header:             header,
		Body:               r.Body,
		ContentLength:      r.ContentLength,
		FollowRedirects:    true,
		MaxRedirects:       s.cfg.ProxyMaxRedirects,
		InsecureSkipVerify: s.cfg.ProxyInsecureSkipVerify,
	})
	if err != nil {
		reason := forward.Classify(err)
		var upstreamErr *forward.UpstreamError
		if errors.As(err, &upstreamErr) {
			reason = upstreamErr.Reason
		}
		s.logger.Warn().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("target", policy.RedactQuery(targetURL)).
			Str("reason", reason).
			Msg("upstream call failed")
		if s.metrics != nil {
			s.metrics.ObserveUpstreamFailure(reason)
		}
		s.observeProxy(r.Method, outcomeUpstreamError, start)
		apierror.Write(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveUpstream(time.Since(upstreamStart))
	}

	n, err := forward.Relay(w, resp)
	if err != nil {
		// Status and headers are already on the wire; nothing to send.
		s.logger.Debug().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int64("bytes", n).
			Msg("relay interrupted")
		s.observeProxy(r.Method, outcomeRelayError, start)
		return
	}
	s.observeProxy(r.Method, outcomeOK, start)
}

func (s *Server) observeProxy(method, outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveProxy(method, outcome, time.Since(start))
}
