package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrTooManyRedirects is returned when an upstream exceeds the redirect cap.
var ErrTooManyRedirects = errors.New("too many redirects")

// Failure reasons reported by Classify.
const (
	ReasonTimeout   = "timeout"
	ReasonDNS       = "dns"
	ReasonTLS       = "tls"
	ReasonRefused   = "refused"
	ReasonRedirects = "redirects"
	ReasonCanceled  = "canceled"
	ReasonInvalid   = "invalid_request"
	ReasonNetwork   = "network"
)

// UpstreamError reports a failure reaching the proxied target.
type UpstreamError struct {
	Method string
	Target string
	Reason string
	// Status overrides the default 500 when the failure implies a more
	// specific one.
	Status int
	Cause  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s failed (%s): %v", e.Method, e.Target, e.Reason, e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

func (e *UpstreamError) StatusCode() int {
	if e.Status > 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

func (e *UpstreamError) Kind() string { return "UpstreamError" }

// Detail is the message shown to the caller: the transport failure itself,
// without the wrapping added here.
func (e *UpstreamError) Detail() string {
	if e.Cause == nil {
		return "upstream request failed"
	}
	return e.Cause.Error()
}

// Classify buckets a transport failure for logs and metrics.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrTooManyRedirects):
		return ReasonRedirects
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ReasonTimeout
		}
		return ReasonDNS
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &recordErr) {
		return ReasonTLS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ReasonRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonNetwork
}
