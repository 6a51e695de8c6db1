package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestEngineForwardsMethodHeadersAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Host", r.Host)
		w.Header().Set("X-Marker", r.Header.Get("X-Marker"))
		w.Header().Set("X-Connection-Token", r.Header.Get("X-Hop"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	e := NewEngine()
	header := http.Header{}
	header.Set("X-Marker", "m1")
	header.Set("Connection", "X-Hop")
	header.Set("X-Hop", "drop-me")

	resp, err := e.Do(context.Background(), Request{
		Method:        "put",
		URL:           mustURL(t, upstream.URL+"/echo"),
		Host:          "virtual.example:9000",
		Header:        header,
		Body:          io.NopCloser(strings.NewReader("payload")),
		ContentLength: int64(len("payload")),
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, http.MethodPut, resp.Header.Get("X-Method"))
	assert.Equal(t, "virtual.example:9000", resp.Header.Get("X-Host"))
	assert.Equal(t, "m1", resp.Header.Get("X-Marker"))
	assert.Empty(t, resp.Header.Get("X-Connection-Token"))
}

func TestEngineFollowsRedirectsUpToCap(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		if n > 0 {
			http.Redirect(w, r, fmt.Sprintf("/hop?n=%d", n-1), http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "landed")
	}))
	defer upstream.Close()

	e := NewEngine()

	resp, err := e.Do(context.Background(), Request{
		URL:             mustURL(t, upstream.URL+"/hop?n=10"),
		FollowRedirects: true,
		MaxRedirects:    10,
	})
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "landed", string(body))

	_, err = e.Do(context.Background(), Request{
		URL:             mustURL(t, upstream.URL+"/hop?n=11"),
		FollowRedirects: true,
		MaxRedirects:    10,
	})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ReasonRedirects, upErr.Reason)
	assert.ErrorIs(t, err, ErrTooManyRedirects)
	assert.Equal(t, http.StatusInternalServerError, upErr.StatusCode())

	resp, err = e.Do(context.Background(), Request{
		URL:             mustURL(t, upstream.URL+"/hop?n=1"),
		FollowRedirects: false,
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestEngineTLSPolicyIsPerCall(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	defer upstream.Close()

	e := NewEngine()

	resp, err := e.Do(context.Background(), Request{
		URL:                mustURL(t, upstream.URL),
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "secure", string(body))

	_, err = e.Do(context.Background(), Request{URL: mustURL(t, upstream.URL)})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ReasonTLS, upErr.Reason)
}

func TestEngineConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewEngine().Do(context.Background(), Request{URL: mustURL(t, "http://"+addr+"/")})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ReasonRefused, upErr.Reason)
	assert.Equal(t, "UpstreamError", upErr.Kind())
	assert.Contains(t, upErr.Detail(), "refused")
}

func TestEngineCanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine().Do(ctx, Request{URL: mustURL(t, upstream.URL)})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ReasonCanceled, upErr.Reason)
}

func TestEngineInvalidMethod(t *testing.T) {
	_, err := NewEngine().Do(context.Background(), Request{
		Method: "BAD METHOD",
		URL:    mustURL(t, "http://127.0.0.1/"),
	})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ReasonInvalid, upErr.Reason)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "", Classify(nil))
	assert.Equal(t, ReasonDNS, Classify(&net.DNSError{Err: "no such host", Name: "x.invalid"}))
	assert.Equal(t, ReasonTimeout, Classify(&net.DNSError{Err: "timeout", IsTimeout: true}))
	assert.Equal(t, ReasonTimeout, Classify(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	assert.Equal(t, ReasonNetwork, Classify(errors.New("something else")))
}

func TestEngineReplaysBodyAcrossTemporaryRedirect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			http.Redirect(w, r, "/b", http.StatusTemporaryRedirect)
		case "/c":
			http.Redirect(w, r, "/b", http.StatusPermanentRedirect)
		default:
			body, _ := io.ReadAll(r.Body)
			_, _ = io.WriteString(w, r.Method+" "+string(body))
		}
	}))
	defer upstream.Close()

	e := NewEngine()
	for _, path := range []string{"/a", "/c"} {
		resp, err := e.Do(context.Background(), Request{
			Method:          http.MethodPost,
			URL:             mustURL(t, upstream.URL+path),
			Body:            io.NopCloser(strings.NewReader("payload")),
			ContentLength:   int64(len("payload")),
			FollowRedirects: true,
		})
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "POST payload", string(body), path)
	}
}

func TestEngineStreamsUnsizedBodyWithoutReplay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a" {
			http.Redirect(w, r, "/b", http.StatusTemporaryRedirect)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	resp, err := NewEngine().Do(context.Background(), Request{
		Method:          http.MethodPost,
		URL:             mustURL(t, upstream.URL+"/a"),
		Body:            io.NopCloser(strings.NewReader("payload")),
		ContentLength:   -1,
		FollowRedirects: true,
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "/b", resp.Header.Get("Location"))
}

func TestEngineDoesNotAddUserAgent(t *testing.T) {
	seen := make(chan []string, 2)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Values("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	e := NewEngine()
	resp, err := e.Do(context.Background(), Request{URL: mustURL(t, upstream.URL)})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, <-seen)

	header := http.Header{}
	header.Set("User-Agent", "browser/1.0")
	resp, err = e.Do(context.Background(), Request{URL: mustURL(t, upstream.URL), Header: header})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"browser/1.0"}, <-seen)
}
