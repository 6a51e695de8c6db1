package forward

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRelayCopiesStatusHeadersAndBody(t *testing.T) {
	resp := &http.Response{
		StatusCode:    http.StatusTeapot,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(`{"ok":true}`)),
		ContentLength: int64(len(`{"ok":true}`)),
	}
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Add("Set-Cookie", "a=1")
	resp.Header.Add("Set-Cookie", "b=2")
	resp.Header.Set("Keep-Alive", "timeout=5")

	rec := httptest.NewRecorder()
	n, err := Relay(rec, resp)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if n != int64(len(`{"ok":true}`)) {
		t.Fatalf("Relay() wrote %d bytes", n)
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if got := rec.Body.String(); got != `{"ok":true}` {
		t.Fatalf("body = %q", got)
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 2 {
		t.Fatalf("Set-Cookie = %v, want two values", got)
	}
	if rec.Header().Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop Keep-Alive header was relayed")
	}
}

func TestRelayFlushesStreams(t *testing.T) {
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:          io.NopCloser(strings.NewReader("data: one\n\n")),
		ContentLength: -1,
	}
	rec := httptest.NewRecorder()
	if _, err := Relay(rec, resp); err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if !rec.Flushed {
		t.Fatalf("stream response was not flushed")
	}
}
