package forward

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strings"
)

// hopHeaders are connection-scoped and never cross the proxy.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Relay writes resp to w: status, end-to-end headers and the body, then
// closes resp.Body. Streaming responses are flushed after every write. The
// returned error is only informative, the status line has already been sent.
func Relay(w http.ResponseWriter, resp *http.Response) (int64, error) {
	defer resp.Body.Close()

	header := resp.Header.Clone()
	removeHopHeaders(header)
	dst := w.Header()
	for k, vv := range header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	return copyBody(w, resp.Body, streaming(resp))
}

// streaming reports whether the body should be pushed to the caller as it
// arrives rather than left to the server's buffering.
func streaming(resp *http.Response) bool {
	if resp.ContentLength == -1 {
		return true
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mt == "text/event-stream"
}

func copyBody(w http.ResponseWriter, src io.Reader, flush bool) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			if flush {
				if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
					return written, err
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
