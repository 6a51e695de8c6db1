package policy

import (
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

var (
	sensitiveHeaders = map[string]bool{
		"Authorization":       true,
		"Proxy-Authorization": true,
		"Cookie":              true,
		"Set-Cookie":          true,
	}
	secretQueryKey = regexp.MustCompile(`(?i)(pass(word)?|secret|token|session|api[_-]?key|auth)`)
)

// RedactHeaders flattens h for logging, masking credentials and any header
// named in extra.
func RedactHeaders(h http.Header, extra ...string) map[string]string {
	mask := make(map[string]bool, len(extra))
	for _, name := range extra {
		mask[http.CanonicalHeaderKey(name)] = true
	}

	out := make(map[string]string, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if sensitiveHeaders[canonical] || mask[canonical] {
			out[canonical] = redacted
			continue
		}
		out[canonical] = strings.Join(values, ", ")
	}
	return out
}

// RedactQuery renders u with the values of credential-looking query
// parameters masked. Parameter order is normalized.
func RedactQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.String()
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	masked := url.Values{}
	for _, k := range keys {
		for _, v := range q[k] {
			if secretQueryKey.MatchString(k) {
				v = redacted
			}
			masked.Add(k, v)
		}
	}
	c := *u
	c.RawQuery = masked.Encode()
	return c.String()
}
