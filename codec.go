package sqrl

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// pad restores the '=' padding that SQRL clients strip from base64url
// strings before putting them on the wire.
func pad(s string) string {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return s
}

// depad strips padding for transmission, per the SQRL wire format.
func depad(s string) string {
	return strings.TrimRight(s, "=")
}

func b64encode(b []byte) string {
	return depad(base64.URLEncoding.EncodeToString(b))
}

func b64decode(s string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(pad(s))
}

// decodeEnvelopeText base64url-decodes s and returns it as UTF-8 text,
// trimming leading/trailing whitespace.
func decodeEnvelopeText(s string) (string, error) {
	raw, err := b64decode(s)
	if err != nil {
		return "", fmt.Errorf("sqrl: invalid base64url: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// parseEnvelope splits CRLF-delimited "name=value" lines into an ordered
// slice of pairs, preserving client order. A line without '=' is a
// malformed-envelope error.
func parseEnvelope(text string) ([][2]string, error) {
	lines := strings.Split(text, "\r\n")
	pairs := make([][2]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("sqrl: malformed envelope line %q", line)
		}
		pairs = append(pairs, [2]string{name, value})
	}
	return pairs, nil
}

// composeEnvelope renders ordered name/value pairs as CRLF-terminated
// lines, ready for base64url encoding.
func composeEnvelope(pairs [][2]string) string {
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(p[1])
		b.WriteString("\r\n")
	}
	return b.String()
}

// stripURLAuthority removes the scheme and authority (netloc) from a URL,
// keeping path, query and fragment. Used for 'qry', 'can' and button URLs.
func stripURLAuthority(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = ""
	u.Host = ""
	u.User = nil
	return u.String()
}

// setQueryParam injects or overwrites a single query parameter on raw,
// then re-serializes the remaining query parameters in lexicographic key
// order, matching the original implementation's addquery/delquery.
func setQueryParam(raw, name, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(name, value)
	u.RawQuery = encodeQuerySorted(q)
	return u.String()
}

func encodeQuerySorted(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		for j, v := range q[k] {
			if i != 0 || j != 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
