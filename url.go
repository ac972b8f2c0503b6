package sqrl

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smw1218/sqrl-go/sqrlfault"
)

// Pair is a caller-supplied name/value query parameter, appended to the
// generated SQRL URL in the order given.
type Pair struct {
	Name  string
	Value string
}

// BuildURL composes the `sqrl://`/`qrl://` login URL per spec.md §4.2.
// path must be absolute and must not contain '?' or '&' — both are fatal
// precondition violations, since a malformed path here means the server
// configured itself wrong, not that a client sent bad input.
func BuildURL(authority, path string, nut Nut, sfn string, extra []Pair, ext int, secure bool) string {
	if !strings.HasPrefix(path, "/") {
		sqrlfault.Raise("buildurl", "path %q must be absolute", path)
	}
	if strings.ContainsAny(path, "?&") {
		sqrlfault.Raise("buildurl", "path %q must not contain '?' or '&'", path)
	}

	scheme := "sqrl"
	if !secure {
		scheme = "qrl"
	}

	q := make([]string, 0, 3+len(extra))
	q = append(q, "nut="+url.QueryEscape(string(nut)))
	q = append(q, "sfn="+url.QueryEscape(b64encode([]byte(sfn))))
	if ext > 0 {
		q = append(q, fmt.Sprintf("x=%d", ext))
	}
	for _, p := range extra {
		q = append(q, url.QueryEscape(p.Name)+"="+url.QueryEscape(p.Value))
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     authority,
		Path:     path,
		RawQuery: strings.Join(q, "&"),
	}
	return u.String()
}
