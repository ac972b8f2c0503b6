package sqrl

import (
	"fmt"
	"net/url"
)

var knownCmds = map[string]bool{
	"query":   true,
	"ident":   true,
	"disable": true,
	"enable":  true,
	"remove":  true,
}

var knownOpts = map[string]bool{
	"sqrlonly": true,
	"hardlock": true,
	"cps":      true,
	"suk":      true,
}

// ClientEnvelope is the decoded form of the wire 'client' field: a flat
// name/value map plus the parsed, order-preserving 'opt' token list.
type ClientEnvelope struct {
	Fields map[string]string
	Opt    []string
}

func (c ClientEnvelope) has(key string) bool {
	_, ok := c.Fields[key]
	return ok
}

func (c ClientEnvelope) get(key string) string {
	return c.Fields[key]
}

func (c ClientEnvelope) hasOpt(tok string) bool {
	for _, o := range c.Opt {
		if o == tok {
			return true
		}
	}
	return false
}

// DecodeClientEnvelope decodes the base64url 'client' wire field into a
// ClientEnvelope, splitting the special 'opt' key on '~'. Corresponds to
// the original implementation's `Request._extract_client`.
func DecodeClientEnvelope(s string) (ClientEnvelope, error) {
	text, err := decodeEnvelopeText(s)
	if err != nil {
		return ClientEnvelope{}, err
	}
	pairs, err := parseEnvelope(text)
	if err != nil {
		return ClientEnvelope{}, err
	}

	env := ClientEnvelope{Fields: make(map[string]string, len(pairs))}
	for _, p := range pairs {
		name, value := p[0], p[1]
		if name == "opt" {
			env.Opt = splitTilde(value)
			continue
		}
		env.Fields[name] = value
	}
	return env, nil
}

func splitTilde(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '~' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// ServerEnvelope is the decoded form of the wire 'server' field: either
// an earlier login URL (IsURL true, URL set) or a previous response
// name/value envelope.
type ServerEnvelope struct {
	IsURL  bool
	URL    string
	Fields map[string]string
}

// DecodeServerEnvelope decodes the base64url 'server' wire field. The
// distinction between a URL and a name/value envelope is made on scheme
// alone, per spec.md §4.3: a decoded string that parses with scheme
// "sqrl" or "qrl" is kept as the raw string; anything else is parsed as
// name/value lines. Corresponds to `Request._extract_server`.
func DecodeServerEnvelope(s string) (ServerEnvelope, error) {
	text, err := decodeEnvelopeText(s)
	if err != nil {
		return ServerEnvelope{}, err
	}
	if u, perr := url.Parse(text); perr == nil && (u.Scheme == "sqrl" || u.Scheme == "qrl") {
		return ServerEnvelope{IsURL: true, URL: text}, nil
	}
	pairs, err := parseEnvelope(text)
	if err != nil {
		return ServerEnvelope{}, err
	}
	fields := make(map[string]string, len(pairs))
	for _, p := range pairs {
		fields[p[0]] = p[1]
	}
	return ServerEnvelope{Fields: fields}, nil
}

func isKnownCmd(cmd string) bool { return knownCmds[cmd] }
func isKnownOpt(opt string) bool { return knownOpts[opt] }

func requireRawParams(params map[string]string, names ...string) error {
	for _, n := range names {
		if _, ok := params[n]; !ok {
			return fmt.Errorf("sqrl: missing required parameter %q", n)
		}
	}
	return nil
}
