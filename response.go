package sqrl

import (
	"fmt"
	"sort"

	"github.com/dchest/siphash"
)

// legalTIFBits is the authoritative status-bit set from spec.md §3.
var legalTIFBits = []uint16{0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80, 0x100}

func isLegalTIFBit(bit uint16) bool {
	for _, b := range legalTIFBits {
		if b == bit {
			return true
		}
	}
	return false
}

// Response accumulates the TIF status bitfield and named return
// parameters for a single Request, and serializes them into the
// CRLF envelope the client expects.
type Response struct {
	tif    uint16
	params map[string]string
}

// NewResponse returns an empty response for protocol version "1".
func NewResponse() *Response {
	return &Response{params: make(map[string]string)}
}

// Clone returns a shallow, independent copy — used by Request.Finalize,
// which must never mutate the Request's own in-progress response.
func (r *Response) Clone() *Response {
	c := &Response{tif: r.tif, params: make(map[string]string, len(r.params))}
	for k, v := range r.params {
		c.params[k] = v
	}
	return c
}

// TIFOn turns on the given status bits, if not already on. Unknown bits
// are silently ignored (the bit set is closed per spec.md §3).
func (r *Response) TIFOn(bits ...uint16) *Response {
	for _, b := range bits {
		if isLegalTIFBit(b) {
			r.tif |= b
		}
	}
	return r
}

// TIFOff turns off the given status bits, if set.
func (r *Response) TIFOff(bits ...uint16) *Response {
	for _, b := range bits {
		if isLegalTIFBit(b) {
			r.tif &^= b
		}
	}
	return r
}

// TIF returns the current status bitfield.
func (r *Response) TIF() uint16 { return r.tif }

// AddParam sets (overwriting any existing value) a named response
// parameter.
func (r *Response) AddParam(name, value string) *Response {
	r.params[name] = value
	return r
}

// Param returns a previously-set parameter and whether it was present.
func (r *Response) Param(name string) (string, bool) {
	v, ok := r.params[name]
	return v, ok
}

// Serialize renders the response as CRLF "name=value" lines: "ver=1"
// first, then every other key in lexicographic order, always including
// "tif" in lowercase hex with no "0x" prefix and no zero padding.
func (r *Response) Serialize() string {
	keys := make([]string, 0, len(r.params)+1)
	keys = append(keys, "tif")
	for k := range r.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, 0, len(keys)+1)
	pairs = append(pairs, [2]string{"ver", "1"})
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		v := r.params[k]
		if k == "tif" {
			v = fmt.Sprintf("%x", r.tif)
		}
		pairs = append(pairs, [2]string{k, v})
	}
	return composeEnvelope(pairs)
}

// Encode returns the base64url (unpadded) encoding of Serialize, the
// form that actually goes on the wire as the server's name/value
// envelope.
func (r *Response) Encode() string {
	return b64encode([]byte(r.Serialize()))
}

// MAC computes SipHash-2-4 of the encoded response (Encode, the form a
// client echoes back as its 'server' field), keyed by the first 16 bytes
// of key, base64url-encoded unpadded. Hosts that want to verify a
// subsequent request's 'server' field against a stored MAC should compare
// against this value.
func (r *Response) MAC(key []byte) string {
	return macString(key, []byte(r.Encode()))
}

// macString computes SipHash-2-4 of msg keyed by the first 16 bytes of
// key, base64url-encoded unpadded — the same primitive used both for
// Response.MAC and for verifying a request's 'hmac' kwarg against
// '_origserver'.
func macString(key, msg []byte) string {
	h := siphash.New(key[:16])
	h.Write(msg)
	var sum [8]byte
	s := h.Sum64()
	for i := 0; i < 8; i++ {
		sum[i] = byte(s >> (8 * i))
	}
	return b64encode(sum[:])
}
