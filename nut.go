package sqrl

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Nut is a base64url-encoded, encrypted nonce that binds a login attempt
// to a client address, a point in time, a monotonic counter, and its
// origin (QR code or clicked link). It is an opaque value object; callers
// never construct one directly.
type Nut string

func (n Nut) String() string { return string(n) }

// rawNutLen is the exact size, in bytes, of a nut's plaintext: 32 bits of
// address, 32 of timestamp, 32 of counter, 32 of random+flag.
const rawNutLen = 16

// DecodedNut is the result of decrypting and validating a Nut. The
// client address itself is never recoverable as a string — only
// equality against a rehashed candidate address is possible, which is
// why Validate takes a candidate address rather than DecodedNut exposing
// one.
type DecodedNut struct {
	Timestamp time.Time
	Counter   uint32
	Link      bool

	IPMatch     bool
	Fresh       bool
	CounterSane bool

	addrDigest [4]byte
}

// IsQR reports whether this nut originated from a scanned QR code.
func (d *DecodedNut) IsQR() bool { return !d.Link }

// IsLink reports whether this nut originated from a clicked link.
func (d *DecodedNut) IsLink() bool { return d.Link }

// addrDigest reduces a client address string to the spec's 32-bit
// representation: the raw 4 bytes for IPv4, the last 4 bytes of
// SHA-256(masterKey || packed-16-byte-address) for IPv6, or the zero
// value for an empty/unsecured address.
func addrDigest(masterKey []byte, addr string) ([4]byte, error) {
	var out [4]byte
	if addr == "" || addr == "0.0.0.0" {
		return out, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return out, fmt.Errorf("sqrl: invalid client address %q", addr)
	}
	if v4 := ip.To4(); v4 != nil {
		copy(out[:], v4)
		return out, nil
	}
	h := sha256.New()
	h.Write(masterKey)
	h.Write(ip.To16())
	sum := h.Sum(nil)
	copy(out[:], sum[len(sum)-4:])
	return out, nil
}

func newAEAD(masterKey []byte) (cipher.AEAD, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("sqrl: master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		// A 32-byte key is always valid for AES; a failure here means
		// the standard library's own invariant broke.
		panic(err.Error())
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err.Error())
	}
	return aead, nil
}

// GenerateNuts produces a QR-flagged and a link-flagged nut from a single
// allocation of entropy and address/timestamp/counter material, per
// spec.md §4.1. If timestamp is the zero Time, the current wall-clock
// time is used.
func GenerateNuts(masterKey []byte, addr string, counter uint32, timestamp time.Time) (qr, link Nut, err error) {
	aead, err := newAEAD(masterKey)
	if err != nil {
		return "", "", err
	}
	digest, err := addrDigest(masterKey, addr)
	if err != nil {
		return "", "", err
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var raw [rawNutLen]byte
	copy(raw[0:4], digest[:])
	binary.LittleEndian.PutUint32(raw[4:8], uint32(timestamp.Unix()))
	binary.LittleEndian.PutUint32(raw[8:12], counter)
	if _, err := io.ReadFull(rand.Reader, raw[12:16]); err != nil {
		// There is no recourse available to a caller if the system's
		// entropy source fails; treat it as non-recoverable.
		panic(err.Error())
	}

	qrRaw := raw
	qrRaw[15] &^= 1
	linkRaw := raw
	linkRaw[15] |= 1

	qr, err = sealNut(aead, qrRaw[:])
	if err != nil {
		return "", "", err
	}
	link, err = sealNut(aead, linkRaw[:])
	if err != nil {
		return "", "", err
	}
	return qr, link, nil
}

func sealNut(aead cipher.AEAD, plaintext []byte) (Nut, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		panic(err.Error())
	}
	ct := aead.Seal(nonce, nonce, plaintext, nil)
	return Nut(b64encode(ct)), nil
}

// LoadNut decrypts an encoded Nut. It does not (and cannot) recover the
// client address; call Validate afterward to compare against a candidate.
// A decryption failure (tampered ciphertext, wrong key, truncated input)
// is reported as an error, which the Request layer treats as nut
// invalidity rather than malformedness.
func LoadNut(masterKey []byte, encoded Nut) (*DecodedNut, error) {
	aead, err := newAEAD(masterKey)
	if err != nil {
		return nil, err
	}
	blob, err := b64decode(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("sqrl: undecodable nut: %w", err)
	}
	nonceSize := aead.NonceSize()
	if len(blob) <= nonceSize {
		return nil, fmt.Errorf("sqrl: nut too short")
	}
	nonce, ct := blob[:nonceSize], blob[nonceSize:]
	raw, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("sqrl: nut failed authentication: %w", err)
	}
	if len(raw) != rawNutLen {
		return nil, fmt.Errorf("sqrl: decrypted nut has wrong length %d", len(raw))
	}

	var digest [4]byte
	copy(digest[:], raw[0:4])
	ts := binary.LittleEndian.Uint32(raw[4:8])
	counter := binary.LittleEndian.Uint32(raw[8:12])
	flag := raw[15] & 1

	return &DecodedNut{
		Timestamp:  time.Unix(int64(ts), 0).UTC(),
		Counter:    counter,
		Link:       flag == 1,
		addrDigest: digest,
	}, nil
}

// Validate fills IPMatch, Fresh and CounterSane against the supplied
// candidate address, ttl and (optional) counter bounds. maxCounter and
// minCounter of nil disable the corresponding bound.
func (d *DecodedNut) Validate(masterKey []byte, addr string, ttl time.Duration, maxCounter, minCounter *uint32) error {
	digest, err := addrDigest(masterKey, addr)
	if err != nil {
		return err
	}
	d.IPMatch = digest == d.addrDigest

	now := time.Now()
	d.Fresh = !d.Timestamp.After(now) && now.Sub(d.Timestamp) < ttl

	d.CounterSane = (minCounter == nil || d.Counter >= *minCounter) &&
		(maxCounter == nil || d.Counter <= *maxCounter)

	return nil
}

// nutString picks the encoded form matching wantLink, used by the
// Request layer's finalize step to echo the source (QR vs link) of the
// nut the client answered with.
func nutString(qr, link Nut, wantLink bool) Nut {
	if wantLink {
		return link
	}
	return qr
}
