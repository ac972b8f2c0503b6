// Package sqrltest provides an in-memory identity directory and a small
// driver for resolving sqrl.Request actions against it, for use in tests
// and worked examples. It is not part of the protocol core and is not
// suitable for production use: adapted from an in-memory session store
// (sync.Mutex-guarded maps, a crypto/rand-backed id
// generator), repurposed here from web-session/token storage to SQRL
// identity bookkeeping.
package sqrltest

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/smw1218/sqrl-go"
)

// Identity is one registered SQRL key, as a host's user directory would
// track it.
type Identity struct {
	ID       string
	IDK      string
	Disabled bool
	SUK      string
	VUK      string
}

// Directory is a goroutine-safe, in-memory identity store keyed by
// identity key (idk). It exists purely to give worked examples and
// tests something concrete to drive sqrl.Request against.
type Directory struct {
	mu         sync.Mutex
	identities map[string]*Identity
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{identities: make(map[string]*Identity)}
}

// Find looks up an identity by idk. Returns nil, false if unknown.
func (d *Directory) Find(idk string) (*Identity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.identities[idk]
	return id, ok
}

// Register creates a new identity, as a host would on first 'ident'.
func (d *Directory) Register(idk, suk, vuk string) *Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := &Identity{ID: newID(), IDK: idk, SUK: suk, VUK: vuk}
	d.identities[idk] = id
	return id
}

// Rekey replaces oldIDK's directory entry with a fresh key, preserving
// the identity record — the 'ident' response to a client presenting
// both idk and pidk.
func (d *Directory) Rekey(oldIDK, newIDK string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.identities[oldIDK]
	if !ok {
		return
	}
	delete(d.identities, oldIDK)
	id.IDK = newIDK
	d.identities[newIDK] = id
}

// SetDisabled flips an identity's disabled flag.
func (d *Directory) SetDisabled(idk string, disabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.identities[idk]; ok {
		id.Disabled = disabled
	}
}

// Remove deletes an identity entirely.
func (d *Directory) Remove(idk string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.identities, idk)
}

func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// Resolve answers every currently Pending action on req against the
// directory: find returns existing/disabled state, ident registers an
// unknown identity and authenticates it (it never re-keys),
// disable/enable/remove update the stored entry, sqrlonly/hardlock echo
// the client's requested state, suk is left unanswered, and vuk is always
// answered with no key on file. It is a convenience for tests and worked
// examples, not a policy any real host must follow verbatim.
func (d *Directory) Resolve(req *sqrl.Request) sqrl.Answer {
	var ans sqrl.Answer
	for _, act := range req.Pending() {
		switch a := act.(type) {
		case sqrl.ActionConfirm:
			ans.Confirmed = true
			_ = a

		case sqrl.ActionFind:
			found := make([]bool, 0, len(a.Keys))
			var disabled bool
			var suk string
			for _, k := range a.Keys {
				id, ok := d.Find(k)
				found = append(found, ok)
				if ok && id.Disabled {
					disabled = true
					suk = id.SUK
				}
			}
			ans.Found = found
			ans.Disabled = disabled
			ans.SUK = suk

		case sqrl.ActionAuth:
			id, ok := d.Find(a.IDK)
			if !ok {
				id = d.Register(a.IDK, a.SUK, a.VUK)
				ok = true
			}
			if ok && id.Disabled {
				ans.Authenticated = boolPtr(false)
				ans.AuthDisabled = true
				ans.AuthSUK = id.SUK
			} else {
				ans.Authenticated = boolPtr(true)
			}

		case sqrl.ActionDisable:
			id, ok := d.Find(a.IDK)
			ans.Deactivated = boolPtr(ok)
			if ok {
				d.SetDisabled(a.IDK, true)
				ans.DisableSUK = id.SUK
			}

		case sqrl.ActionEnable:
			_, ok := d.Find(a.IDK)
			ans.Activated = boolPtr(ok)
			if ok {
				d.SetDisabled(a.IDK, false)
			}

		case sqrl.ActionRemove:
			_, ok := d.Find(a.IDK)
			ans.Removed = boolPtr(ok)
			if ok {
				d.Remove(a.IDK)
			}

		case sqrl.ActionSQRLOnly:
			ans.SQRLOnly = boolPtr(a.Want)

		case sqrl.ActionHardlock:
			ans.Hardlock = boolPtr(a.Want)

		case sqrl.ActionSUK:
			// Left to the ActionFind/ActionAuth/ActionDisable handling
			// above, which already supplies "suk" when relevant.

		case sqrl.ActionVUK:
			ans.VUKSet = true
			ans.VUK = nil

		case sqrl.ActionBtn, sqrl.ActionIns, sqrl.ActionPins:
			// No reply required.
		}
	}
	return ans
}

func boolPtr(b bool) *bool { return &b }
