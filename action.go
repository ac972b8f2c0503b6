package sqrl

// Action is the tagged-sum payload the state machine queues when it
// needs the host to do something it cannot do itself — look up a key,
// authenticate an identity, disable an account, and so on. Per spec.md
// §9's DESIGN NOTES, this replaces the original implementation's
// heterogeneous tuples: each Action variant below implements the
// interface, so an unrecognized action is a compile error, not a
// runtime fallback.
type Action interface {
	actionTag() string
}

// ActionConfirm asks the host to confirm whether the request should
// proceed despite one or more nut-validation failures.
type ActionConfirm struct {
	// Issues lists which checks failed: any of "ip", "time", "counter".
	Issues []string
}

// ActionFind asks the host to look up one or more SQRL identities.
// Keys always contains the primary identity (idk) first, and the
// previous identity (pidk) second if the client supplied one.
type ActionFind struct {
	Keys []string
}

// ActionAuth asks the host to authenticate (or newly register) the
// given identity.
type ActionAuth struct {
	IDK string
	SUK string // empty if the client did not supply one
	VUK string // empty if the client did not supply one
	CPS bool   // the client requested a Client Provided Session
}

// ActionDisable asks the host to disable the given identity.
type ActionDisable struct {
	IDK string
}

// ActionEnable asks the host to re-enable the given identity. Only
// queued once the request has been VUK/URS-authorized.
type ActionEnable struct {
	IDK string
}

// ActionRemove asks the host to permanently remove the given identity.
// Only queued once the request has been VUK/URS-authorized.
type ActionRemove struct {
	IDK string
}

// ActionSQRLOnly tells the host the client's requested 'sqrlonly' state.
type ActionSQRLOnly struct{ Want bool }

// ActionHardlock tells the host the client's requested 'hardlock' state.
type ActionHardlock struct{ Want bool }

// ActionSUK asks the host to return the stored Server Unlock Key.
type ActionSUK struct{}

// ActionVUK asks the host for the stored Verify Unlock Key, needed to
// authorize 'enable'/'remove'.
type ActionVUK struct{}

// ActionBtn reports that the client answered a previous 'ask' with a
// button press. No reply is required from the host.
type ActionBtn struct{ Value string }

// ActionIns reports the client supplied an 'ins' parameter. No reply is
// required from the host.
type ActionIns struct{ Value string }

// ActionPins reports the client supplied a 'pins' parameter. No reply is
// required from the host.
type ActionPins struct{ Value string }

func (ActionConfirm) actionTag() string   { return "confirm" }
func (ActionFind) actionTag() string      { return "find" }
func (ActionAuth) actionTag() string      { return "auth" }
func (ActionDisable) actionTag() string   { return "disable" }
func (ActionEnable) actionTag() string    { return "enable" }
func (ActionRemove) actionTag() string    { return "remove" }
func (ActionSQRLOnly) actionTag() string  { return "sqrlonly" }
func (ActionHardlock) actionTag() string  { return "hardlock" }
func (ActionSUK) actionTag() string       { return "suk" }
func (ActionVUK) actionTag() string       { return "vuk" }
func (ActionBtn) actionTag() string       { return "btn" }
func (ActionIns) actionTag() string       { return "ins" }
func (ActionPins) actionTag() string      { return "pins" }

// Answer is the host's reply to a Step call. A single Answer resolves
// every Action queued since the previous Step — exactly like the
// original implementation's single `args` dict, whose keys are read by
// whichever queued action tuples need them. The fields a reply must carry
// are pointers (or paired with a dedicated *Set flag) so the state
// machine can tell "the host left
// this unset" apart from "the host explicitly answered false/empty",
// which matters for several of the resolution rules in spec.md §4.4.
type Answer struct {
	// Confirm
	Confirmed bool

	// Find
	Found    []bool // must be set (non-nil) to resolve a pending ActionFind
	Disabled bool
	SUK      string

	// Auth
	Authenticated *bool // must be set to resolve a pending ActionAuth
	URL           string
	AuthDisabled  bool
	AuthSUK       string

	// Disable
	Deactivated *bool // must be set to resolve a pending ActionDisable
	DisableSUK  string

	// FoundHint carries the optional 'found' hint the host may attach to
	// a false Disable/Enable/Remove reply, meaning the identity exists
	// but the requested change did not apply. It is read independently
	// by whichever of those three actions is currently pending.
	FoundHint bool

	// Enable
	Activated *bool // must be set to resolve a pending ActionEnable

	// Remove
	Removed *bool // must be set to resolve a pending ActionRemove

	// SQRLOnly / Hardlock: nil means the host didn't answer (silently
	// accepted); non-nil false hard-fails the request.
	SQRLOnly *bool
	Hardlock *bool

	// SUK action
	SUKValue string

	// VUK: VUKSet distinguishes "host didn't answer at all" (a fault)
	// from "host answered, and VUK is nil" (host has no key on file).
	VUKSet bool
	VUK    *string

	// Server-initiated side channels, checked on every Step call.
	Sin string
	Can string
	Ask *Ask
}

// Ask describes a server-initiated interrupt: present a message (and
// optionally up to a handful of buttons) to the client, aborting the
// current command.
type Ask struct {
	Msg     string
	Buttons []AskButton
}

// AskButton is one button offered by an Ask. URL is optional; when
// present it must not itself contain a ';' once stripped (it's joined
// into the wire format with ';').
type AskButton struct {
	Label string
	URL   string // empty if this button has no associated URL
}
