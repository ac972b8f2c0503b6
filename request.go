package sqrl

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/smw1218/sqrl-go/sqrlfault"
)

type requestState int

const (
	stateNew requestState = iota
	stateWellFormed
	stateValid
	stateAction
	stateComplete
)

func (s requestState) String() string {
	switch s {
	case stateNew:
		return "NEW"
	case stateWellFormed:
		return "WELLFORMED"
	case stateValid:
		return "VALID"
	case stateAction:
		return "ACTION"
	case stateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// maxTransitions bounds the number of internal state transitions a
// single Step call may make before giving up. Five is generous: a
// request can only ever move NEW->WELLFORMED->VALID->ACTION (or
// ->COMPLETE at any of those), so looping past it means a dispatch path
// failed to advance the state and would otherwise spin forever.
const maxTransitions = 5

// Request drives one SQRL login attempt through its state machine:
// NEW -> WELLFORMED -> VALID -> ACTION (zero or more host round trips)
// -> COMPLETE. Construct with NewRequest, then call Step once per host
// round trip (an empty Answer{} for the first call) until State is
// COMPLETE, at which point call Finalize.
type Request struct {
	masterKey []byte
	ipaddr    string
	ttl       time.Duration
	maxCount  *uint32
	minCount  *uint32
	secure    bool
	wantMAC   *string
	logger    *slog.Logger

	rawParams map[string]string

	tosign     string
	origServer string

	client         ClientEnvelope
	serverIsURL    bool
	serverURL      string
	serverEnvelope map[string]string

	decodedNut *DecodedNut

	state   requestState
	pending []Action
	admin   bool

	resp *Response
}

// RequestOption configures optional NewRequest behavior.
type RequestOption func(*Request) error

// WithIPAddr sets the candidate client address checked against the
// inbound nut. Defaults to "0.0.0.0" (no address binding).
func WithIPAddr(addr string) RequestOption {
	return func(r *Request) error {
		if addr != "" && net.ParseIP(addr) == nil {
			return fmt.Errorf("sqrl: invalid ip address %q", addr)
		}
		r.ipaddr = addr
		return nil
	}
}

// WithTTL overrides the default 600-second nut freshness window.
func WithTTL(ttl time.Duration) RequestOption {
	return func(r *Request) error {
		if ttl <= 0 {
			return fmt.Errorf("sqrl: ttl must be positive, got %s", ttl)
		}
		r.ttl = ttl
		return nil
	}
}

// WithMaxCounter rejects nuts whose embedded counter exceeds max.
func WithMaxCounter(max uint32) RequestOption {
	return func(r *Request) error { r.maxCount = &max; return nil }
}

// WithMinCounter rejects nuts whose embedded counter is below min.
func WithMinCounter(min uint32) RequestOption {
	return func(r *Request) error { r.minCount = &min; return nil }
}

// WithSecure records whether the request arrived over a secure transport
// (https). The value is stored on the Request but nothing in this package
// reads it, and no accessor exposes it; it has no effect on the state
// machine.
func WithSecure(secure bool) RequestOption {
	return func(r *Request) error { r.secure = secure; return nil }
}

// WithHMAC supplies the SipHash-2-4 MAC the host itself computed for
// the previous response (see Response.MAC), to be checked against the
// inbound 'server' field during the validity check. Omit it to skip MAC
// verification entirely, e.g. for a request's first round trip.
func WithHMAC(mac string) RequestOption {
	return func(r *Request) error { r.wantMAC = &mac; return nil }
}

// WithLogger attaches a structured logger for diagnostic tracing of
// state transitions. Defaults to slog.Default().
func WithLogger(l *slog.Logger) RequestOption {
	return func(r *Request) error { r.logger = l; return nil }
}

// NewRequest begins processing one login attempt's wire parameters:
// the raw, still-base64-encoded "nut", "client", "server" fields and
// any others (ids, pids, urs) the client sent. masterKey must be the
// same 32-byte key used to mint the nut.
func NewRequest(masterKey []byte, params map[string]string, opts ...RequestOption) (*Request, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("sqrl: master key must be 32 bytes, got %d", len(masterKey))
	}

	r := &Request{
		masterKey: masterKey,
		ipaddr:    "0.0.0.0",
		ttl:       600 * time.Second,
		secure:    true,
		logger:    slog.Default(),
		rawParams: make(map[string]string, len(params)),
		resp:      NewResponse(),
		state:     stateNew,
	}
	for k, v := range params {
		r.rawParams[k] = v
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// State reports the request's current position in the state machine.
func (r *Request) State() string { return r.state.String() }

// Done reports whether the request has finished transitioning and is
// ready for Finalize.
func (r *Request) Done() bool { return r.state == stateComplete }

// Pending returns the actions the host must resolve (via the next
// Step call's Answer) before the request can advance further. Once the
// request reaches COMPLETE it holds only the informational ActionBtn,
// ActionIns and ActionPins entries that Step queues on every call when
// the client envelope carries 'btn', 'ins' or 'pins'; those need no reply.
func (r *Request) Pending() []Action {
	out := make([]Action, len(r.pending))
	copy(out, r.pending)
	return out
}

// Admin reports whether this request has been VUK/URS-authorized for
// an 'enable' or 'remove' command.
func (r *Request) Admin() bool { return r.admin }

// TIF returns the status bitfield accumulated so far.
func (r *Request) TIF() uint16 { return r.resp.TIF() }

// Step advances the state machine by one host round trip. ans resolves
// whatever Actions are currently Pending (ignored, harmlessly, if
// nothing is pending) and may additionally carry server-initiated side
// channel data (Sin, Can, Ask), which is applied unconditionally on
// every call regardless of state.
func (r *Request) Step(ans Answer) {
	if r.state == stateAction {
		r.resolveActions(ans)
		r.pending = nil
	}

	if ans.Sin != "" {
		r.resp.AddParam("sin", ans.Sin)
	}
	if ans.Can != "" {
		r.resp.AddParam("can", stripURLAuthority(ans.Can))
	}
	if ans.Ask != nil {
		r.applyAsk(ans.Ask)
	}
	r.queueClientSignals()

	for i := 0; r.state != stateAction && r.state != stateComplete; i++ {
		if i >= maxTransitions {
			sqrlfault.Raise("step", "exceeded %d internal state transitions without reaching ACTION or COMPLETE", maxTransitions)
		}
		switch r.state {
		case stateNew:
			r.transitionFromNew()
		case stateWellFormed:
			r.transitionFromWellFormed()
		case stateValid:
			r.dispatchCommand()
		default:
			sqrlfault.Raise("step", "unreachable request state %s", r.state)
		}
	}
	r.logger.Debug("sqrl request step complete", "state", r.state.String(), "tif", fmt.Sprintf("%x", r.resp.TIF()))
}

func (r *Request) transitionFromNew() {
	if err := requireRawParams(r.rawParams, "nut", "client", "server", "ids"); err != nil {
		r.logger.Debug("sqrl request malformed", "reason", err)
		r.resp.TIFOn(0x40, 0x80)
		r.state = stateComplete
		return
	}

	r.origServer = r.rawParams["server"]
	r.tosign = r.rawParams["client"] + r.rawParams["server"]

	client, err := DecodeClientEnvelope(r.rawParams["client"])
	if err != nil || !client.has("ver") || !client.has("cmd") || !client.has("idk") ||
		client.get("ver") != "1" || !isKnownCmd(client.get("cmd")) {
		r.resp.TIFOn(0x40, 0x80)
		r.state = stateComplete
		return
	}
	for _, opt := range client.Opt {
		if !isKnownOpt(opt) {
			r.resp.TIFOn(0x40, 0x80)
			r.state = stateComplete
			return
		}
	}

	server, err := DecodeServerEnvelope(r.rawParams["server"])
	if err != nil {
		r.resp.TIFOn(0x40, 0x80)
		r.state = stateComplete
		return
	}

	r.client = client
	r.serverIsURL = server.IsURL
	r.serverURL = server.URL
	r.serverEnvelope = server.Fields
	r.state = stateWellFormed
}

func (r *Request) transitionFromWellFormed() {
	errs := r.checkValidity()
	switch {
	case contains(errs, "sigs"):
		r.resp.TIFOn(0x40, 0x80)
		r.state = stateComplete
	case contains(errs, "hmac"):
		r.resp.TIFOn(0x40, 0x80)
		r.state = stateComplete
	case contains(errs, "nut"):
		r.resp.TIFOn(0x20, 0x40)
		r.state = stateComplete
	case len(errs) > 0:
		r.pending = append(r.pending, ActionConfirm{Issues: errs})
		r.state = stateAction
	default:
		r.state = stateValid
	}
}

// checkValidity runs the signature, MAC and nut checks described in
// spec.md §4.3 in order, short-circuiting after "sigs" or "hmac" (a
// failure there makes the remaining checks meaningless — the message
// cannot be trusted at all). A successful nut decode is cached on the
// request for later use by Finalize.
func (r *Request) checkValidity() []string {
	var errs []string

	if !verifySig(r.tosign, r.client.get("idk"), r.rawParams["ids"]) {
		return append(errs, "sigs")
	}
	if pids, ok := r.rawParams["pids"]; ok && r.client.has("pidk") {
		if !verifySig(r.tosign, r.client.get("pidk"), pids) {
			return append(errs, "sigs")
		}
	}

	if r.wantMAC != nil {
		if *r.wantMAC != macString(r.masterKey, []byte(r.origServer)) {
			return append(errs, "hmac")
		}
	}

	decoded, err := LoadNut(r.masterKey, Nut(r.rawParams["nut"]))
	if err != nil {
		return append(errs, "nut")
	}
	if verr := decoded.Validate(r.masterKey, r.ipaddr, r.ttl, r.maxCount, r.minCount); verr != nil {
		sqrlfault.Raise("validate", "invalid configured ip address %q: %v", r.ipaddr, verr)
	}
	r.decodedNut = decoded

	if decoded.IPMatch {
		r.resp.TIFOn(0x04)
	} else {
		errs = append(errs, "ip")
	}
	if !decoded.Fresh {
		errs = append(errs, "time")
	}
	if !decoded.CounterSane {
		errs = append(errs, "counter")
	}
	return errs
}

// verifySig reports whether sig (base64, padded or not, per the wire
// format) is a valid Ed25519 signature over msg by the key encoded in
// idk. Any decode failure is treated as an invalid signature rather
// than a fault: a hand-crafted bad key/signature is ordinary client
// misbehavior, not a contract violation by our own caller.
func verifySig(msg, idk, sig string) bool {
	pub, err := b64decode(idk)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	rawSig, err := b64decode(sig)
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), rawSig)
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// dispatchCommand queues the Action(s) appropriate to the client's
// command once the request has reached VALID, per spec.md §4.4's
// command table.
func (r *Request) dispatchCommand() {
	cmd := r.client.get("cmd")
	r.logger.Debug("sqrl dispatch command", "cmd", cmd, "admin", r.admin)

	switch cmd {
	case "query":
		keys := []string{r.client.get("idk")}
		if r.client.has("pidk") {
			keys = append(keys, r.client.get("pidk"))
		}
		r.pending = append(r.pending, ActionFind{Keys: keys})
		r.state = stateAction

	case "ident":
		act := ActionAuth{IDK: r.client.get("idk")}
		if r.client.has("suk") {
			act.SUK = r.client.get("suk")
		}
		if r.client.has("vuk") {
			act.VUK = r.client.get("vuk")
		}
		act.CPS = r.client.hasOpt("cps")
		r.pending = append(r.pending, act)
		r.queueOpts()
		r.state = stateAction

	case "disable":
		r.pending = append(r.pending, ActionDisable{IDK: r.client.get("idk")})
		r.queueOpts()
		r.state = stateAction

	case "enable":
		if r.admin {
			r.pending = append(r.pending, ActionEnable{IDK: r.client.get("idk")})
			r.queueOpts()
		} else {
			r.pending = append(r.pending, ActionVUK{})
		}
		r.state = stateAction

	case "remove":
		if r.admin {
			r.pending = append(r.pending, ActionRemove{IDK: r.client.get("idk")})
		} else {
			r.pending = append(r.pending, ActionVUK{})
		}
		r.state = stateAction

	default:
		// Unreachable: transitionFromNew already rejected any cmd not
		// in the known-command set, which today is identical to the
		// supported-command set. Kept distinct, matching the original
		// implementation, in case the two sets ever diverge.
		r.resp.TIFOn(0x10, 0x40)
		r.state = stateComplete
	}
}

// queueClientSignals appends ActionBtn/ActionIns/ActionPins whenever the
// client envelope carries the matching 'btn'/'ins'/'pins' field, mirroring
// the original implementation's unconditional per-round-trip check. Before
// the envelope has been decoded (the first Step call) r.client is still
// its zero value and every has() check is false, naturally matching the
// original's own behavior of never seeing these on a request's first round.
func (r *Request) queueClientSignals() {
	if r.client.has("btn") {
		r.pending = append(r.pending, ActionBtn{Value: r.client.get("btn")})
	}
	if r.client.has("ins") {
		r.pending = append(r.pending, ActionIns{Value: r.client.get("ins")})
	}
	if r.client.has("pins") {
		r.pending = append(r.pending, ActionPins{Value: r.client.get("pins")})
	}
}

func (r *Request) queueOpts() {
	r.pending = append(r.pending, ActionSQRLOnly{Want: r.client.hasOpt("sqrlonly")})
	r.pending = append(r.pending, ActionHardlock{Want: r.client.hasOpt("hardlock")})
	if r.client.hasOpt("suk") {
		r.pending = append(r.pending, ActionSUK{})
	}
}

// resolveActions applies a single Answer against every Action queued
// since the previous Step, exactly as the original implementation
// resolves its whole pending list against one shared args dict.
func (r *Request) resolveActions(ans Answer) {
	for _, act := range r.pending {
		switch act.(type) {
		case ActionConfirm:
			if ans.Confirmed {
				r.state = stateValid
			} else {
				r.resp.TIFOn(0x20, 0x40)
				r.state = stateComplete
			}

		case ActionFind:
			if ans.Found == nil {
				sqrlfault.Raise("find", "host did not answer the pending find action with a Found list")
			}
			if len(ans.Found) > 0 && ans.Found[0] {
				r.resp.TIFOn(0x01)
				if ans.Disabled {
					r.resp.TIFOn(0x08)
					if ans.SUK == "" {
						sqrlfault.Raise("find", "host must provide a Server Unlock Key for a disabled account")
					}
					r.resp.AddParam("suk", ans.SUK)
				}
			}
			if len(ans.Found) > 1 && ans.Found[1] {
				r.resp.TIFOn(0x02)
			}
			r.state = stateComplete

		case ActionAuth:
			if ans.Authenticated == nil {
				sqrlfault.Raise("auth", "host did not answer the pending auth action")
			}
			if *ans.Authenticated {
				r.resp.TIFOn(0x01)
				if ans.URL != "" {
					r.resp.AddParam("url", ans.URL)
				}
			} else if ans.AuthDisabled {
				r.resp.TIFOn(0x01, 0x08, 0x40)
				if ans.AuthSUK == "" {
					sqrlfault.Raise("auth", "host must provide a Server Unlock Key for a disabled account")
				}
				r.resp.AddParam("suk", ans.AuthSUK)
			} else {
				r.resp.TIFOn(0x40, 0x80)
			}
			r.state = stateComplete

		case ActionDisable:
			if ans.Deactivated == nil {
				sqrlfault.Raise("disable", "host did not answer the pending disable action")
			}
			if *ans.Deactivated {
				if ans.DisableSUK == "" {
					sqrlfault.Raise("disable", "host must provide a Server Unlock Key when deactivating")
				}
				r.resp.AddParam("suk", ans.DisableSUK)
				r.resp.TIFOn(0x01, 0x08)
			} else {
				if ans.FoundHint {
					r.resp.TIFOn(0x01)
				}
				r.resp.TIFOn(0x40)
			}
			r.state = stateComplete

		case ActionEnable:
			if ans.Activated == nil {
				sqrlfault.Raise("enable", "host did not answer the pending enable action")
			}
			if *ans.Activated {
				r.resp.TIFOn(0x01)
			} else {
				if ans.FoundHint {
					r.resp.TIFOn(0x01)
				}
				r.resp.TIFOn(0x40)
			}
			r.state = stateComplete

		case ActionRemove:
			if ans.Removed == nil {
				sqrlfault.Raise("remove", "host did not answer the pending remove action")
			}
			if *ans.Removed {
				r.resp.TIFOff(0x01)
			} else {
				if ans.FoundHint {
					r.resp.TIFOn(0x01)
				}
				r.resp.TIFOn(0x40)
			}
			r.state = stateComplete

		case ActionSQRLOnly:
			if ans.SQRLOnly != nil && !*ans.SQRLOnly {
				r.resp.TIFOn(0x10, 0x40)
				r.state = stateComplete
			}

		case ActionHardlock:
			if ans.Hardlock != nil && !*ans.Hardlock {
				r.resp.TIFOn(0x10, 0x40)
				r.state = stateComplete
			}

		case ActionSUK:
			if ans.SUKValue != "" {
				r.resp.AddParam("suk", ans.SUKValue)
			}

		case ActionVUK:
			if !ans.VUKSet {
				sqrlfault.Raise("vuk", "host did not answer the pending vuk action")
			}
			if ans.VUK == nil {
				r.resp.TIFOn(0x40, 0x80)
				r.state = stateComplete
				continue
			}
			urs, ok := r.rawParams["urs"]
			if !ok || !verifySig(r.tosign, *ans.VUK, urs) {
				r.resp.TIFOn(0x40, 0x80)
				r.state = stateComplete
				continue
			}
			r.admin = true
			r.state = stateValid

		case ActionBtn, ActionIns, ActionPins:
			// Informational; no host reply required.

		default:
			sqrlfault.Raise("step", "unrecognized pending action %T", act)
		}
	}
}

// applyAsk renders a server-initiated interrupt into the wire 'ask'
// parameter and ends the request, per spec.md §4.5.
func (r *Request) applyAsk(ask *Ask) {
	if ask.Msg == "" {
		sqrlfault.Raise("ask", "an Ask must carry a non-empty message")
	}
	msg := b64encode([]byte(ask.Msg))
	for _, btn := range ask.Buttons {
		if strings.Contains(btn.Label, ";") {
			sqrlfault.Raise("ask", "button labels may not contain ';'")
		}
		txt := b64encode([]byte(btn.Label))
		if btn.URL != "" {
			txt += ";" + stripURLAuthority(btn.URL)
		}
		msg += "~" + txt
	}
	r.resp.AddParam("ask", msg)
	r.resp.TIFOn(0x40)
	r.state = stateComplete
}

// FinalizeOptions configures Request.Finalize.
type FinalizeOptions struct {
	// Counter is required unless Nut is supplied directly; it is the
	// host's monotonic per-address/per-period counter for freshly
	// minted nuts.
	Counter *uint32
	// IPAddr overrides the address new nuts are bound to; defaults to
	// the Request's own configured address.
	IPAddr string
	// Nut, if set, is used verbatim instead of generating a fresh pair
	// — e.g. when the host pre-generated nuts out of band.
	Nut *Nut
	// Qry overrides the query path the response's "qry" points at;
	// defaults to the original request's server URL or qry field.
	Qry string
	// Timestamp overrides the nut's embedded time; the zero value means
	// "now".
	Timestamp time.Time
}

// Finalize renders the final response once the request has reached
// COMPLETE: mints (or reuses) a nut matching the inbound nut's QR/link
// origin, resolves the "qry" target, and returns an independent,
// fully-populated Response ready to serialize to the client.
func (r *Request) Finalize(opts FinalizeOptions) (*Response, Nut, error) {
	if r.state != stateComplete {
		sqrlfault.Raise("finalize", "request is not COMPLETE (state %s)", r.state)
	}

	var nutOut Nut
	if opts.Nut != nil {
		nutOut = *opts.Nut
	} else {
		if opts.Counter == nil {
			sqrlfault.Raise("finalize", "must supply Counter when Nut is not pre-generated")
		}
		addr := r.ipaddr
		if opts.IPAddr != "" {
			addr = opts.IPAddr
		}
		qr, link, err := GenerateNuts(r.masterKey, addr, *opts.Counter, opts.Timestamp)
		if err != nil {
			return nil, "", err
		}
		nutOut = nutString(qr, link, r.wantLink())
	}

	qry := opts.Qry
	if qry == "" {
		if r.serverIsURL {
			qry = r.serverURL
		} else if r.serverEnvelope != nil {
			qry = r.serverEnvelope["qry"]
		}
	}
	if qry == "" {
		sqrlfault.Raise("finalize", "no 'qry' target available to finalize against")
	}
	qry = stripURLAuthority(setQueryParam(qry, "nut", string(nutOut)))

	out := r.resp.Clone()
	out.AddParam("nut", string(nutOut))
	out.AddParam("qry", qry)
	return out, nutOut, nil
}

// wantLink reports whether the inbound nut that started this request
// was link-flagged, so Finalize can echo the same origin back. Falls
// back to the QR form if the inbound nut was never successfully
// decoded (e.g. the request never progressed past NEW).
func (r *Request) wantLink() bool {
	if r.decodedNut != nil {
		return r.decodedNut.Link
	}
	raw, ok := r.rawParams["nut"]
	if !ok {
		return false
	}
	dn, err := LoadNut(r.masterKey, Nut(raw))
	if err != nil {
		return false
	}
	return dn.Link
}
