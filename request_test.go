package sqrl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smw1218/sqrl-go/sqrltest"
)

// Fixtures reused verbatim from the original implementation's test suite
// (they're pure wire-format data, independent of any particular master
// key, so they carry over unchanged).
const (
	wfClientStr = "dmVyPTENCmNtZD1xdWVyeQ0KaWRrPVRMcHlyb3dMaFdmOS1oZExMUFFPQS03LXhwbEk5TE94c2ZMWHN5VGNjVmMNCm9wdD1jcHN-c3VrDQo"
	wfServerStr = "c3FybDovL3d3dy5ncmMuY29tL3Nxcmw_bnV0PVpIUVNuYllXU0REVWo1NzBtc0l1VlEmc2ZuPVIxSkQmY2FuPWFIUjBjSE02THk5M2QzY3VaM0pqTG1OdmJTOXpjWEpzTDJScFlXY3VhSFJ0"
	wfIDS       = "tCTr1DoEYANtxGE_kRNHgSsHa87aRG9C0vNqy7h6CaV8tH5TnBJmdW0gbDsja1JsRbSNA4ZeFVUIfOnzdEz8DA"

	wfClientBadVer     = "dmVyPTINCmNtZD1xdWVyeQ0KaWRrPVRMcHlyb3dMaFdmOS1oZExMUFFPQS03LXhwbEk5TE94c2ZMWHN5VGNjVmMNCm9wdD1jcHN-c3VrDQo"
	wfClientMissingVer = "Y21kPXF1ZXJ5DQppZGs9VExweXJvd0xoV2Y5LWhkTExQUU9BLTcteHBsSTlMT3hzZkxYc3lUY2NWYw0Kb3B0PWNwc35zdWsNCg"
	wfClientMissingCmd = "dmVyPTENCmlkaz1UTHB5cm93TGhXZjktaGRMTFBRT0EtNy14cGxJOUxPeHNmTFhzeVRjY1ZjDQpvcHQ9Y3BzfnN1aw0K"
	wfClientMissingIDK = "dmVyPTENCmNtZD1xdWVyeQ0Kb3B0PWNwc35zdWsNCg"
	wfClientUnknownCmd = "dmVyPTENCmNtZD1raWxsDQppZGs9VExweXJvd0xoV2Y5LWhkTExQUU9BLTcteHBsSTlMT3hzZkxYc3lUY2NWYw0Kb3B0PWNwc35zdWsNCg"
	wfClientNoOpt      = "dmVyPTENCmNtZD1xdWVyeQ0KaWRrPVRMcHlyb3dMaFdmOS1oZExMUFFPQS03LXhwbEk5TE94c2ZMWHN5VGNjVmMNCg"
	wfClientUnknownOpt = "dmVyPTENCmNtZD1xdWVyeQ0KaWRrPVRMcHlyb3dMaFdmOS1oZExMUFFPQS03LXhwbEk5TE94c2ZMWHN5VGNjVmMNCm9wdD1jcHN-c3VrfmRpZQ0K"
)

func wellFormedParams(t *testing.T, key []byte, ipaddr string, counter uint32, ts time.Time) map[string]string {
	t.Helper()
	qr, _, err := GenerateNuts(key, ipaddr, counter, ts)
	require.NoError(t, err)
	return map[string]string{
		"nut":    string(qr),
		"client": wfClientStr,
		"server": wfServerStr,
		"ids":    wfIDS,
	}
}

// These well-formedness tests call transitionFromNew directly rather than
// the full Step, since swapping in a different 'client' string (to probe a
// malformed-envelope case) invalidates the 'ids' signature fixture and
// would otherwise be rejected one stage later for an unrelated reason.

func TestWellFormednessGoodParams(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithMaxCounter(105))
	require.NoError(t, err)
	req.transitionFromNew()
	assert.Equal(t, stateWellFormed, req.state)
}

func TestWellFormednessMissingRequiredParams(t *testing.T) {
	for _, missing := range []string{"nut", "client", "server", "ids"} {
		t.Run(missing, func(t *testing.T) {
			key := randKey(t)
			params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
			delete(params, missing)
			req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithMaxCounter(105))
			require.NoError(t, err)
			req.transitionFromNew()
			assert.Equal(t, stateComplete, req.state)
			assert.Equal(t, uint16(0x40|0x80), req.TIF())
		})
	}
}

func TestWellFormednessBadClientVariants(t *testing.T) {
	cases := map[string]string{
		"bad version": wfClientBadVer,
		"missing ver": wfClientMissingVer,
		"missing cmd": wfClientMissingCmd,
		"missing idk": wfClientMissingIDK,
		"unknown cmd": wfClientUnknownCmd,
		"unknown opt": wfClientUnknownOpt,
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			key := randKey(t)
			params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
			params["client"] = client
			req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithMaxCounter(105))
			require.NoError(t, err)
			req.transitionFromNew()
			assert.Equal(t, stateComplete, req.state)
			assert.Equal(t, uint16(0x40|0x80), req.TIF())
		})
	}
}

func TestWellFormednessNoOptIsFine(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
	params["client"] = wfClientNoOpt
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithMaxCounter(105))
	require.NoError(t, err)
	req.transitionFromNew()
	assert.Equal(t, stateWellFormed, req.state)
}

func TestValidityBasicCasePasses(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Now().Add(-100*time.Second))
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithMaxCounter(105))
	require.NoError(t, err)
	req.Step(Answer{})
	assert.Equal(t, "ACTION", req.State())
	assert.Equal(t, uint16(0x04), req.TIF())
}

func TestValidityBadSignature(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Now().Add(-100*time.Second))
	params["ids"] = params["ids"] + "a"
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithMaxCounter(105))
	require.NoError(t, err)
	req.Step(Answer{})
	assert.Equal(t, "COMPLETE", req.State())
	assert.Equal(t, uint16(0x40|0x80), req.TIF())
}

func TestValidityUnreadableNut(t *testing.T) {
	key := randKey(t)
	otherKey := randKey(t)
	otherKey[0] ^= 0xFF
	badNut, _, err := GenerateNuts(otherKey, "1.2.3.4", 100, time.Time{})
	require.NoError(t, err)

	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
	params["nut"] = string(badNut)
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithMaxCounter(105))
	require.NoError(t, err)
	req.Step(Answer{})
	assert.Equal(t, "COMPLETE", req.State())
	assert.Equal(t, uint16(0x20|0x40), req.TIF())
}

func TestValidityNutIssuesConfirm(t *testing.T) {
	key := randKey(t)
	past := time.Now().Add(-100 * time.Second)

	t.Run("ip mismatch", func(t *testing.T) {
		params := wellFormedParams(t, key, "1.2.3.4", 100, past)
		req, err := NewRequest(key, params, WithIPAddr("1.2.3.5"))
		require.NoError(t, err)
		req.Step(Answer{})
		assert.Equal(t, "ACTION", req.State())
		c := req.Pending()[0].(ActionConfirm)
		assert.Equal(t, []string{"ip"}, c.Issues)
	})

	t.Run("not fresh", func(t *testing.T) {
		params := wellFormedParams(t, key, "1.2.3.4", 100, past)
		req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithTTL(10*time.Second))
		require.NoError(t, err)
		req.Step(Answer{})
		c := req.Pending()[0].(ActionConfirm)
		assert.Equal(t, []string{"time"}, c.Issues)
	})

	t.Run("counter too small", func(t *testing.T) {
		params := wellFormedParams(t, key, "1.2.3.4", 100, past)
		req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithMinCounter(1000))
		require.NoError(t, err)
		req.Step(Answer{})
		c := req.Pending()[0].(ActionConfirm)
		assert.Equal(t, []string{"counter"}, c.Issues)
	})

	t.Run("counter too big", func(t *testing.T) {
		params := wellFormedParams(t, key, "1.2.3.4", 100, past)
		req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"), WithMaxCounter(1))
		require.NoError(t, err)
		req.Step(Answer{})
		c := req.Pending()[0].(ActionConfirm)
		assert.Equal(t, []string{"counter"}, c.Issues)
	})

	t.Run("all three", func(t *testing.T) {
		params := wellFormedParams(t, key, "1.2.3.4", 100, past)
		req, err := NewRequest(key, params, WithIPAddr("1.2.3.5"), WithTTL(10*time.Second), WithMaxCounter(1))
		require.NoError(t, err)
		req.Step(Answer{})
		c := req.Pending()[0].(ActionConfirm)
		assert.Equal(t, []string{"ip", "time", "counter"}, c.Issues)
	})
}

func TestQueryFindFlow(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"))
	require.NoError(t, err)

	req.Step(Answer{})
	require.Equal(t, "ACTION", req.State())
	find := req.Pending()[0].(ActionFind)
	assert.Equal(t, []string{fixtureIDK}, find.Keys)

	req.Step(Answer{Found: []bool{true}})
	assert.Equal(t, "COMPLETE", req.State())
	assert.Equal(t, uint16(0x01|0x04), req.TIF())
}

func TestFindDisabledAccount(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"))
	require.NoError(t, err)

	req.Step(Answer{})
	req.Step(Answer{Found: []bool{true}, Disabled: true, SUK: "SUK"})
	assert.Equal(t, "COMPLETE", req.State())
	assert.Equal(t, uint16(0x01|0x04|0x08), req.TIF())
	suk, ok := req.resp.Param("suk")
	assert.True(t, ok)
	assert.Equal(t, "SUK", suk)
}

func TestConfirmFlow(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})

	t.Run("confirmed false aborts", func(t *testing.T) {
		req, err := NewRequest(key, params, WithIPAddr("9.9.9.9"))
		require.NoError(t, err)
		req.Step(Answer{})
		require.Equal(t, "ACTION", req.State())
		req.Step(Answer{Confirmed: false})
		assert.Equal(t, "COMPLETE", req.State())
		assert.Equal(t, uint16(0x20|0x40), req.TIF())
	})

	t.Run("confirmed true continues dispatch", func(t *testing.T) {
		req, err := NewRequest(key, params, WithIPAddr("9.9.9.9"))
		require.NoError(t, err)
		req.Step(Answer{})
		req.Step(Answer{Confirmed: true})
		assert.Equal(t, "ACTION", req.State())
		_, ok := req.Pending()[0].(ActionFind)
		assert.True(t, ok)
	})
}

// dispatchedRequest drives a Request straight to a freshly-dispatched
// command, bypassing well-formedness/signature checking. The only
// signature fixture above (wfIDS) signs the 'query' client envelope
// wfClientStr, so testing command dispatch (disable/ident/enable/...)
// directly against the internal state avoids fabricating Ed25519
// signatures this module has no way to produce outside a live client.
func dispatchedRequest(t *testing.T, key []byte, cmd string, opts ...string) *Request {
	t.Helper()
	req, err := NewRequest(key, map[string]string{}, WithIPAddr("1.2.3.4"))
	require.NoError(t, err)
	req.client = ClientEnvelope{
		Fields: map[string]string{"ver": "1", "cmd": cmd, "idk": fixtureIDK},
		Opt:    opts,
	}
	req.tosign = wfClientStr + wfServerStr
	req.state = stateValid
	req.dispatchCommand()
	return req
}

func TestDisableFlow(t *testing.T) {
	key := randKey(t)
	req := dispatchedRequest(t, key, "disable", "cps", "suk")
	require.Equal(t, "ACTION", req.State())
	_, ok := req.Pending()[0].(ActionDisable)
	require.True(t, ok)

	req.Step(Answer{Deactivated: boolPtr(true), DisableSUK: "SUK"})
	assert.Equal(t, "COMPLETE", req.State())
	assert.Equal(t, uint16(0x01|0x08), req.TIF())
}

func TestEnableWithoutAdminRequiresVUK(t *testing.T) {
	key := randKey(t)
	req := dispatchedRequest(t, key, "enable", "cps", "suk")
	require.Equal(t, "ACTION", req.State())
	_, ok := req.Pending()[0].(ActionVUK)
	require.True(t, ok)

	// A VUK whose signature over tosign does not match urs (no urs
	// present at all here) must hard-fail.
	req.Step(Answer{VUKSet: true, VUK: strPtr("someVUKvalue")})
	assert.Equal(t, "COMPLETE", req.State())
	assert.Equal(t, uint16(0x40|0x80), req.TIF())
}

// TestEnableRemoveFlowThroughDirectory drives a successful VUK-verified
// admin grant all the way through enable and remove resolution against a
// sqrltest.Directory, the counterpart to TestEnableWithoutAdminRequiresVUK's
// failure path above. The 'urs' signature reuses the wfIDS/fixtureIDK pair:
// since req.tosign is pinned to wfClientStr+wfServerStr by dispatchedRequest,
// that is exactly the message wfIDS is a valid Ed25519 signature over (see
// TestVerifySigFixture in envelope_test.go), so it verifies as a genuine VUK
// grant without needing a freshly-produced signature.
func TestEnableRemoveFlowThroughDirectory(t *testing.T) {
	key := randKey(t)
	dir := sqrltest.NewDirectory()
	dir.Register(fixtureIDK, "SUK", fixtureIDK)

	enableReq := dispatchedRequest(t, key, "enable", "sqrlonly", "hardlock")
	require.Equal(t, "ACTION", enableReq.State())
	_, ok := enableReq.Pending()[0].(ActionVUK)
	require.True(t, ok)

	enableReq.rawParams["urs"] = wfIDS
	enableReq.Step(Answer{VUKSet: true, VUK: strPtr(fixtureIDK)})
	require.True(t, enableReq.Admin())
	require.Equal(t, "ACTION", enableReq.State())
	_, ok = enableReq.Pending()[0].(ActionEnable)
	require.True(t, ok)

	enableReq.Step(dir.Resolve(enableReq))
	assert.Equal(t, "COMPLETE", enableReq.State())
	assert.Equal(t, uint16(0x01), enableReq.TIF())

	removeReq := dispatchedRequest(t, key, "remove")
	require.Equal(t, "ACTION", removeReq.State())
	_, ok = removeReq.Pending()[0].(ActionVUK)
	require.True(t, ok)

	removeReq.rawParams["urs"] = wfIDS
	removeReq.Step(Answer{VUKSet: true, VUK: strPtr(fixtureIDK)})
	require.True(t, removeReq.Admin())
	require.Equal(t, "ACTION", removeReq.State())
	_, ok = removeReq.Pending()[0].(ActionRemove)
	require.True(t, ok)

	removeReq.Step(dir.Resolve(removeReq))
	assert.Equal(t, "COMPLETE", removeReq.State())
	_, stillThere := dir.Find(fixtureIDK)
	assert.False(t, stillThere)
}

func TestAskProducesExpectedWireFormat(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"))
	require.NoError(t, err)

	req.Step(Answer{Ask: &Ask{
		Msg: "Two buttons w/ URLs",
		Buttons: []AskButton{
			{Label: "Button 1", URL: "/url1"},
			{Label: "Button 2", URL: "https://www.example.com:8080/url2#frag"},
		},
	}})

	assert.Equal(t, "COMPLETE", req.State())
	assert.Equal(t, uint16(0x40), req.TIF())
	ask, ok := req.resp.Param("ask")
	require.True(t, ok)
	assert.Equal(t, "VHdvIGJ1dHRvbnMgdy8gVVJMcw~QnV0dG9uIDE;/url1~QnV0dG9uIDI;/url2#frag", ask)
}

func TestAskRejectsSemicolonInLabel(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"))
	require.NoError(t, err)

	assert.Panics(t, func() {
		req.Step(Answer{Ask: &Ask{Msg: "hi", Buttons: []AskButton{{Label: "a;b"}}}})
	})
}

func TestFinalizeInjectsNutAndQry(t *testing.T) {
	key := randKey(t)
	params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
	req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"))
	require.NoError(t, err)
	req.Step(Answer{})
	req.Step(Answer{Found: []bool{true}})
	require.Equal(t, "COMPLETE", req.State())

	counter := uint32(101)
	resp1, nut1, err := req.Finalize(FinalizeOptions{Counter: &counter})
	require.NoError(t, err)
	gotQry, ok := resp1.Param("qry")
	require.True(t, ok)
	assert.Contains(t, gotQry, "nut="+string(nut1))
	gotNut, ok := resp1.Param("nut")
	require.True(t, ok)
	assert.Equal(t, string(nut1), gotNut)

	resp2, nut2, err := req.Finalize(FinalizeOptions{Nut: &nut1})
	require.NoError(t, err)
	assert.Equal(t, nut1, nut2)
	gotQry2, _ := resp2.Param("qry")
	assert.Equal(t, gotQry, gotQry2)
}

func TestFatalErrorCases(t *testing.T) {
	key := randKey(t)

	newQueryReq := func(t *testing.T) *Request {
		params := wellFormedParams(t, key, "1.2.3.4", 100, time.Time{})
		req, err := NewRequest(key, params, WithIPAddr("1.2.3.4"))
		require.NoError(t, err)
		req.Step(Answer{})
		require.Equal(t, "ACTION", req.State())
		return req
	}

	t.Run("find missing found", func(t *testing.T) {
		req := newQueryReq(t)
		assert.Panics(t, func() { req.Step(Answer{}) })
	})

	t.Run("auth missing authenticated", func(t *testing.T) {
		req := dispatchedRequest(t, key, "ident", "cps", "suk")
		require.Equal(t, "ACTION", req.State())
		assert.Panics(t, func() { req.Step(Answer{}) })
	})

	t.Run("disable missing deactivated", func(t *testing.T) {
		req := dispatchedRequest(t, key, "disable", "cps", "suk")
		require.Equal(t, "ACTION", req.State())
		assert.Panics(t, func() { req.Step(Answer{}) })
	})

	t.Run("disable deactivated true without suk", func(t *testing.T) {
		req := dispatchedRequest(t, key, "disable", "cps", "suk")
		require.Equal(t, "ACTION", req.State())
		assert.Panics(t, func() { req.Step(Answer{Deactivated: boolPtr(true)}) })
	})

	t.Run("unrecognized action keyword is unreachable via public API", func(t *testing.T) {
		// Action is a closed tagged sum (an unexported marker method), so
		// there is no way to construct a pending value resolveActions
		// doesn't recognize: the default-case panic is a compile-time
		// guarantee here, not something a test can trigger.
	})
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }
