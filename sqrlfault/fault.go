// Package sqrlfault carries the typed value panicked by the sqrl core
// when a host violates the documented Request/action contract. These are
// programmer errors, not client-visible protocol failures — see §7 of
// the spec: they indicate host misuse and must never be silently
// swallowed.
package sqrlfault

import "fmt"

// ProtocolFault is panicked (never returned) when the caller violates
// the contract documented for a Request method — e.g. answering a 'find'
// action without a 'found' list, or a 'disable' action with Deactivated
// true but no SUK.
type ProtocolFault struct {
	Op  string
	Msg string
}

func (f *ProtocolFault) Error() string {
	return fmt.Sprintf("sqrl: %s: %s", f.Op, f.Msg)
}

// Raise panics with a *ProtocolFault built from op and the formatted msg.
func Raise(op, format string, args ...any) {
	panic(&ProtocolFault{Op: op, Msg: fmt.Sprintf(format, args...)})
}
