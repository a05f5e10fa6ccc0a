package fault

import (
	"errors"
	"fmt"
)

// Kind classifies where an enrollment failure originated.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindTransport
	KindApplication
	KindTimeout
	KindDerivation
	KindDownstream
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindTransport:
		return "TRANSPORT"
	case KindApplication:
		return "APPLICATION"
	case KindTimeout:
		return "TIMEOUT"
	case KindDerivation:
		return "DERIVATION"
	case KindDownstream:
		return "DOWNSTREAM"
	case KindBusy:
		return "BUSY"
	default:
		return "UNKNOWN"
	}
}

// Op names the protocol step that failed.
type Op string

const (
	OpHostCall    Op = "host_call"
	OpListKeys    Op = "list_keys"
	OpGetKey      Op = "get_key"
	OpDerive      Op = "derive"
	OpAppendVault Op = "append_vault"
	OpEnable      Op = "enable_chains"
	OpFinalize    Op = "finalize_key"
	OpNavigate    Op = "navigate"
	OpSubmit      Op = "submit"
	OpSelect      Op = "select"
)

// Error is the single tagged error used across the enrollment flow.
// Op is the outermost step; Kind is inherited from the wrapped fault
// unless set explicitly.
type Error struct {
	Op   Op
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a fault with no cause.
func New(op Op, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches op to err. If err already carries a fault its kind and
// message are kept; otherwise kind is used.
func Wrap(op Op, kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) {
		return &Error{Op: op, Kind: inner.Kind, Msg: inner.Msg, Err: err}
	}
	return &Error{Op: op, Kind: kind, Msg: err.Error(), Err: err}
}

// KindOf reports the kind of the outermost fault in err's chain.
func KindOf(err error) Kind {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// OpOf reports the op of the outermost fault in err's chain.
func OpOf(err error) Op {
	var f *Error
	if errors.As(err, &f) {
		return f.Op
	}
	return ""
}

// Is reports whether err carries a fault of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message is the human-readable part of the outermost fault, without
// op or kind prefixes.
func Message(err error) string {
	var f *Error
	if errors.As(err, &f) {
		if f.Msg != "" {
			return f.Msg
		}
		if f.Err != nil {
			return f.Err.Error()
		}
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
