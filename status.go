package alljoyn

import (
	"errors"
	"fmt"
)

// Connectivity errors. Surfaced to the caller, never retried internally.
var (
	ErrBusNotStarted         = errors.New("bus attachment not started")
	ErrBusAlreadyStarted     = errors.New("bus attachment already started")
	ErrBusStopping           = errors.New("bus attachment is stopping")
	ErrBusNotConnected       = errors.New("bus attachment not connected")
	ErrBusAlreadyConnected   = errors.New("bus attachment already connected")
	ErrTransportNotAvailable = errors.New("no transport for connect spec")
)

// Protocol errors. Converted to an Error reply when the caller expects one.
var (
	ErrNoSuchObject          = errors.New("no such object")
	ErrNoSuchInterface       = errors.New("object has no such interface")
	ErrNoSuchMember          = errors.New("object has no such member")
	ErrUnmatchedReply        = errors.New("reply serial matches no outstanding method call")
	ErrObjectAlreadyExists   = errors.New("object already exists at path")
	ErrIfaceAlreadyExists    = errors.New("interface already exists")
	ErrNoSession             = errors.New("no such session")
	ErrSessionPortInUse      = errors.New("session port already bound")
	ErrJoinRejected          = errors.New("session join rejected by host")
	ErrUnexpectedDisposition = errors.New("unexpected disposition code from bus")
	ErrNameTaken             = errors.New("bus name already has an owner")
)

// Security errors. Routed to the security-violation hook as well as surfaced.
var (
	ErrMessageNotEncrypted = errors.New("message was not encrypted")
	ErrDecryptionFailed    = errors.New("message decryption failed")
	ErrNotAuthorized       = errors.New("message not authorized")
)

// Programming errors. Logged and degraded, never fatal in release builds.
var (
	ErrDeadlock               = errors.New("unregister called from the receiver's own handler")
	ErrBlockingCallNotAllowed = errors.New("blocking call not allowed on a dispatch goroutine")
	ErrAmbiguousSide          = errors.New("session is self-joined, operation must name a side")
	ErrSignatureMismatch      = errors.New("argument signature mismatch")
)

var (
	ErrBadObjectPath    = errors.New("illegal object path")
	ErrBadBusName       = errors.New("illegal bus name")
	ErrBadInterfaceName = errors.New("illegal interface name")
	ErrBadMemberName    = errors.New("illegal member name")
	ErrBadMatchRule     = errors.New("illegal match rule")
)

// BadArgError reports which positional argument of a call was invalid.
type BadArgError struct {
	N int
}

func (e *BadArgError) Error() string {
	return fmt.Sprintf("bad argument %d", e.N)
}

// Wire error names carried in Error messages. The org.alljoyn.Bus.Timeout
// and org.alljoyn.Bus.Exiting names are synthesized locally when a reply
// alarm fires; the rest are produced when rejecting inbound method calls.
const (
	errNameTimeout           = "org.alljoyn.Bus.Timeout"
	errNameExiting           = "org.alljoyn.Bus.Exiting"
	errNameSecurityViolation = "org.alljoyn.Bus.SecurityViolation"
	errNameServiceUnknown    = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNamePrefix            = "org.alljoyn.Bus."
)

// isSecurityError reports whether err must also be delivered to the
// security-violation hook, since it may indicate an active attack.
func isSecurityError(err error) bool {
	return errors.Is(err, ErrMessageNotEncrypted) ||
		errors.Is(err, ErrDecryptionFailed) ||
		errors.Is(err, ErrNotAuthorized)
}

// rejectionFor maps a method-call rejection to the wire error name and
// description used in the Error reply.
func rejectionFor(err error, description string) (string, string) {
	switch {
	case errors.Is(err, ErrMessageNotEncrypted):
		return errNameSecurityViolation, "Expected secure method call"
	case errors.Is(err, ErrDecryptionFailed):
		return errNameSecurityViolation, "Unable to authenticate method call"
	case errors.Is(err, ErrNotAuthorized):
		return errNameSecurityViolation, "Method call not authorized"
	case errors.Is(err, ErrNoSuchObject):
		return errNameServiceUnknown, err.Error()
	case errors.Is(err, ErrNoSuchInterface):
		return errNamePrefix + "NoSuchInterface", description
	case errors.Is(err, ErrNoSuchMember):
		return errNamePrefix + "NoSuchMember", description
	default:
		return errNamePrefix + "Failed", err.Error()
	}
}
