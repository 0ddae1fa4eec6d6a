// Package xmpperr classifies protocol failures into a closed set of error
// conditions and defines the errors surfaced to callers of the client.
package xmpperr

import (
	"errors"
	"fmt"

	mstanza "mellium.im/xmpp/stanza"

	"github.com/meszmate/mucclient/internal/transport"
	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

// Synthetic conditions that never appear on the wire.
const (
	// Timeout is reported when no response arrived before the deadline.
	Timeout mstanza.Condition = "timeout"
	// Unknown is reported for error payloads without a recognized condition.
	Unknown mstanza.Condition = "unknown"
)

// Conditions lists the recognized RFC 6120 stanza error conditions.
var Conditions = []mstanza.Condition{
	mstanza.BadRequest,
	mstanza.Conflict,
	mstanza.FeatureNotImplemented,
	mstanza.Forbidden,
	mstanza.Gone,
	mstanza.InternalServerError,
	mstanza.ItemNotFound,
	mstanza.JIDMalformed,
	mstanza.NotAcceptable,
	mstanza.NotAllowed,
	mstanza.NotAuthorized,
	mstanza.PolicyViolation,
	mstanza.RecipientUnavailable,
	mstanza.Redirect,
	mstanza.RegistrationRequired,
	mstanza.RemoteServerNotFound,
	mstanza.RemoteServerTimeout,
	mstanza.ResourceConstraint,
	mstanza.ServiceUnavailable,
	mstanza.SubscriptionRequired,
	mstanza.UndefinedCondition,
	mstanza.UnexpectedRequest,
}

var known = func() map[mstanza.Condition]bool {
	m := make(map[mstanza.Condition]bool, len(Conditions))
	for _, c := range Conditions {
		m[c] = true
	}
	return m
}()

// Sentinel errors.
var (
	ErrTimeout        = errors.New("xmpp: request timed out")
	ErrConnectionLost = errors.New("xmpp: connection lost")

	ErrAlreadyConnected   = errors.New("xmpp: already connected")
	ErrNotConnected       = errors.New("xmpp: not connected")
	ErrAccountMismatch    = errors.New("sync: settings belong to another account")
	ErrConflict           = errors.New("sync: local and remote settings diverged")
	ErrNoSyncMetadata     = errors.New("sync: remote settings carry no sync metadata")
	ErrInvalidNickname    = errors.New("muc: invalid nickname")
	ErrNickInUse          = errors.New("muc: nickname already in use")
	ErrPasswordRequired   = errors.New("muc: room requires a password")
	ErrBanned             = errors.New("muc: banned from room")
	ErrRoomCreationDenied = errors.New("muc: room creation denied")
	ErrJoinCancelled      = errors.New("muc: join cancelled")
	ErrJoinInProgress     = errors.New("muc: join to another room in progress")
	ErrNotInRoom          = errors.New("muc: not in a room")
	ErrSuperseded         = errors.New("muc: superseded by a newer request")
	ErrRoomDestroyed      = errors.New("muc: room destroyed")
)

// StanzaError is a protocol level rejection. Timeouts are StanzaErrors with
// the Timeout condition and no payload.
type StanzaError struct {
	Condition mstanza.Condition
	Type      mstanza.ErrorType
	Text      string
	// Raw is the element name of an unrecognized condition.
	Raw string
}

func (e *StanzaError) Error() string {
	cond := string(e.Condition)
	if e.Condition == Unknown && e.Raw != "" {
		cond = fmt.Sprintf("unknown (%s)", e.Raw)
	}
	if e.Text != "" {
		return fmt.Sprintf("xmpp: %s: %s", cond, e.Text)
	}
	return "xmpp: " + cond
}

// Is matches ErrTimeout for timeouts, and any mellium stanza.Error or
// StanzaError with the same condition.
func (e *StanzaError) Is(target error) bool {
	switch t := target.(type) {
	case mstanza.Error:
		return t.Condition == e.Condition
	case *StanzaError:
		return t.Condition == e.Condition
	}
	return target == ErrTimeout && e.Condition == Timeout
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Condition returns the stanza condition carried by err, or "" if err is
// not a StanzaError.
func Condition(err error) mstanza.Condition {
	var se *StanzaError
	if errors.As(err, &se) {
		return se.Condition
	}
	return ""
}

// NewTimeout returns the error reported for an unanswered request.
func NewTimeout() *StanzaError {
	return &StanzaError{Condition: Timeout}
}

// Classify maps the error payload of st to a StanzaError. A nil stanza means
// no response arrived and yields a timeout.
func Classify(st stanza.Stanza) *StanzaError {
	if st == nil {
		return NewTimeout()
	}
	var el *stanza.ErrorElement
	switch s := st.(type) {
	case *stanza.Presence:
		el = s.Error
	case *stanza.Message:
		el = s.Error
	case *stanza.IQ:
		el = s.Error
	}
	return ClassifyElement(el)
}

// ClassifyElement selects the first recognized condition among the children
// of el.
func ClassifyElement(el *stanza.ErrorElement) *StanzaError {
	if el == nil {
		return &StanzaError{Condition: Unknown}
	}
	e := &StanzaError{Type: mstanza.ErrorType(el.Type), Text: el.Text}
	for _, name := range el.Conditions {
		if name.Space != "" && name.Space != ns.Stanzas {
			continue
		}
		if c := mstanza.Condition(name.Local); known[c] {
			e.Condition = c
			return e
		}
	}
	e.Condition = Unknown
	if len(el.Conditions) > 0 {
		e.Raw = el.Conditions[0].Local
	}
	return e
}

// ConnectionError is a transport or authentication level failure.
type ConnectionError struct {
	Status transport.Status
	// Condition is the optional error token reported with the status.
	Condition string
}

func (e *ConnectionError) Error() string {
	if e.Condition != "" {
		return fmt.Sprintf("xmpp: connection %s: %s", e.Status, e.Condition)
	}
	return fmt.Sprintf("xmpp: connection %s", e.Status)
}

// Is reports a lost connection for every failure other than a rejected
// authentication.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionLost && e.Status != transport.StatusAuthFail
}
