// Package transport defines the boundary between the client and the byte
// stream that carries stanzas.
//
// A transport delivers whole top-level stanzas in server order and reports
// lifecycle changes as numeric statuses. Implementations live in the tcp and
// websocket subpackages.
package transport

import (
	"context"
	"errors"
	"strconv"

	"mellium.im/xmpp/jid"
)

// Status is a connection lifecycle state reported by a transport.
type Status int

const (
	StatusError Status = iota
	StatusConnecting
	StatusConnFail
	StatusAuthenticating
	StatusAuthFail
	StatusConnected
	StatusDisconnected
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusConnecting:
		return "connecting"
	case StatusConnFail:
		return "connfail"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthFail:
		return "authfail"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether s ends a connection attempt.
func (s Status) Terminal() bool {
	switch s {
	case StatusError, StatusConnFail, StatusAuthFail, StatusDisconnected:
		return true
	}
	return false
}

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// Handler receives transport callbacks. Calls are made from a single
// goroutine per transport and in the order the events occurred.
type Handler interface {
	// HandleStatus reports a lifecycle change with an optional error token
	// (a SASL failure condition, a stream error, or a network error text).
	HandleStatus(s Status, condition string)
	// HandleBound reports the address the server bound, right before
	// StatusConnected. Its resourcepart may differ from the requested one.
	HandleBound(addr jid.JID)
	// HandleStanza delivers one complete top-level stanza.
	HandleStanza(raw []byte)
}

// Transport is a single-use connection. Once Connect has reported a
// terminal status or Close has been called it cannot be reopened.
type Transport interface {
	// Connect starts connecting in the background and returns immediately.
	Connect(ctx context.Context, addr jid.JID, password string, h Handler) error
	// Send writes one serialized stanza. It is safe for concurrent use.
	Send(raw []byte) error
	// Close ends the stream and releases the connection.
	Close() error
}

// Factory builds a fresh transport for each connection attempt.
type Factory func() Transport
