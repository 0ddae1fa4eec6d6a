package xmpperr

import (
	"errors"
	"fmt"
	"testing"

	mstanza "mellium.im/xmpp/stanza"

	"github.com/meszmate/mucclient/internal/transport"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

func parse(t *testing.T, raw string) stanza.Stanza {
	t.Helper()
	st, err := stanza.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return st
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		error string
		cond  mstanza.Condition
		text  string
		raw   string
	}{
		{
			name:  "conflict",
			error: `<error type="cancel"><conflict xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error>`,
			cond:  mstanza.Conflict,
		},
		{
			name: "text is carried",
			error: `<error type="auth"><not-authorized xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/>` +
				`<text xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">password required</text></error>`,
			cond: mstanza.NotAuthorized,
			text: "password required",
		},
		{
			name: "first recognized condition wins",
			error: `<error type="modify"><custom xmlns="urn:example:app"/>` +
				`<jid-malformed xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/>` +
				`<bad-request xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error>`,
			cond: mstanza.JIDMalformed,
		},
		{
			name:  "unknown condition",
			error: `<error type="cancel"><made-up xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error>`,
			cond:  Unknown,
			raw:   "made-up",
		},
		{
			name:  "empty error",
			error: `<error type="cancel"/>`,
			cond:  Unknown,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for _, kind := range []string{"presence", "message", "iq"} {
				st := parse(t, fmt.Sprintf(`<%s type="error" id="x">%s</%s>`, kind, tc.error, kind))
				e := Classify(st)
				if e.Condition != tc.cond || e.Text != tc.text || e.Raw != tc.raw {
					t.Fatalf("%s: Classify = %+v, want condition %q text %q raw %q", kind, e, tc.cond, tc.text, tc.raw)
				}
			}
		})
	}
}

func TestClassifyWithoutErrorElement(t *testing.T) {
	e := Classify(parse(t, `<iq type="error" id="x"/>`))
	if e.Condition != Unknown {
		t.Fatalf("condition = %q, want unknown", e.Condition)
	}
}

func TestTimeout(t *testing.T) {
	e := Classify(nil)
	if e.Condition != Timeout {
		t.Fatalf("condition = %q, want timeout", e.Condition)
	}
	if !IsTimeout(e) || !errors.Is(fmt.Errorf("ping: %w", e), ErrTimeout) {
		t.Fatalf("timeout not recognized")
	}
	if IsTimeout(&StanzaError{Condition: mstanza.Conflict}) {
		t.Fatalf("conflict reported as timeout")
	}
}

func TestStanzaErrorIs(t *testing.T) {
	err := fmt.Errorf("join: %w", &StanzaError{Condition: mstanza.Forbidden, Type: mstanza.Auth})
	if !errors.Is(err, mstanza.Error{Condition: mstanza.Forbidden}) {
		t.Fatalf("errors.Is against the mellium error failed")
	}
	if errors.Is(err, mstanza.Error{Condition: mstanza.Conflict}) {
		t.Fatalf("matched a different condition")
	}
	if Condition(err) != mstanza.Forbidden {
		t.Fatalf("Condition = %q", Condition(err))
	}
	if Condition(errors.New("plain")) != "" {
		t.Fatalf("Condition of a plain error is not empty")
	}
}

func TestStanzaErrorMessage(t *testing.T) {
	tests := []struct {
		err  *StanzaError
		want string
	}{
		{&StanzaError{Condition: mstanza.Conflict}, "xmpp: conflict"},
		{&StanzaError{Condition: mstanza.Conflict, Text: "nick taken"}, "xmpp: conflict: nick taken"},
		{&StanzaError{Condition: Unknown, Raw: "made-up"}, "xmpp: unknown (made-up)"},
	}
	for _, tc := range tests {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestConnectionError(t *testing.T) {
	tests := []struct {
		status transport.Status
		lost   bool
	}{
		{transport.StatusError, true},
		{transport.StatusConnFail, true},
		{transport.StatusDisconnected, true},
		{transport.StatusAuthFail, false},
	}
	for _, tc := range tests {
		err := fmt.Errorf("connect: %w", &ConnectionError{Status: tc.status, Condition: "x"})
		if got := errors.Is(err, ErrConnectionLost); got != tc.lost {
			t.Errorf("%v: errors.Is(ErrConnectionLost) = %v, want %v", tc.status, got, tc.lost)
		}
	}
	if got := (&ConnectionError{Status: transport.StatusAuthFail, Condition: "not-authorized"}).Error(); got != "xmpp: connection authfail: not-authorized" {
		t.Fatalf("Error() = %q", got)
	}
}
