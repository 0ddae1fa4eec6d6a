package stanza

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	mstanza "mellium.im/xmpp/stanza"

	"github.com/meszmate/mucclient/internal/xmpp/ns"
)

// NewID returns a process-unique stanza id.
func NewID() string {
	return uuid.NewString()
}

// Encode serializes a token stream into a standalone XML document.
func Encode(r xml.TokenReader) ([]byte, error) {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(e, r); err != nil {
		return nil, fmt.Errorf("stanza: encode: %w", err)
	}
	if err := e.Flush(); err != nil {
		return nil, fmt.Errorf("stanza: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Text returns <name>text</name> or nil when text is empty.
func Text(name xml.Name, text string) xml.TokenReader {
	if text == "" {
		return nil
	}
	return xmlstream.Wrap(
		xmlstream.Token(xml.CharData(text)),
		xml.StartElement{Name: name},
	)
}

// Element wraps children in an element with the given attributes. Empty
// attribute values are omitted.
func Element(name xml.Name, attrs []xml.Attr, children ...xml.TokenReader) xml.TokenReader {
	kept := attrs[:0:0]
	for _, a := range attrs {
		if a.Value != "" {
			kept = append(kept, a)
		}
	}
	return xmlstream.Wrap(multi(children...), xml.StartElement{Name: name, Attr: kept})
}

// multi concatenates the non-nil readers.
func multi(readers ...xml.TokenReader) xml.TokenReader {
	kept := readers[:0:0]
	for _, r := range readers {
		if r != nil {
			kept = append(kept, r)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return xmlstream.MultiReader(kept...)
	}
}

// Attr is a shorthand for an unqualified attribute.
func Attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

// Query returns <query xmlns=space>children</query>.
func Query(space string, children ...xml.TokenReader) xml.TokenReader {
	return Element(xml.Name{Space: space, Local: "query"}, nil, children...)
}

// JoinOptions customizes a room join presence.
type JoinOptions struct {
	Password string
	// Since requests history newer than the given time. The zero value leaves
	// the amount of history up to the service.
	Since  time.Time
	Show   string
	Status string
}

// JoinPresence builds <presence to=room/nick><x xmlns=muc>…</x></presence>.
func JoinPresence(to jid.JID, id string, opts JoinOptions) xml.TokenReader {
	var history xml.TokenReader
	if !opts.Since.IsZero() {
		history = Element(xml.Name{Local: "history"}, []xml.Attr{
			Attr("since", opts.Since.UTC().Format(time.RFC3339)),
		})
	}
	x := Element(xml.Name{Space: ns.MUC, Local: "x"}, nil,
		Text(xml.Name{Local: "password"}, opts.Password),
		history,
	)
	return mstanza.Presence{ID: id, To: to}.Wrap(multi(
		Text(xml.Name{Local: "show"}, opts.Show),
		Text(xml.Name{Local: "status"}, opts.Status),
		x,
	))
}

// StatusPresence builds an available presence. A zero to broadcasts it.
func StatusPresence(to jid.JID, id, show, status string) xml.TokenReader {
	return mstanza.Presence{ID: id, To: to}.Wrap(multi(
		Text(xml.Name{Local: "show"}, show),
		Text(xml.Name{Local: "status"}, status),
	))
}

// UnavailablePresence builds <presence type="unavailable"/>.
func UnavailablePresence(to jid.JID, id, status string) xml.TokenReader {
	return mstanza.Presence{ID: id, To: to, Type: mstanza.UnavailablePresence}.Wrap(
		Text(xml.Name{Local: "status"}, status),
	)
}

// BuildIQ wraps payload in an iq of the given type.
func BuildIQ(typ mstanza.IQType, to jid.JID, id string, payload xml.TokenReader) xml.TokenReader {
	return mstanza.IQ{ID: id, To: to, Type: typ}.Wrap(payload)
}

// ErrorIQ builds an error response to an inbound request.
func ErrorIQ(to jid.JID, id string, typ mstanza.ErrorType, cond mstanza.Condition) xml.TokenReader {
	return mstanza.IQ{ID: id, To: to, Type: mstanza.ErrorIQ}.Wrap(
		mstanza.Error{Type: typ, Condition: cond}.TokenReader(),
	)
}

// OutgoingMessage describes a message to send.
type OutgoingMessage struct {
	To   jid.JID
	ID   string
	Type mstanza.MessageType
	Body string
	// HTML is XHTML-IM body markup; it must be well formed.
	HTML string
	Meta *Extension
}

// BuildMessage builds a <message/> with an optional XHTML-IM body and
// metadata element.
func BuildMessage(m OutgoingMessage) xml.TokenReader {
	var html xml.TokenReader
	if strings.TrimSpace(m.HTML) != "" {
		html = Element(xml.Name{Space: ns.XHTMLIM, Local: "html"}, nil,
			Element(xml.Name{Space: ns.XHTML, Local: "body"}, nil, RawReader([]byte(m.HTML))),
		)
	}
	var meta xml.TokenReader
	if m.Meta != nil {
		meta = m.Meta.TokenReader()
	}
	return mstanza.Message{ID: m.ID, To: m.To, Type: m.Type}.Wrap(multi(
		Text(xml.Name{Local: "body"}, m.Body),
		html,
		meta,
	))
}
