// Package stanza parses inbound XMPP stanzas into a small tagged union and
// builds outbound ones.
//
// Only the handful of child elements the engine consumes get typed
// accessors: MUC user items and status codes, destroy notices, delays, error
// conditions and bodies. Everything else is kept as an opaque Extension.
package stanza

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/jid"
)

// Kind is the top-level element of a stanza.
type Kind int

const (
	KindPresence Kind = iota
	KindMessage
	KindIQ
)

// String returns the element name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPresence:
		return "presence"
	case KindMessage:
		return "message"
	case KindIQ:
		return "iq"
	default:
		return "unknown"
	}
}

// ErrUnknownStanza is returned by Parse for top-level elements that are not
// presence, message or iq.
var ErrUnknownStanza = errors.New("stanza: unknown top-level element")

// Stanza is one of *Presence, *Message or *IQ.
type Stanza interface {
	Kind() Kind
	Head() Header
}

// Header holds the attributes common to all stanzas.
type Header struct {
	ID   string
	From jid.JID
	To   jid.JID
	Type string
}

// Extension is an unparsed child element.
type Extension struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

// Attr returns the value of the unqualified attribute name.
func (e Extension) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// ErrorElement is the <error/> child of an error stanza.
type ErrorElement struct {
	Type string
	By   string
	// Conditions lists the defined-condition children in document order.
	Conditions []xml.Name
	Text       string
	Lang       string
}

// Actor is the moderator named in a kick or ban.
type Actor struct {
	Nick string
	JID  jid.JID
}

// Item is a muc#user <item/>.
type Item struct {
	Nick        string
	JID         jid.JID
	Role        string
	Affiliation string
	Actor       *Actor
	Reason      string
}

// Destroy is a muc#user <destroy/> notice.
type Destroy struct {
	JID      jid.JID
	Reason   string
	Password string
}

// MUCUser is the muc#user <x/> payload of presence and message stanzas.
type MUCUser struct {
	Items    []Item
	Statuses []int
	Destroy  *Destroy
	Password string
}

// HasStatus reports whether code is among the status codes.
func (x *MUCUser) HasStatus(code int) bool {
	if x == nil {
		return false
	}
	for _, c := range x.Statuses {
		if c == code {
			return true
		}
	}
	return false
}

// Item returns the first item or the zero Item.
func (x *MUCUser) Item() Item {
	if x == nil || len(x.Items) == 0 {
		return Item{}
	}
	return x.Items[0]
}

// Presence is a parsed <presence/>.
type Presence struct {
	Header
	Show     string
	Status   string
	Priority int
	MUC      *MUCUser
	Error    *ErrorElement
}

func (*Presence) Kind() Kind     { return KindPresence }
func (p *Presence) Head() Header { return p.Header }

// Message is a parsed <message/>.
type Message struct {
	Header
	Body    string
	Subject *string
	Thread  string
	// HTML is the inner markup of the XHTML-IM body, if any.
	HTML       string
	Delay      time.Time
	DelayFrom  jid.JID
	MUC        *MUCUser
	Error      *ErrorElement
	Extensions []Extension
}

func (*Message) Kind() Kind     { return KindMessage }
func (m *Message) Head() Header { return m.Header }

// Delayed reports whether the message carries a delay stamp.
func (m *Message) Delayed() bool {
	return !m.Delay.IsZero()
}

// Extension returns the first unparsed child with the given name.
func (m *Message) Extension(name xml.Name) (Extension, bool) {
	for _, e := range m.Extensions {
		if e.XMLName == name {
			return e, true
		}
	}
	return Extension{}, false
}

// IQ is a parsed <iq/>.
type IQ struct {
	Header
	Payload *Extension
	Error   *ErrorElement
}

func (*IQ) Kind() Kind      { return KindIQ }
func (iq *IQ) Head() Header { return iq.Header }

// Query returns the payload if its qualified name is {space}local.
func (iq *IQ) Query(space, local string) (*Extension, bool) {
	if iq.Payload == nil {
		return nil, false
	}
	if iq.Payload.XMLName.Space != space || iq.Payload.XMLName.Local != local {
		return nil, false
	}
	return iq.Payload, true
}

// Parse decodes a single top-level stanza.
func Parse(raw []byte) (Stanza, error) {
	d := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("stanza: empty document")
		}
		if err != nil {
			return nil, fmt.Errorf("stanza: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "presence":
			return decodePresence(d, start)
		case "message":
			return decodeMessage(d, start)
		case "iq":
			return decodeIQ(d, start)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownStanza, start.Name.Local)
		}
	}
}

type rawHeader struct {
	ID   string `xml:"id,attr"`
	From string `xml:"from,attr"`
	To   string `xml:"to,attr"`
	Type string `xml:"type,attr"`
}

func (r rawHeader) header() (Header, error) {
	h := Header{ID: r.ID, Type: r.Type}
	var err error
	if r.From != "" {
		if h.From, err = jid.Parse(r.From); err != nil {
			return h, fmt.Errorf("stanza: bad from %q: %w", r.From, err)
		}
	}
	if r.To != "" {
		if h.To, err = jid.Parse(r.To); err != nil {
			return h, fmt.Errorf("stanza: bad to %q: %w", r.To, err)
		}
	}
	return h, nil
}

type rawChild struct {
	XMLName xml.Name
	Lang    string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	Text    string `xml:",chardata"`
}

type rawError struct {
	Type     string     `xml:"type,attr"`
	By       string     `xml:"by,attr"`
	Children []rawChild `xml:",any"`
}

func (r *rawError) element() *ErrorElement {
	if r == nil {
		return nil
	}
	e := &ErrorElement{Type: r.Type, By: r.By}
	for _, c := range r.Children {
		if c.XMLName.Local == "text" {
			if e.Text == "" {
				e.Text = c.Text
				e.Lang = c.Lang
			}
			continue
		}
		e.Conditions = append(e.Conditions, c.XMLName)
	}
	return e
}

type rawActor struct {
	Nick string `xml:"nick,attr"`
	JID  string `xml:"jid,attr"`
}

type rawItem struct {
	Nick        string    `xml:"nick,attr"`
	JID         string    `xml:"jid,attr"`
	Role        string    `xml:"role,attr"`
	Affiliation string    `xml:"affiliation,attr"`
	Actor       *rawActor `xml:"actor"`
	Reason      string    `xml:"reason"`
}

type rawStatus struct {
	Code string `xml:"code,attr"`
}

type rawDestroy struct {
	JID      string `xml:"jid,attr"`
	Reason   string `xml:"reason"`
	Password string `xml:"password"`
}

type rawMUCUser struct {
	Items    []rawItem   `xml:"item"`
	Statuses []rawStatus `xml:"status"`
	Destroy  *rawDestroy `xml:"destroy"`
	Password string      `xml:"password"`
}

// optionalJID parses s, returning the zero JID for empty or malformed
// values. Payload addresses are informational and never reject a stanza.
func optionalJID(s string) jid.JID {
	if s == "" {
		return jid.JID{}
	}
	j, err := jid.Parse(s)
	if err != nil {
		return jid.JID{}
	}
	return j
}

func (r *rawMUCUser) user() *MUCUser {
	if r == nil {
		return nil
	}
	x := &MUCUser{Password: r.Password}
	for _, it := range r.Items {
		item := Item{
			Nick:        it.Nick,
			JID:         optionalJID(it.JID),
			Role:        it.Role,
			Affiliation: it.Affiliation,
			Reason:      it.Reason,
		}
		if it.Actor != nil {
			item.Actor = &Actor{Nick: it.Actor.Nick, JID: optionalJID(it.Actor.JID)}
		}
		x.Items = append(x.Items, item)
	}
	for _, s := range r.Statuses {
		code, err := strconv.Atoi(s.Code)
		if err != nil {
			continue
		}
		x.Statuses = append(x.Statuses, code)
	}
	if r.Destroy != nil {
		x.Destroy = &Destroy{
			JID:      optionalJID(r.Destroy.JID),
			Reason:   r.Destroy.Reason,
			Password: r.Destroy.Password,
		}
	}
	return x
}

type rawPresence struct {
	rawHeader
	Show     string      `xml:"show"`
	Status   string      `xml:"status"`
	Priority string      `xml:"priority"`
	MUC      *rawMUCUser `xml:"http://jabber.org/protocol/muc#user x"`
	Error    *rawError   `xml:"error"`
}

func decodePresence(d *xml.Decoder, start xml.StartElement) (*Presence, error) {
	var r rawPresence
	if err := d.DecodeElement(&r, &start); err != nil {
		return nil, fmt.Errorf("stanza: decode presence: %w", err)
	}
	h, err := r.header()
	if err != nil {
		return nil, err
	}
	p := &Presence{
		Header: h,
		Show:   r.Show,
		Status: r.Status,
		MUC:    r.MUC.user(),
		Error:  r.Error.element(),
	}
	if r.Priority != "" {
		p.Priority, _ = strconv.Atoi(r.Priority)
	}
	return p, nil
}

type rawHTML struct {
	Body *struct {
		Inner string `xml:",innerxml"`
	} `xml:"http://www.w3.org/1999/xhtml body"`
}

type rawMessage struct {
	rawHeader
	Body       string       `xml:"body"`
	Subject    *string      `xml:"subject"`
	Thread     string       `xml:"thread"`
	HTML       *rawHTML     `xml:"http://jabber.org/protocol/xhtml-im html"`
	Delay      *delay.Delay `xml:"urn:xmpp:delay delay"`
	MUC        *rawMUCUser  `xml:"http://jabber.org/protocol/muc#user x"`
	Error      *rawError    `xml:"error"`
	Extensions []Extension  `xml:",any"`
}

func decodeMessage(d *xml.Decoder, start xml.StartElement) (*Message, error) {
	var r rawMessage
	if err := d.DecodeElement(&r, &start); err != nil {
		return nil, fmt.Errorf("stanza: decode message: %w", err)
	}
	h, err := r.header()
	if err != nil {
		return nil, err
	}
	m := &Message{
		Header:     h,
		Body:       r.Body,
		Subject:    r.Subject,
		Thread:     r.Thread,
		MUC:        r.MUC.user(),
		Error:      r.Error.element(),
		Extensions: r.Extensions,
	}
	if r.HTML != nil && r.HTML.Body != nil {
		m.HTML = r.HTML.Body.Inner
	}
	if r.Delay != nil {
		m.Delay = r.Delay.Time
		m.DelayFrom = r.Delay.From
	}
	return m, nil
}

type rawIQ struct {
	rawHeader
	Error    *rawError   `xml:"error"`
	Children []Extension `xml:",any"`
}

func decodeIQ(d *xml.Decoder, start xml.StartElement) (*IQ, error) {
	var r rawIQ
	if err := d.DecodeElement(&r, &start); err != nil {
		return nil, fmt.Errorf("stanza: decode iq: %w", err)
	}
	h, err := r.header()
	if err != nil {
		return nil, err
	}
	iq := &IQ{Header: h, Error: r.Error.element()}
	if len(r.Children) > 0 {
		payload := r.Children[0]
		iq.Payload = &payload
	}
	return iq, nil
}
