// Package chat converts inbound message stanzas into received messages,
// builds outbound ones and keeps a bounded history per conversation.
package chat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"mellium.im/xmpp/jid"
	mstanza "mellium.im/xmpp/stanza"

	"github.com/meszmate/mucclient/internal/xmpp/address"
	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
	"github.com/meszmate/mucclient/internal/xmpp/xmpperr"
)

// DefaultHistory is the number of messages kept per conversation.
const DefaultHistory = 500

// MetaName is the name of the opaque metadata element.
var MetaName = xml.Name{Space: ns.Meta, Local: "meta"}

// Message represents a chat message
type Message struct {
	ID   string
	From jid.JID
	Type mstanza.MessageType
	// Room and Nick are set for messages sent through the MUC service.
	Room    string
	Nick    string
	Body    string
	HTML    string
	Subject *string
	Thread  string
	// Timestamp is the delay stamp of replayed history, otherwise the
	// receive time.
	Timestamp time.Time
	Delayed   bool
	// Meta is the raw metadata element, if present.
	Meta *stanza.Extension
	// Err is set for error messages.
	Err error
}

// Conversation returns the key messages are grouped by: the room for MUC
// traffic, the bare sender otherwise.
func (m Message) Conversation() string {
	if m.Room != "" {
		return m.Room
	}
	return m.From.Bare().String()
}

// FromStanza converts a parsed message. service is the MUC service domain;
// now is used when the message carries no delay.
func FromStanza(st *stanza.Message, service string, now time.Time) Message {
	m := Message{
		ID:        st.ID,
		From:      st.From,
		Type:      mstanza.MessageType(st.Type),
		Body:      st.Body,
		HTML:      st.HTML,
		Subject:   st.Subject,
		Thread:    st.Thread,
		Timestamp: now,
	}
	if m.Type == "" {
		m.Type = mstanza.NormalMessage
	}
	if strings.EqualFold(st.From.Domainpart(), service) {
		m.Room, m.Nick = address.Split(st.From)
	}
	if st.Delayed() {
		m.Timestamp = st.Delay
		m.Delayed = true
	}
	if meta, ok := st.Extension(MetaName); ok {
		m.Meta = &meta
	}
	if m.Type == mstanza.ErrorMessage {
		m.Err = xmpperr.Classify(st)
	}
	return m
}

// Outgoing describes a message to send.
type Outgoing struct {
	To   jid.JID
	Type mstanza.MessageType
	Body string
	HTML string
	Meta *stanza.Extension
}

// ErrEmpty is returned for messages with neither a body nor markup.
var ErrEmpty = errors.New("chat: empty message")

// Build validates o and returns the stanza with the given id.
func Build(o Outgoing, id string) (xml.TokenReader, error) {
	if strings.TrimSpace(o.Body) == "" && strings.TrimSpace(o.HTML) == "" {
		return nil, ErrEmpty
	}
	switch o.Type {
	case "":
		o.Type = mstanza.ChatMessage
	case mstanza.ChatMessage, mstanza.GroupChatMessage, mstanza.NormalMessage, mstanza.HeadlineMessage:
	default:
		return nil, fmt.Errorf("chat: unsupported message type %q", o.Type)
	}
	if err := wellFormed(o.HTML); err != nil {
		return nil, fmt.Errorf("chat: malformed html: %w", err)
	}
	if o.Meta != nil && o.Meta.XMLName != MetaName {
		return nil, fmt.Errorf("chat: metadata element must be %s", MetaName.Local)
	}
	return stanza.BuildMessage(stanza.OutgoingMessage{
		To:   o.To,
		ID:   id,
		Type: o.Type,
		Body: o.Body,
		HTML: o.HTML,
		Meta: o.Meta,
	}), nil
}

// NewMeta returns a metadata element with the given inner markup.
func NewMeta(inner []byte, attrs ...xml.Attr) (*stanza.Extension, error) {
	if err := wellFormed(string(inner)); err != nil {
		return nil, fmt.Errorf("chat: malformed metadata: %w", err)
	}
	return &stanza.Extension{XMLName: MetaName, Attrs: attrs, Inner: inner}, nil
}

// wellFormed checks that fragment is balanced markup.
func wellFormed(fragment string) error {
	if strings.TrimSpace(fragment) == "" {
		return nil
	}
	r := stanza.RawReader([]byte(fragment))
	depth := 0
	for {
		tok, err := r.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if depth != 0 {
		return errors.New("unbalanced elements")
	}
	return nil
}

// Session represents a conversation with a room or contact
type Session struct {
	Key      string
	Messages []Message
	Unread   int
	LastRead time.Time
}

// Manager manages chat sessions
type Manager struct {
	mu       sync.RWMutex
	limit    int
	sessions map[string]*Session
}

// NewManager creates a new chat manager keeping at most limit messages per
// conversation. A non-positive limit selects DefaultHistory.
func NewManager(limit int) *Manager {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Manager{
		limit:    limit,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) session(key string) *Session {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &Session{Key: key}
	m.sessions[key] = s
	return s
}

// AddMessage adds a message to its conversation. Replayed history that is
// already stored is skipped; it reports whether msg was added.
func (m *Manager) AddMessage(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(msg.Conversation())
	if msg.Delayed && msg.ID != "" {
		for _, have := range s.Messages {
			if have.ID == msg.ID && have.Nick == msg.Nick {
				return false
			}
		}
	}
	s.Messages = append(s.Messages, msg)
	if over := len(s.Messages) - m.limit; over > 0 {
		s.Messages = append(s.Messages[:0:0], s.Messages[over:]...)
	}
	if !msg.Delayed {
		s.Unread++
	}
	return true
}

// MarkRead marks all messages as read
func (m *Manager) MarkRead(key string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		s.Unread = 0
		s.LastRead = now
	}
}

// GetHistory returns up to limit of the latest messages of a conversation.
func (m *Manager) GetHistory(key string, limit int) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	messages := s.Messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// GetUnreadCount returns the total unread count
func (m *Manager) GetUnreadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		count += s.Unread
	}
	return count
}

// ClearHistory clears the message history of a conversation.
func (m *Manager) ClearHistory(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}
