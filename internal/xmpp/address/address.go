// Package address builds and compares the XMPP addresses used by the engine.
//
// All values are mellium jid.JID values, which are immutable and already in
// canonical form once parsed.
package address

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"
)

// Own computes the full address of the session from the user name, the
// configured domain and a resource token.
func Own(user, domain, resource string) (jid.JID, error) {
	j, err := jid.New(user, domain, resource)
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid account address %s@%s: %w", user, domain, err)
	}
	return j, nil
}

// Room returns the bare address of a room hosted by service.
func Room(room, service string) (jid.JID, error) {
	j, err := jid.New(room, service, "")
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid room %q: %w", room, err)
	}
	return j, nil
}

// Occupant returns the in-room address room@service/nick.
func Occupant(room, service, nick string) (jid.JID, error) {
	j, err := jid.New(room, service, nick)
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid occupant %s/%s: %w", room, nick, err)
	}
	return j, nil
}

// ValidNick reports whether nick can be used as a resourcepart.
func ValidNick(nick string) bool {
	if nick == "" {
		return false
	}
	_, err := jid.New("", "example.net", nick)
	return err == nil
}

// NewResource returns a fresh resource token with the given prefix.
func NewResource(prefix string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return token
	}
	return prefix + "-" + token
}

// BareEqual reports whether a and b name the same account or room,
// ignoring resources. Localparts compare case-insensitively.
func BareEqual(a, b jid.JID) bool {
	return strings.EqualFold(a.Localpart(), b.Localpart()) &&
		strings.EqualFold(a.Domainpart(), b.Domainpart())
}

// IsZero reports whether j is the empty address.
func IsZero(j jid.JID) bool {
	return j.Equal(jid.JID{})
}

// Split returns the room (localpart) and nick (resourcepart) of an occupant
// address.
func Split(j jid.JID) (room, nick string) {
	return j.Localpart(), j.Resourcepart()
}
