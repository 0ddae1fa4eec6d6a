// Package muc implements the multi-user chat room and presence engine.
//
// The Engine turns inbound presence stanzas into roster updates and events,
// and drives the join, leave and nick change exchanges. It is not safe for
// concurrent use; the client runs it on its event loop. The Roster it
// maintains may be read from any goroutine.
package muc

import (
	"mellium.im/xmpp/jid"

	"github.com/meszmate/mucclient/internal/xmpp/presence"
)

// Affiliation represents a MUC affiliation
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// ParseAffiliation returns the affiliation named s, or AffiliationNone.
func ParseAffiliation(s string) Affiliation {
	switch a := Affiliation(s); a {
	case AffiliationOwner, AffiliationAdmin, AffiliationMember, AffiliationOutcast:
		return a
	}
	return AffiliationNone
}

// Valid reports whether a is a defined affiliation.
func (a Affiliation) Valid() bool {
	return a == AffiliationNone || ParseAffiliation(string(a)) == a
}

// Role represents a MUC role
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// ParseRole returns the role named s, or RoleNone.
func ParseRole(s string) Role {
	switch r := Role(s); r {
	case RoleModerator, RoleParticipant, RoleVisitor:
		return r
	}
	return RoleNone
}

// Valid reports whether r is a defined role.
func (r Role) Valid() bool {
	return r == RoleNone || ParseRole(string(r)) == r
}

// Occupant is an immutable snapshot of a room occupant. Changes replace the
// snapshot as a whole.
type Occupant struct {
	Nick string
	// JID is the real address, zero in anonymous rooms.
	JID         jid.JID
	Affiliation Affiliation
	Role        Role
	Show        presence.Show
	Status      string
}

// Anonymous reports whether the real address of the occupant is hidden.
func (o Occupant) Anonymous() bool {
	return o.JID.Equal(jid.JID{})
}

// WithNick returns a copy of o under a new nick.
func (o Occupant) WithNick(nick string) Occupant {
	o.Nick = nick
	return o
}

// Equal reports whether o and other are identical snapshots.
func (o Occupant) Equal(other Occupant) bool {
	return o.Nick == other.Nick &&
		o.JID.Equal(other.JID) &&
		o.Affiliation == other.Affiliation &&
		o.Role == other.Role &&
		o.Show == other.Show &&
		o.Status == other.Status
}
