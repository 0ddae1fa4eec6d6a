package muc

import "mellium.im/xmpp/jid"

// Event payloads carried in event.Msg.Data.

// RoomJoined is published when the self-presence for a room is adopted.
type RoomJoined struct {
	Room      string
	Nick      string
	Occupants []Occupant
}

// RoomLeft is published when the session leaves its current room.
type RoomLeft struct {
	Room string
}

// UserJoined is published for an occupant appearing in the current room.
type UserJoined struct {
	Room     string
	Occupant Occupant
}

// UserLeft is published for an occupant leaving the current room.
type UserLeft struct {
	Room     string
	Occupant Occupant
	Status   string
	Self     bool
}

// NickChanged is published on a status 303 rename.
type NickChanged struct {
	Room string
	Old  string
	New  string
	Self bool
}

// NickConflict is published when a join is retried under a new nick.
type NickConflict struct {
	Room  string
	Tried string
	Next  string
}

// NickChangeFailed is published when the service rejects a nick change.
type NickChangeFailed struct {
	Room string
	Nick string
	Err  error
}

// JoinFailed is published when the service rejects a join.
type JoinFailed struct {
	Room string
	Err  error
}

// EvictionKind tells a ban from a kick.
type EvictionKind int

const (
	Kick EvictionKind = iota
	Ban
)

func (k EvictionKind) String() string {
	if k == Ban {
		return "ban"
	}
	return "kick"
}

// Evicted is published when an occupant is kicked or banned.
type Evicted struct {
	Room     string
	Kind     EvictionKind
	Occupant Occupant
	// Actor is the moderator responsible, nil if the service did not say.
	Actor  *Occupant
	Reason string
	Self   bool
}

// RoomDestroyed is published when a room with presence is destroyed.
type RoomDestroyed struct {
	Room string
	// Alternate is the suggested replacement room, zero if none.
	Alternate jid.JID
	Reason    string
	Password  string
}

// PresenceChanged is published when the show or status of an occupant
// changes.
type PresenceChanged struct {
	Room string
	Old  Occupant
	New  Occupant
}

// AffiliationChanged is published when an occupant's affiliation changes.
type AffiliationChanged struct {
	Room string
	Old  Occupant
	New  Occupant
}

// RoleChanged is published when an occupant's role changes.
type RoleChanged struct {
	Room string
	Old  Occupant
	New  Occupant
}
