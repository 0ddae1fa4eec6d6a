package muc

import (
	"mellium.im/xmpp/jid"

	"github.com/meszmate/mucclient/internal/xmpp/presence"
)

// Session is the room state of the connection. At most one room is current.
type Session struct {
	JID jid.JID
	// NickTarget is the nick being requested; NickCurrent is the nick the
	// service confirmed in RoomCurrent.
	NickTarget  string
	NickCurrent string
	RoomCurrent string
	RoomTarget  string
	Show        presence.Show
	Status      string
}

// InRoom reports whether a room is current.
func (s Session) InRoom() bool {
	return s.RoomCurrent != ""
}

// Joining reports whether a join of another room is in progress.
func (s Session) Joining() bool {
	return s.RoomTarget != "" && s.RoomTarget != s.RoomCurrent
}
