package client

import (
	"github.com/meszmate/mucclient/internal/settings"
	"github.com/meszmate/mucclient/internal/transport"
	"github.com/meszmate/mucclient/internal/xmpp/chat"
	"github.com/meszmate/mucclient/internal/xmpp/disco"
)

// StatusChanged is published on every connection lifecycle change.
type StatusChanged struct {
	Status    transport.Status
	Condition string
}

// MessageReceived is published for every new inbound message.
type MessageReceived struct {
	Message chat.Message
}

// RoomListUpdated is published after a room discovery.
type RoomListUpdated struct {
	Rooms []disco.Room
}

// SyncCompleted is published after a settings synchronization.
type SyncCompleted struct {
	Result settings.Result
}

// SyncFailed is published when a settings synchronization fails.
type SyncFailed struct {
	Mode settings.Mode
	Err  error
}
