// Package settings synchronizes an opaque settings document with the
// account's private XML storage using last-write-wins timestamps.
package settings

import (
	"bytes"
	"time"

	"github.com/meszmate/mucclient/internal/xmpp/xmpperr"
)

// Precision is the resolution of every stored and transmitted timestamp.
const Precision = time.Millisecond

// Stamp normalizes t to the stored precision in UTC.
func Stamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(Precision)
}

// Meta records which account last synchronized a document and when.
type Meta struct {
	Account string
	Time    time.Time
	Auto    bool
}

// Document is the settings document. Payload is never interpreted.
type Document struct {
	Payload  []byte
	Modified time.Time
	Sync     *Meta
}

// Equal reports whether d and o carry the same payload and timestamps.
func (d Document) Equal(o Document) bool {
	if !bytes.Equal(d.Payload, o.Payload) || !d.Modified.Equal(o.Modified) {
		return false
	}
	if d.Sync == nil || o.Sync == nil {
		return d.Sync == o.Sync
	}
	return d.Sync.Account == o.Sync.Account && d.Sync.Time.Equal(o.Sync.Time) && d.Sync.Auto == o.Sync.Auto
}

// Mode selects how a sync resolves differences.
type Mode int

const (
	ModeAuto Mode = iota
	ModeGet
	ModeSet
)

func (m Mode) String() string {
	switch m {
	case ModeGet:
		return "get"
	case ModeSet:
		return "set"
	default:
		return "auto"
	}
}

// Action is the outcome of the decision table.
type Action int

const (
	ActionNone Action = iota
	ActionPush
	ActionPull
)

func (a Action) String() string {
	switch a {
	case ActionPush:
		return "push"
	case ActionPull:
		return "pull"
	default:
		return "already-equal"
	}
}

// State is the local sync bookkeeping.
type State struct {
	// Account is the account the local document is bound to.
	Account string
	// Cached is the modification time recorded at the last successful sync.
	Cached time.Time
}

// Input gathers what the decision depends on.
type Input struct {
	Mode  Mode
	Local Document
	// Remote is nil when the account stores no document.
	Remote *Document
	State  State
	// Current is the localpart of the authenticated address.
	Current string
}

// Decide applies the sync rules in order; the first match wins.
func Decide(in Input) (Action, error) {
	local := Stamp(in.Local.Modified)
	cached := Stamp(in.State.Cached)

	switch {
	case in.Mode == ModeSet:
		return ActionPush, nil
	case in.Mode == ModeGet:
		if in.Remote == nil || in.Remote.Sync == nil {
			return ActionNone, xmpperr.ErrNoSyncMetadata
		}
		return ActionPull, nil
	case in.State.Account != "" && in.State.Account != in.Current:
		return ActionNone, xmpperr.ErrAccountMismatch
	case in.Remote == nil:
		return ActionPush, nil
	case in.State.Account == "":
		if in.Remote.Sync == nil {
			return ActionNone, xmpperr.ErrNoSyncMetadata
		}
		return ActionPull, nil
	}

	remote := Stamp(in.Remote.Modified)
	switch {
	case local.Equal(remote):
		return ActionNone, nil
	case cached.Equal(local):
		return ActionPull, nil
	case cached.Equal(remote):
		return ActionPush, nil
	}
	return ActionNone, xmpperr.ErrConflict
}
