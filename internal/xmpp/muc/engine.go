package muc

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	mstanza "mellium.im/xmpp/stanza"

	"github.com/meszmate/mucclient/internal/event"
	"github.com/meszmate/mucclient/internal/xmpp/address"
	"github.com/meszmate/mucclient/internal/xmpp/presence"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
	"github.com/meszmate/mucclient/internal/xmpp/xmpperr"
)

// MaxNickRetries bounds the automatic renames of a single join attempt.
const MaxNickRetries = 20

// Status codes of muc#user presence.
const (
	StatusSelf       = 110
	StatusBanned     = 301
	StatusNickChange = 303
	StatusKicked     = 307
)

// Config configures an Engine.
type Config struct {
	// Service is the domain of the MUC service. Presence from other domains
	// is ignored.
	Service string
	Send    func(raw []byte) error
	Events  event.Emitter
	Logger  zerolog.Logger
	// Now is used for history bookkeeping. Defaults to time.Now.
	Now func() time.Time
}

// waiter is settled exactly once by the engine.
type waiter struct {
	room string
	done chan error
}

func newWaiter(room string) *waiter {
	return &waiter{room: room, done: make(chan error, 1)}
}

// JoinOptions customizes a join.
type JoinOptions struct {
	Password string
	// History requests room history since the last activity in the room.
	History bool
}

// Engine is the room and presence engine.
type Engine struct {
	service string
	send    func([]byte) error
	events  event.Emitter
	log     zerolog.Logger
	now     func() time.Time

	roster  *Roster
	session Session

	join     *waiter
	joinOpts JoinOptions
	retries  int
	nick     *waiter

	lastActive map[string]time.Time
}

// NewEngine creates a new engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		service:    cfg.Service,
		send:       cfg.Send,
		events:     cfg.Events,
		log:        cfg.Logger.With().Str("component", "muc").Logger(),
		now:        cfg.Now,
		roster:     NewRoster(),
		lastActive: make(map[string]time.Time),
	}
}

// Roster returns the occupant roster.
func (e *Engine) Roster() *Roster {
	return e.roster
}

// Session returns a copy of the session state.
func (e *Engine) Session() Session {
	return e.session
}

// Service returns the MUC service domain.
func (e *Engine) Service() string {
	return e.service
}

// Start binds the engine to a newly authenticated address.
func (e *Engine) Start(own jid.JID) {
	e.session.JID = own
}

// Reset rejects every outstanding wait with err and returns the engine to
// its initial state. The session address is kept until the next Start.
func (e *Engine) Reset(err error) {
	e.settleJoin(err)
	e.settleNick(err)
	e.roster.Clear()
	e.session = Session{JID: e.session.JID, Show: e.session.Show, Status: e.session.Status}
	e.retries = 0
}

// Stop resets the engine and forgets the session entirely, including the
// own address and availability.
func (e *Engine) Stop(err error) {
	e.Reset(err)
	e.session = Session{}
}

// Touch records activity in room, used as the history cut-off of the next
// join.
func (e *Engine) Touch(room string, t time.Time) {
	if room == "" {
		return
	}
	if t.After(e.lastActive[room]) {
		e.lastActive[room] = t
	}
}

// LastActive returns the last recorded activity in room.
func (e *Engine) LastActive(room string) time.Time {
	return e.lastActive[room]
}

// NormalizeRoom returns the canonical room id.
func (e *Engine) NormalizeRoom(room string) (string, error) {
	j, err := address.Room(room, e.service)
	if err != nil {
		return "", err
	}
	return j.Localpart(), nil
}

func (e *Engine) occupant(room, nick string) (jid.JID, error) {
	return address.Occupant(room, e.service, nick)
}

func (e *Engine) publish(t event.Type, data interface{}) {
	if e.events != nil {
		e.events.Publish(event.Msg{Type: t, Data: data})
	}
}

func (e *Engine) write(r xml.TokenReader) error {
	raw, err := stanza.Encode(r)
	if err != nil {
		return err
	}
	return e.send(raw)
}

// Join requests entry to room under nick. The returned channel receives the
// outcome once: nil when the service confirms the self-presence, or the
// reason the join failed or was cancelled.
func (e *Engine) Join(room, nick string, opts JoinOptions) (<-chan error, error) {
	room, err := e.NormalizeRoom(room)
	if err != nil {
		return nil, err
	}
	if !address.ValidNick(nick) {
		return nil, xmpperr.ErrInvalidNickname
	}
	if e.join != nil {
		if err := e.abandonJoin(room, ""); err != nil {
			e.log.Warn().Err(err).Str("room", e.join.room).Msg("failed to abandon join")
		}
		e.settleJoin(xmpperr.ErrSuperseded)
	}
	if e.nick != nil && room != e.session.RoomCurrent {
		e.settleNick(xmpperr.ErrSuperseded)
	}
	w := newWaiter(room)
	if room == e.session.RoomCurrent && nick == e.session.NickCurrent {
		e.session.RoomTarget = e.session.RoomCurrent
		e.session.NickTarget = e.session.NickCurrent
		w.done <- nil
		return w.done, nil
	}

	e.join = w
	e.joinOpts = opts
	e.retries = 0
	e.session.RoomTarget = room
	e.session.NickTarget = nick
	if err := e.sendJoin(); err != nil {
		e.settleJoin(err)
		e.session.RoomTarget = e.session.RoomCurrent
		return nil, err
	}
	e.log.Info().Str("room", room).Str("nick", nick).Msg("joining room")
	return w.done, nil
}

func (e *Engine) sendJoin() error {
	room, nick := e.session.RoomTarget, e.session.NickTarget
	to, err := e.occupant(room, nick)
	if err != nil {
		return fmt.Errorf("%w: %w", xmpperr.ErrInvalidNickname, err)
	}
	opts := stanza.JoinOptions{
		Password: e.joinOpts.Password,
		Show:     string(e.session.Show),
		Status:   e.session.Status,
	}
	if e.joinOpts.History {
		opts.Since = e.lastActive[room]
	}
	return e.write(stanza.JoinPresence(to, stanza.NewID(), opts))
}

// Leave exits the current room, and abandons any join in progress. It does
// not wait for the service to confirm.
func (e *Engine) Leave(status string) error {
	if e.session.RoomCurrent == "" && e.join == nil {
		return xmpperr.ErrNotInRoom
	}
	var errs []error
	if e.join != nil {
		errs = append(errs, e.abandonJoin("", status))
		e.settleJoin(xmpperr.ErrJoinCancelled)
		e.session.RoomTarget = e.session.RoomCurrent
	}
	if room := e.session.RoomCurrent; room != "" {
		if to, err := e.occupant(room, e.session.NickCurrent); err == nil {
			errs = append(errs, e.write(stanza.UnavailablePresence(to, stanza.NewID(), status)))
		}
		e.exit(room)
	}
	return errors.Join(errs...)
}

// abandonJoin tells the target of the pending join that the client is not
// coming, unless the target is next, the room about to be joined.
func (e *Engine) abandonJoin(next, status string) error {
	room := e.join.room
	if room == next || room == e.session.RoomCurrent {
		return nil
	}
	e.roster.RemoveRoom(room)
	to, err := e.occupant(room, e.session.NickTarget)
	if err != nil {
		return nil
	}
	return e.write(stanza.UnavailablePresence(to, stanza.NewID(), status))
}

// ChangeNick requests a new nick in the current room. The returned channel
// receives the outcome once.
func (e *Engine) ChangeNick(nick string) (<-chan error, error) {
	room := e.session.RoomCurrent
	if room == "" {
		return nil, xmpperr.ErrNotInRoom
	}
	if !address.ValidNick(nick) {
		return nil, xmpperr.ErrInvalidNickname
	}
	if e.join != nil && e.join.room != room {
		return nil, xmpperr.ErrJoinInProgress
	}
	w := newWaiter(room)
	if nick == e.session.NickCurrent {
		w.done <- nil
		return w.done, nil
	}
	to, err := e.occupant(room, nick)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", xmpperr.ErrInvalidNickname, err)
	}
	if e.nick != nil {
		e.settleNick(xmpperr.ErrSuperseded)
	}
	e.nick = w
	e.session.NickTarget = nick
	if err := e.write(stanza.StatusPresence(to, stanza.NewID(), string(e.session.Show), e.session.Status)); err != nil {
		e.settleNick(err)
		e.session.NickTarget = e.session.NickCurrent
		return nil, err
	}
	return w.done, nil
}

// SetStatus updates the own availability and announces it to the server
// and to the current room.
func (e *Engine) SetStatus(show presence.Show, status string) error {
	if !show.Valid() {
		return fmt.Errorf("presence: invalid show %q", show)
	}
	e.session.Show = show
	e.session.Status = status
	if err := e.write(stanza.StatusPresence(jid.JID{}, stanza.NewID(), string(show), status)); err != nil {
		return err
	}
	if room := e.session.RoomCurrent; room != "" {
		to, err := e.occupant(room, e.session.NickCurrent)
		if err != nil {
			return err
		}
		return e.write(stanza.StatusPresence(to, stanza.NewID(), string(show), status))
	}
	return nil
}

// HandlePresence applies one inbound presence stanza.
func (e *Engine) HandlePresence(p *stanza.Presence) {
	if !strings.EqualFold(p.From.Domainpart(), e.service) {
		e.log.Debug().Stringer("from", p.From).Msg("ignoring presence from outside the muc service")
		return
	}
	room, nick := address.Split(p.From)
	if room == "" {
		return
	}
	if room != e.session.RoomCurrent && room != e.session.RoomTarget {
		e.log.Debug().Str("room", room).Str("nick", nick).Msg("ignoring presence for unrelated room")
		return
	}
	switch p.Type {
	case "error":
		e.handleError(room, nick, p)
	case "unavailable":
		e.handleUnavailable(room, nick, p)
	case "":
		e.handleAvailable(room, nick, p)
	default:
		e.log.Debug().Str("type", p.Type).Msg("ignoring presence type")
	}
}

func (e *Engine) joining(room string) bool {
	return e.join != nil && e.join.room == room
}

func (e *Engine) handleError(room, nick string, p *stanza.Presence) {
	cls := xmpperr.Classify(p)
	joining := e.joining(room) && room != e.session.RoomCurrent

	switch cls.Condition {
	case mstanza.Conflict:
		if !joining {
			e.resetNick()
			e.failNick(room, nick, fmt.Errorf("%w: %w", xmpperr.ErrNickInUse, cls))
			return
		}
		if e.retries >= MaxNickRetries {
			e.failJoin(room, fmt.Errorf("%w: %w", xmpperr.ErrNickInUse, cls))
			return
		}
		tried := e.session.NickTarget
		next := NextNick(tried)
		e.retries++
		e.session.NickTarget = next
		e.log.Info().Str("room", room).Str("tried", tried).Str("next", next).Msg("nick in use, retrying join")
		e.publish(event.NickConflict, NickConflict{Room: room, Tried: tried, Next: next})
		if err := e.sendJoin(); err != nil {
			e.failJoin(room, err)
		}
		return
	case mstanza.JIDMalformed:
		e.resetNick()
		e.fail(room, nick, joining, fmt.Errorf("%w: %w", xmpperr.ErrInvalidNickname, cls))
		return
	}

	var err error
	switch cls.Condition {
	case mstanza.NotAuthorized:
		err = fmt.Errorf("%w: %w", xmpperr.ErrPasswordRequired, cls)
	case mstanza.Forbidden:
		err = fmt.Errorf("%w: %w", xmpperr.ErrBanned, cls)
	case mstanza.NotAllowed:
		err = fmt.Errorf("%w: %w", xmpperr.ErrRoomCreationDenied, cls)
	default:
		if cls.Condition == xmpperr.Unknown {
			e.log.Warn().Str("room", room).Str("condition", cls.Raw).Msg("unrecognized error condition")
		}
		err = cls
	}
	e.fail(room, nick, joining, err)
}

func (e *Engine) fail(room, nick string, joining bool, err error) {
	if joining {
		e.failJoin(room, err)
		return
	}
	e.resetNick()
	e.failNick(room, nick, err)
}

// resetNick drops a requested nick in the current room. The nick of a join to
// another room is kept.
func (e *Engine) resetNick() {
	if e.join == nil || e.join.room == e.session.RoomCurrent {
		e.session.NickTarget = e.session.NickCurrent
	}
}

func (e *Engine) failJoin(room string, err error) {
	e.log.Info().Err(err).Str("room", room).Msg("join failed")
	e.roster.RemoveRoom(room)
	e.session.RoomTarget = e.session.RoomCurrent
	e.session.NickTarget = e.session.NickCurrent
	e.publish(event.JoinFailed, JoinFailed{Room: room, Err: err})
	e.settleJoin(err)
}

func (e *Engine) failNick(room, nick string, err error) {
	rejoin := e.joining(room)
	if e.nick == nil && !rejoin {
		e.log.Warn().Err(err).Str("room", room).Msg("unsolicited presence error")
		return
	}
	e.publish(event.NickChangeFailed, NickChangeFailed{Room: room, Nick: nick, Err: err})
	e.settleNick(err)
	if rejoin {
		e.settleJoin(err)
	}
}

func (e *Engine) settleJoin(err error) {
	if e.join == nil {
		return
	}
	e.join.done <- err
	e.join = nil
	e.retries = 0
}

func (e *Engine) settleNick(err error) {
	if e.nick == nil {
		return
	}
	e.nick.done <- err
	e.nick = nil
}

// isSelf reports whether a presence from nick is the session's own. Status
// 110 is authoritative; a presence for the nick being requested is also
// treated as self because some services omit 110 when reflecting a nick
// change.
func (e *Engine) isSelf(room, nick string, x *stanza.MUCUser) bool {
	if x.HasStatus(StatusSelf) {
		return true
	}
	if room == e.session.RoomCurrent && nick == e.session.NickCurrent {
		return true
	}
	if room == e.session.RoomTarget && nick == e.session.NickTarget &&
		(room != e.session.RoomCurrent || nick != e.session.NickCurrent) {
		e.log.Warn().Str("room", room).Str("nick", nick).Msg("self-presence without status 110")
		return true
	}
	return false
}

func (e *Engine) handleUnavailable(room, nick string, p *stanza.Presence) {
	x := p.MUC
	current := room == e.session.RoomCurrent

	if x != nil && x.Destroy != nil {
		d := x.Destroy
		e.roster.RemoveRoom(room)
		e.log.Info().Str("room", room).Stringer("alternate", d.JID).Msg("room destroyed")
		e.publish(event.RoomDestroyed, RoomDestroyed{Room: room, Alternate: d.JID, Reason: d.Reason, Password: d.Password})
		if current {
			e.exit(room)
		}
		if e.joining(room) {
			e.failJoin(room, xmpperr.ErrRoomDestroyed)
		}
		return
	}

	self := e.isSelf(room, nick, x)
	old, ok := e.roster.Get(room, nick)
	if !ok && !self {
		e.log.Debug().Str("room", room).Str("nick", nick).Msg("unavailable presence for unknown occupant")
		return
	}
	if !ok {
		old = Occupant{Nick: nick}
	}
	item := x.Item()

	if x.HasStatus(StatusNickChange) && item.Nick != "" {
		if ok {
			e.roster.Rename(room, nick, item.Nick)
		}
		if self {
			e.session.NickCurrent = item.Nick
			if e.session.NickTarget == nick && (e.join == nil || e.join.room == room) {
				e.session.NickTarget = item.Nick
			}
		}
		if current {
			e.publish(event.NickChanged, NickChanged{Room: room, Old: nick, New: item.Nick, Self: self})
		}
		return
	}

	banned, kicked := x.HasStatus(StatusBanned), x.HasStatus(StatusKicked)
	switch {
	case banned || kicked:
		ev := Evicted{Room: room, Kind: Kick, Occupant: old, Reason: item.Reason, Self: self}
		if banned {
			ev.Kind = Ban
		}
		if item.Actor != nil {
			actor, found := e.roster.Get(room, item.Actor.Nick)
			if !found {
				actor = Occupant{Nick: item.Actor.Nick, JID: item.Actor.JID}
			}
			ev.Actor = &actor
		}
		e.roster.Remove(room, nick)
		if current {
			e.publish(event.Evicted, ev)
		}
	default:
		e.roster.Remove(room, nick)
		if current {
			e.publish(event.UserLeft, UserLeft{Room: room, Occupant: old, Status: p.Status, Self: self})
		}
	}

	if self {
		if current {
			e.exit(room)
		} else if e.joining(room) {
			e.failJoin(room, xmpperr.ErrJoinCancelled)
		}
	}
}

func (e *Engine) handleAvailable(room, nick string, p *stanza.Presence) {
	item := p.MUC.Item()
	next := Occupant{
		Nick:        nick,
		JID:         item.JID,
		Affiliation: ParseAffiliation(item.Affiliation),
		Role:        ParseRole(item.Role),
		Show:        presence.FromWire(p.Show),
		Status:      p.Status,
	}
	self := e.isSelf(room, nick, p.MUC)

	if self && room != e.session.RoomCurrent {
		e.adopt(room, next)
		return
	}

	prev, existed := e.roster.Get(room, nick)
	if self && e.session.NickCurrent != "" && e.session.NickCurrent != nick {
		// Renamed without a 303 reflection.
		if stale, ok := e.roster.Get(room, e.session.NickCurrent); ok {
			e.roster.Remove(room, stale.Nick)
			if !existed {
				prev, existed = stale.WithNick(nick), true
			}
		}
	}
	e.roster.Set(room, next)
	if self {
		e.session.NickCurrent = nick
		e.resetNick()
		if e.nick != nil {
			e.settleNick(nil)
		}
		if e.joining(room) {
			e.settleJoin(nil)
		}
	}
	if room != e.session.RoomCurrent {
		return
	}
	if !existed {
		if !self {
			e.publish(event.UserJoined, UserJoined{Room: room, Occupant: next})
		}
		return
	}
	e.diff(room, prev, next)
}

// adopt makes room the current room after its self-presence arrived,
// leaving the previous room first.
func (e *Engine) adopt(room string, self Occupant) {
	if old := e.session.RoomCurrent; old != "" {
		if to, err := e.occupant(old, e.session.NickCurrent); err == nil {
			if err := e.write(stanza.UnavailablePresence(to, stanza.NewID(), "")); err != nil {
				e.log.Warn().Err(err).Str("room", old).Msg("failed to leave previous room")
			}
		}
		e.exit(old)
	}
	e.roster.Set(room, self)
	e.session.RoomCurrent = room
	e.session.RoomTarget = room
	e.session.NickCurrent = self.Nick
	e.session.NickTarget = self.Nick
	e.log.Info().Str("room", room).Str("nick", self.Nick).Msg("joined room")
	e.publish(event.RoomJoined, RoomJoined{Room: room, Nick: self.Nick, Occupants: e.roster.Occupants(room)})
	e.settleJoin(nil)
}

// exit clears the current room.
func (e *Engine) exit(room string) {
	e.roster.RemoveRoom(room)
	e.Touch(room, e.now())
	if e.session.RoomCurrent != room {
		return
	}
	e.session.RoomCurrent = ""
	e.session.NickCurrent = ""
	if e.session.RoomTarget == room {
		e.session.RoomTarget = ""
	}
	e.settleNick(xmpperr.ErrNotInRoom)
	e.log.Info().Str("room", room).Msg("left room")
	e.publish(event.RoomLeft, RoomLeft{Room: room})
}

// diff publishes one event per changed dimension of an occupant.
func (e *Engine) diff(room string, prev, next Occupant) {
	if prev.Show != next.Show || prev.Status != next.Status {
		e.publish(event.PresenceChanged, PresenceChanged{Room: room, Old: prev, New: next})
	}
	if prev.Affiliation != next.Affiliation {
		e.publish(event.AffiliationChanged, AffiliationChanged{Room: room, Old: prev, New: next})
	}
	if prev.Role != next.Role {
		e.publish(event.RoleChanged, RoleChanged{Room: room, Old: prev, New: next})
	}
}

// NextNick increments the trailing number of nick, appending 1 if there is
// none.
func NextNick(nick string) string {
	i := len(nick)
	for i > 0 && nick[i-1] >= '0' && nick[i-1] <= '9' {
		i--
	}
	if i == len(nick) {
		return nick + "1"
	}
	n, err := strconv.Atoi(nick[i:])
	if err != nil {
		return nick + "1"
	}
	return nick[:i] + strconv.Itoa(n+1)
}
