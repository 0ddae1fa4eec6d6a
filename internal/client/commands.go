package client

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"mellium.im/xmpp/jid"
	mstanza "mellium.im/xmpp/stanza"
	"mellium.im/xmpp/version"
	"mellium.im/xmpp/xtime"

	"github.com/meszmate/mucclient/internal/event"
	"github.com/meszmate/mucclient/internal/settings"
	"github.com/meszmate/mucclient/internal/xmpp/address"
	"github.com/meszmate/mucclient/internal/xmpp/chat"
	"github.com/meszmate/mucclient/internal/xmpp/disco"
	"github.com/meszmate/mucclient/internal/xmpp/form"
	"github.com/meszmate/mucclient/internal/xmpp/muc"
	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
	"github.com/meszmate/mucclient/internal/xmpp/xmpperr"
)

// ErrNoSettings is returned by settings commands when no store is
// configured.
var ErrNoSettings = errors.New("client: no settings store")

// JoinRoom enters room under nick and waits for the service to confirm it.
// An empty nick keeps the current one, or falls back to the account name.
// History since the last activity in the room is requested.
func (c *Client) JoinRoom(ctx context.Context, room, nick, password string) error {
	var (
		done <-chan error
		err  error
	)
	if cerr := c.call(ctx, func() {
		if err = c.ensureConnected(); err != nil {
			return
		}
		if nick == "" {
			nick = c.engine.Session().NickCurrent
		}
		if nick == "" {
			nick = c.JID().Localpart()
		}
		done, err = c.engine.Join(room, nick, muc.JoinOptions{Password: password, History: true})
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	return wait(ctx, done)
}

// LeaveRoom exits the current room, cancelling a join in progress.
func (c *Client) LeaveRoom(ctx context.Context, status string) error {
	var err error
	if cerr := c.call(ctx, func() {
		if err = c.ensureConnected(); err == nil {
			err = c.engine.Leave(status)
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// ChangeNick renames the session in the current room and waits for the
// service to confirm it.
func (c *Client) ChangeNick(ctx context.Context, nick string) error {
	var (
		done <-chan error
		err  error
	)
	if cerr := c.call(ctx, func() {
		if err = c.ensureConnected(); err == nil {
			done, err = c.engine.ChangeNick(nick)
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("change nick: %w", err)
	}
	return wait(ctx, done)
}

// SendMessage sends o and returns the stanza id. A message without a
// recipient goes to the current room as groupchat.
func (c *Client) SendMessage(ctx context.Context, o chat.Outgoing) (string, error) {
	id := stanza.NewID()
	var err error
	if cerr := c.call(ctx, func() {
		if err = c.ensureConnected(); err != nil {
			return
		}
		if address.IsZero(o.To) {
			room := c.engine.Session().RoomCurrent
			if room == "" {
				err = xmpperr.ErrNotInRoom
				return
			}
			if o.To, err = address.Room(room, c.cfg.MUCService); err != nil {
				return
			}
			o.Type = mstanza.GroupChatMessage
		}
		var r xml.TokenReader
		if r, err = chat.Build(o, id); err != nil {
			return
		}
		var raw []byte
		if raw, err = stanza.Encode(r); err == nil {
			err = c.send(raw)
		}
	}); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return id, nil
}

// roomJID resolves a room id on the MUC service. An empty room names the
// current room.
func (c *Client) roomJID(ctx context.Context, room string) (jid.JID, error) {
	if room == "" {
		s, err := c.Session(ctx)
		if err != nil {
			return jid.JID{}, err
		}
		if room = s.RoomCurrent; room == "" {
			return jid.JID{}, xmpperr.ErrNotInRoom
		}
	}
	return address.Room(room, c.cfg.MUCService)
}

// request sends an iq and waits for its response. It must not be called on
// the event loop.
func (c *Client) request(ctx context.Context, typ mstanza.IQType, to jid.JID, payload xml.TokenReader) (*stanza.IQ, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	return c.broker.Do(ctx, func(id string) xml.TokenReader {
		return stanza.BuildIQ(typ, to, id, payload)
	})
}

// GetUsers lists the users of room holding the given affiliation or role.
func (c *Client) GetUsers(ctx context.Context, room string, aff muc.Affiliation, role muc.Role) ([]muc.AdminItem, error) {
	to, err := c.roomJID(ctx, room)
	if err != nil {
		return nil, err
	}
	q, err := muc.ListQuery(aff, role)
	if err != nil {
		return nil, err
	}
	iq, err := c.request(ctx, mstanza.GetIQ, to, q)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	query, _ := iq.Query(ns.MUCAdmin, "query")
	return muc.ParseAdminItems(query)
}

// SetUser changes the affiliation or role of a user in room.
func (c *Client) SetUser(ctx context.Context, room string, item muc.AdminItem) error {
	switch {
	case item.Affiliation == "" && item.Role == "":
		return errors.New("set user: no affiliation or role")
	case item.Affiliation != "" && !item.Affiliation.Valid():
		return fmt.Errorf("set user: unknown affiliation %q", item.Affiliation)
	case item.Role != "" && !item.Role.Valid():
		return fmt.Errorf("set user: unknown role %q", item.Role)
	case item.Nick == "" && address.IsZero(item.JID):
		return errors.New("set user: no nick or address")
	}
	to, err := c.roomJID(ctx, room)
	if err != nil {
		return err
	}
	if _, err := c.request(ctx, mstanza.SetIQ, to, muc.AdminQuery(item)); err != nil {
		return fmt.Errorf("set user: %w", err)
	}
	return nil
}

// DiscoverRooms lists the rooms of the MUC service, replaces the directory
// with them and publishes RoomListUpdated.
func (c *Client) DiscoverRooms(ctx context.Context) ([]disco.Room, error) {
	service, err := jid.New("", c.cfg.MUCService, "")
	if err != nil {
		return nil, err
	}
	iq, err := c.request(ctx, mstanza.GetIQ, service, disco.ItemsQuery())
	if err != nil {
		return nil, fmt.Errorf("discover rooms: %w", err)
	}
	query, _ := iq.Query(ns.DiscoItems, "query")
	items, err := disco.ParseItems(query)
	if err != nil {
		return nil, err
	}
	rooms := make([]disco.Room, 0, len(items))
	for _, it := range items {
		if it.JID.Localpart() == "" {
			continue
		}
		rooms = append(rooms, disco.RoomFromItem(it))
	}

	var list []disco.Room
	if err := c.call(ctx, func() {
		c.directory.Replace(rooms, c.engine.Session().RoomCurrent)
		list = c.directory.Rooms()
		c.publish(event.RoomListUpdated, RoomListUpdated{Rooms: list})
	}); err != nil {
		return nil, err
	}
	return list, nil
}

// QueryRoom reads the features and room information of room and records
// them in the directory.
func (c *Client) QueryRoom(ctx context.Context, room string) (disco.Room, error) {
	to, err := c.roomJID(ctx, room)
	if err != nil {
		return disco.Room{}, err
	}
	iq, err := c.request(ctx, mstanza.GetIQ, to, disco.InfoQuery())
	if err != nil {
		return disco.Room{}, fmt.Errorf("query room: %w", err)
	}
	query, _ := iq.Query(ns.DiscoInfo, "query")
	info, err := disco.ParseInfo(query)
	if err != nil {
		return disco.Room{}, err
	}
	r := disco.RoomFromInfo(to.Localpart(), info)
	c.directory.Update(r)
	r, _ = c.directory.Get(r.ID)
	return r, nil
}

// RoomConfig requests the configuration form of room.
func (c *Client) RoomConfig(ctx context.Context, room string) (*form.Form, error) {
	to, err := c.roomJID(ctx, room)
	if err != nil {
		return nil, err
	}
	iq, err := c.request(ctx, mstanza.GetIQ, to, muc.OwnerQuery(nil))
	if err != nil {
		return nil, fmt.Errorf("room config: %w", err)
	}
	query, ok := iq.Query(ns.MUCOwner, "query")
	if !ok {
		return nil, errors.New("room config: no configuration in response")
	}
	f, err := form.Find(query)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.New("room config: no form in response")
	}
	return f, nil
}

// SubmitRoomConfig submits the filled in configuration form of room.
func (c *Client) SubmitRoomConfig(ctx context.Context, room string, f *form.Form) error {
	return c.owner(ctx, room, "submit room config", form.Submit(f))
}

// CancelRoomConfig abandons the configuration of room. A newly created room
// that is not configured is destroyed by the service.
func (c *Client) CancelRoomConfig(ctx context.Context, room string) error {
	return c.owner(ctx, room, "cancel room config", form.Cancel())
}

// DestroyRoom destroys room, optionally pointing its occupants to an
// alternate venue.
func (c *Client) DestroyRoom(ctx context.Context, room string, alternate jid.JID, reason string) error {
	return c.owner(ctx, room, "destroy room", muc.DestroyQuery(alternate, reason, ""))
}

func (c *Client) owner(ctx context.Context, room, op string, payload xml.TokenReader) error {
	to, err := c.roomJID(ctx, room)
	if err != nil {
		return err
	}
	if _, err := c.request(ctx, mstanza.SetIQ, to, muc.OwnerQuery(payload)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// target returns to, or the own server for the zero address.
func (c *Client) target(to jid.JID) (jid.JID, error) {
	if !address.IsZero(to) {
		return to, nil
	}
	return jid.New("", c.cfg.Domain, "")
}

// Ping measures the round trip to an entity. The zero address pings the
// own server.
func (c *Client) Ping(ctx context.Context, to jid.JID) (time.Duration, error) {
	to, err := c.target(to)
	if err != nil {
		return 0, err
	}
	sent := c.now()
	if _, err := c.request(ctx, mstanza.GetIQ, to,
		stanza.Element(xml.Name{Space: ns.Ping, Local: "ping"}, nil)); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	return c.now().Sub(sent), nil
}

// EntityTime is the answer to a time query.
type EntityTime struct {
	Remote time.Time
	RTT    time.Duration
	// Offset estimates how far the remote clock is ahead of the local one,
	// assuming the network delay is split evenly between both directions.
	Offset time.Duration
}

// GetTime queries the clock of an entity. The zero address queries the own
// server.
func (c *Client) GetTime(ctx context.Context, to jid.JID) (EntityTime, error) {
	to, err := c.target(to)
	if err != nil {
		return EntityTime{}, err
	}
	sent := c.now()
	iq, err := c.request(ctx, mstanza.GetIQ, to,
		stanza.Element(xml.Name{Space: xtime.NS, Local: "time"}, nil))
	if err != nil {
		return EntityTime{}, fmt.Errorf("get time: %w", err)
	}
	rtt := c.now().Sub(sent)

	el, ok := iq.Query(ns.Time, "time")
	if !ok {
		return EntityTime{}, errors.New("get time: no time in response")
	}
	var t xtime.Time
	if err := el.Decode(&t); err != nil {
		return EntityTime{}, fmt.Errorf("get time: %w", err)
	}
	remote := t.Time
	return EntityTime{
		Remote: remote,
		RTT:    rtt,
		Offset: remote.Sub(sent.Add(rtt / 2)),
	}, nil
}

// GetVersion queries the software version of an entity. The zero address
// queries the own server.
func (c *Client) GetVersion(ctx context.Context, to jid.JID) (Software, error) {
	to, err := c.target(to)
	if err != nil {
		return Software{}, err
	}
	iq, err := c.request(ctx, mstanza.GetIQ, to, version.Query{}.TokenReader())
	if err != nil {
		return Software{}, fmt.Errorf("get version: %w", err)
	}
	var sw Software
	if query, ok := iq.Query(version.NS, "query"); ok {
		var q version.Query
		if err := query.Decode(&q); err != nil {
			return Software{}, fmt.Errorf("get version: %w", err)
		}
		sw = Software{Name: q.Name, Version: q.Version, OS: q.OS}
	}
	return sw, nil
}

// Sync synchronizes the settings document with private storage and
// publishes SyncCompleted or SyncFailed.
func (c *Client) Sync(ctx context.Context, mode settings.Mode) (settings.Result, error) {
	if c.syncer == nil {
		return settings.Result{}, ErrNoSettings
	}
	if err := c.ensureConnected(); err != nil {
		return settings.Result{}, err
	}
	res, err := c.syncer.Sync(ctx, mode, c.JID().Localpart())
	if err != nil {
		c.post(func() { c.publish(event.SyncFailed, SyncFailed{Mode: mode, Err: err}) })
		return res, err
	}
	c.post(func() { c.publish(event.SyncCompleted, SyncCompleted{Result: res}) })
	return res, nil
}

// Settings returns the local settings document.
func (c *Client) Settings(ctx context.Context) (settings.Document, error) {
	if c.syncer == nil {
		return settings.Document{}, ErrNoSettings
	}
	return c.syncer.Local(ctx)
}

// UpdateSettings replaces the local settings payload. It is not pushed
// until the next Sync.
func (c *Client) UpdateSettings(ctx context.Context, payload []byte) (settings.Document, error) {
	if c.syncer == nil {
		return settings.Document{}, ErrNoSettings
	}
	return c.syncer.Update(ctx, payload)
}
