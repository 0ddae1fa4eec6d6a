// Package client is the connection manager. It owns the transport, runs the
// single event loop every inbound stanza and command is serialized onto,
// and exposes the commands of the layer above.
package client

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/mucclient/internal/event"
	"github.com/meszmate/mucclient/internal/settings"
	"github.com/meszmate/mucclient/internal/transport"
	"github.com/meszmate/mucclient/internal/xmpp/address"
	"github.com/meszmate/mucclient/internal/xmpp/chat"
	"github.com/meszmate/mucclient/internal/xmpp/disco"
	"github.com/meszmate/mucclient/internal/xmpp/muc"
	"github.com/meszmate/mucclient/internal/xmpp/presence"
	"github.com/meszmate/mucclient/internal/xmpp/request"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
	"github.com/meszmate/mucclient/internal/xmpp/xmpperr"
)

// ErrStopped is returned by commands issued after the event loop exited.
var ErrStopped = errors.New("client: stopped")

const inboxSize = 256

// Software describes the client in version and discovery answers.
type Software struct {
	Name    string
	Version string
	OS      string
}

// Activity persists the last activity time per room so that joins after a
// restart request only the history not seen yet. Methods are called from
// the event loop.
type Activity interface {
	TouchRoom(account, room string, at time.Time) error
	RoomActivity(account string) (map[string]time.Time, error)
}

// Config configures a Client.
type Config struct {
	Domain         string
	MUCService     string
	ResourcePrefix string
	Transport      transport.Factory
	RequestTimeout time.Duration
	// Settings stores the local settings document. Sync is unavailable
	// without it.
	Settings settings.Store
	Activity Activity
	Events   event.Emitter
	// Presence is announced once the session is established.
	Presence     presence.Status
	Software     Software
	HistoryLimit int
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Client is the XMPP MUC client.
type Client struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	inbox   chan func()
	stopped chan struct{}
	runCtx  context.Context

	broker    *request.Broker
	syncer    *settings.Syncer
	directory *disco.Directory
	history   *chat.Manager

	mu     sync.RWMutex
	tr     transport.Transport
	status transport.Status
	own    jid.JID

	// Owned by the event loop.
	engine   *muc.Engine
	gen      uint64
	connect  chan error
	presence presence.Status
}

// New creates a client. Run must be started before issuing commands.
func New(cfg Config) *Client {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Software.Name == "" {
		cfg.Software.Name = "mucclient"
	}
	if cfg.Software.OS == "" {
		cfg.Software.OS = runtime.GOOS
	}
	c := &Client{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "client").Logger(),
		now:       cfg.Now,
		inbox:     make(chan func(), inboxSize),
		stopped:   make(chan struct{}),
		runCtx:    context.Background(),
		directory: disco.NewDirectory(),
		history:   chat.NewManager(cfg.HistoryLimit),
		status:    transport.StatusDisconnected,
		presence:  cfg.Presence,
	}
	c.broker = request.NewBroker(c.send, cfg.RequestTimeout, cfg.Logger)
	if cfg.Settings != nil {
		c.syncer = settings.NewSyncer(c.broker, cfg.Settings, cfg.Logger)
	}
	c.engine = muc.NewEngine(muc.Config{
		Service: cfg.MUCService,
		Send:    c.send,
		Events:  observer{c},
		Logger:  cfg.Logger,
		Now:     cfg.Now,
	})
	return c
}

// Run processes stanzas and commands until ctx is done. The connection, if
// any, is closed on return.
func (c *Client) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.stopped)
	c.log.Debug().Msg("event loop started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.log.Debug().Msg("event loop stopped")
			return nil
		case fn := <-c.inbox:
			fn()
		}
	}
}

func (c *Client) shutdown() {
	if c.transport() == nil {
		return
	}
	err := &xmpperr.ConnectionError{Status: transport.StatusDisconnected}
	c.settleConnect(err)
	c.teardown(err)
	c.engine.Stop(err)
	c.setStatus(transport.StatusDisconnected, "")
}

// post queues fn on the event loop without waiting for it.
func (c *Client) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.stopped:
	}
}

// call runs fn on the event loop and waits for it to finish.
func (c *Client) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// wait blocks until a waiter handed out by the engine settles.
func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) publish(t event.Type, data interface{}) {
	if c.cfg.Events != nil {
		c.cfg.Events.Publish(event.Msg{Type: t, Data: data})
	}
}

// observer forwards engine events and records room activity when a room is
// left.
type observer struct {
	c *Client
}

func (o observer) Publish(m event.Msg) {
	if left, ok := m.Data.(muc.RoomLeft); ok {
		o.c.recordActivity(left.Room, o.c.engine.LastActive(left.Room))
	}
	o.c.publish(m.Type, m.Data)
}

func (c *Client) recordActivity(room string, at time.Time) {
	if c.cfg.Activity == nil || at.IsZero() {
		return
	}
	if err := c.cfg.Activity.TouchRoom(c.account(), room, at); err != nil {
		c.log.Warn().Err(err).Str("room", room).Msg("failed to record room activity")
	}
}

func (c *Client) transport() transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tr
}

// send writes a stanza to the current transport. It is safe for concurrent
// use.
func (c *Client) send(raw []byte) error {
	tr := c.transport()
	if tr == nil {
		return xmpperr.ErrNotConnected
	}
	return tr.Send(raw)
}

func (c *Client) setStatus(s transport.Status, condition string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.publish(event.ConnectionStatusChanged, StatusChanged{Status: s, Condition: condition})
}

// Status returns the connection state.
func (c *Client) Status() transport.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// JID returns the address of the current session.
func (c *Client) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.own
}

func (c *Client) account() string {
	return c.JID().Bare().String()
}

// Roster returns the occupants of every room with presence.
func (c *Client) Roster() *muc.Roster {
	return c.engine.Roster()
}

// Directory returns the rooms known from discovery.
func (c *Client) Directory() *disco.Directory {
	return c.directory
}

// History returns the in-memory message history.
func (c *Client) History() *chat.Manager {
	return c.history
}

// Session returns a snapshot of the room session.
func (c *Client) Session(ctx context.Context) (muc.Session, error) {
	var s muc.Session
	err := c.call(ctx, func() { s = c.engine.Session() })
	return s, err
}

// Connect authenticates user with password and waits until the session is
// established or the attempt fails. A failed attempt returns a
// *xmpperr.ConnectionError carrying the terminal status.
func (c *Client) Connect(ctx context.Context, user, password string) error {
	var (
		done <-chan error
		err  error
	)
	if cerr := c.call(ctx, func() { done, err = c.startConnect(user, password) }); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	return wait(ctx, done)
}

func (c *Client) startConnect(user, password string) (<-chan error, error) {
	if c.transport() != nil || !c.Status().Terminal() {
		return nil, xmpperr.ErrAlreadyConnected
	}
	own, err := address.Own(user, c.cfg.Domain, address.NewResource(c.cfg.ResourcePrefix))
	if err != nil {
		return nil, err
	}

	// A transport cannot be reopened, so each attempt gets a fresh one.
	tr := c.cfg.Transport()
	c.gen++
	c.connect = make(chan error, 1)
	c.mu.Lock()
	c.tr = tr
	c.own = own
	c.mu.Unlock()

	c.engine.Start(own)
	if c.cfg.Activity != nil {
		activity, err := c.cfg.Activity.RoomActivity(own.Bare().String())
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to load room activity")
		}
		for room, at := range activity {
			c.engine.Touch(room, at)
		}
	}

	c.log.Info().Stringer("jid", own).Msg("connecting")
	if err := tr.Connect(c.runCtx, own, password, handler{c: c, gen: c.gen}); err != nil {
		cerr := &xmpperr.ConnectionError{Status: transport.StatusConnFail, Condition: err.Error()}
		c.teardown(cerr)
		c.setStatus(transport.StatusConnFail, cerr.Condition)
		return nil, cerr
	}
	return c.connect, nil
}

func (c *Client) settleConnect(err error) {
	if c.connect != nil {
		c.connect <- err
		c.connect = nil
	}
}

// teardown drops the transport and rejects everything waiting on it.
// Callbacks of the dropped transport are ignored afterwards.
func (c *Client) teardown(err error) {
	c.gen++
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()
	if tr != nil {
		if cerr := tr.Close(); cerr != nil {
			c.log.Debug().Err(cerr).Msg("closing transport")
		}
	}
	c.broker.RejectAll(err)
	c.engine.Reset(err)
}

// Disconnect announces unavailability, closes the transport and resets the
// session.
func (c *Client) Disconnect(ctx context.Context) error {
	var err error
	if cerr := c.call(ctx, func() { err = c.disconnect() }); cerr != nil {
		return cerr
	}
	return err
}

func (c *Client) disconnect() error {
	if c.transport() == nil {
		return xmpperr.ErrNotConnected
	}
	if c.Status() == transport.StatusConnected {
		raw, err := stanza.Encode(stanza.UnavailablePresence(jid.JID{}, stanza.NewID(), ""))
		if err == nil {
			err = c.send(raw)
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to send unavailable presence")
		}
	}
	c.setStatus(transport.StatusDisconnecting, "")
	err := &xmpperr.ConnectionError{Status: transport.StatusDisconnected}
	c.settleConnect(err)
	c.teardown(err)
	c.engine.Stop(err)
	c.mu.Lock()
	c.own = jid.JID{}
	c.mu.Unlock()
	c.setStatus(transport.StatusDisconnected, "")
	c.log.Info().Msg("disconnected")
	return nil
}

// handler binds transport callbacks to one connection attempt.
type handler struct {
	c   *Client
	gen uint64
}

func (h handler) HandleStatus(s transport.Status, condition string) {
	h.c.post(func() { h.c.handleStatus(h.gen, s, condition) })
}

func (h handler) HandleBound(addr jid.JID) {
	h.c.post(func() { h.c.handleBound(h.gen, addr) })
}

func (h handler) HandleStanza(raw []byte) {
	h.c.post(func() { h.c.handleStanza(h.gen, raw) })
}

// handleBound adopts the address the server bound in place of the requested
// one.
func (c *Client) handleBound(gen uint64, addr jid.JID) {
	if gen != c.gen {
		return
	}
	c.mu.Lock()
	requested := c.own
	c.own = addr
	c.mu.Unlock()
	if !addr.Equal(requested) {
		c.log.Debug().Stringer("requested", requested).Stringer("bound", addr).Msg("server assigned another address")
	}
	c.engine.Start(addr)
}

func (c *Client) handleStatus(gen uint64, s transport.Status, condition string) {
	if gen != c.gen {
		c.log.Debug().Stringer("status", s).Msg("ignoring status of a dropped transport")
		return
	}
	prev := c.Status()
	c.setStatus(s, condition)

	switch {
	case s == transport.StatusConnected:
		if err := c.engine.SetStatus(c.presence.Show, c.presence.Status); err != nil {
			c.log.Warn().Err(err).Msg("failed to send initial presence")
		}
		c.log.Info().Stringer("jid", c.JID()).Msg("connected")
		c.settleConnect(nil)
	case s.Terminal():
		err := &xmpperr.ConnectionError{Status: s, Condition: condition}
		if prev == transport.StatusConnected {
			c.log.Warn().Err(err).Msg("connection lost")
		} else {
			c.log.Error().Err(err).Msg("connection attempt failed")
		}
		c.settleConnect(err)
		c.teardown(err)
	}
}

// ensureConnected returns ErrNotConnected unless a session is established.
func (c *Client) ensureConnected() error {
	if c.Status() != transport.StatusConnected {
		return xmpperr.ErrNotConnected
	}
	return nil
}

// SendStatus changes the own availability and announces it to the server
// and the current room.
func (c *Client) SendStatus(ctx context.Context, show presence.Show, status string) error {
	var err error
	if cerr := c.call(ctx, func() {
		if err = c.ensureConnected(); err == nil {
			err = c.engine.SetStatus(show, status)
		}
		if err == nil {
			c.presence = presence.Status{Show: show, Status: status}
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("send status: %w", err)
	}
	return nil
}
