// Package app wires configuration, logging, storage and transports into a
// running client.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meszmate/mucclient/internal/client"
	"github.com/meszmate/mucclient/internal/config"
	"github.com/meszmate/mucclient/internal/event"
	"github.com/meszmate/mucclient/internal/logging"
	"github.com/meszmate/mucclient/internal/settings"
	"github.com/meszmate/mucclient/internal/storage/sqlite"
	"github.com/meszmate/mucclient/internal/transport"
	"github.com/meszmate/mucclient/internal/transport/tcp"
	"github.com/meszmate/mucclient/internal/transport/websocket"
	"github.com/meszmate/mucclient/internal/xmpp/muc"
	"github.com/meszmate/mucclient/internal/xmpp/presence"
	"github.com/meszmate/mucclient/internal/xmpp/xmpperr"
)

// App is the running application.
type App struct {
	cfg     *config.Config
	log     *logging.Logger
	storage *sqlite.DB
	bus     *event.Bus
	client  *client.Client
	show    presence.Show
}

// New builds the application from cfg. version is reported to peers asking
// for the software version.
func New(cfg *config.Config, version string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	show, err := presence.Parse(cfg.Session.Show)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: session.show: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, err
	}

	storage, err := sqlite.New(cfg.General.DataDir)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Debug().Str("dir", cfg.General.DataDir).Msg("storage initialized")

	a := &App{
		cfg:     cfg,
		log:     logger,
		storage: storage,
		bus:     event.NewBus(),
		show:    show,
	}
	a.client = client.New(client.Config{
		Domain:         cfg.Server.Domain,
		MUCService:     cfg.Server.MUCService,
		ResourcePrefix: cfg.Server.ResourcePrefix,
		Transport:      a.transportFactory(),
		RequestTimeout: cfg.Requests.Timeout.Duration,
		Settings:       storage,
		Activity:       storage,
		Events:         a.bus,
		Presence:       presence.Status{Show: show, Status: cfg.Session.Status},
		Software:       client.Software{Name: "mucclient", Version: version},
		HistoryLimit:   cfg.Storage.HistoryLimit,
		Logger:         logger.Logger,
	})

	a.bus.SubscribeAll(a.logEvent)
	a.bus.Subscribe(event.RoomJoined, a.saveSession)
	a.bus.Subscribe(event.RoomLeft, a.saveSession)
	return a, nil
}

func (a *App) transportFactory() transport.Factory {
	if a.cfg.Server.Transport == config.TransportWebSocket {
		return websocket.Factory(websocket.Config{
			URL:         a.cfg.Server.WebSocketURL,
			InsecureTLS: a.cfg.Server.InsecureTLS,
			Logger:      a.log.Logger,
		})
	}
	return tcp.Factory(tcp.Config{
		Address:     a.cfg.Server.Address,
		InsecureTLS: a.cfg.Server.InsecureTLS,
		Logger:      a.log.Logger,
	})
}

// Client returns the client.
func (a *App) Client() *client.Client {
	return a.client
}

// Events returns the bus carrying client events.
func (a *App) Events() *event.Bus {
	return a.bus
}

// Logger returns the application logger.
func (a *App) Logger() *logging.Logger {
	return a.log
}

// Run runs the client until ctx is done, connecting first when configured
// to.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.client.Run(ctx)
	})
	if a.cfg.General.AutoConnect {
		g.Go(func() error {
			return a.start(ctx)
		})
	}
	return g.Wait()
}

// start connects, synchronizes settings and enters the configured room.
func (a *App) start(ctx context.Context) error {
	user := a.cfg.Account.User
	if user == "" {
		return errors.New("account.user is required to connect")
	}
	if err := a.client.Connect(ctx, user, a.cfg.Account.Password); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if a.cfg.Sync.Auto {
		res, err := a.client.Sync(ctx, settings.ModeAuto)
		switch {
		case errors.Is(err, xmpperr.ErrAccountMismatch), errors.Is(err, xmpperr.ErrConflict):
			a.log.Warn().Err(err).Msg("settings not synchronized, run an explicit sync to resolve")
		case err != nil:
			a.log.Error().Err(err).Msg("settings sync failed")
		default:
			a.log.Info().Str("action", res.Action.String()).Msg("settings synchronized")
		}
	}

	if !a.cfg.Session.AutoJoin {
		return nil
	}
	room, nick := a.cfg.Session.Room, a.cfg.Session.Nick
	if room == "" {
		last, err := a.storage.GetSession(a.client.JID().Bare().String())
		if err != nil {
			a.log.Warn().Err(err).Msg("failed to load the last session")
		}
		if last != nil {
			room = last.Room
			if nick == "" {
				nick = last.Nick
			}
		}
	}
	if room == "" {
		return nil
	}
	if err := a.client.JoinRoom(ctx, room, nick, ""); err != nil {
		a.log.Error().Err(err).Str("room", room).Msg("failed to join room")
	}
	return nil
}

// saveSession records the room of the session so that the next start can
// return to it. It runs on the event loop.
func (a *App) saveSession(m event.Msg) {
	own := a.client.JID()
	s := sqlite.Session{
		Account:       own.Bare().String(),
		Resource:      own.Resourcepart(),
		LastConnected: time.Now(),
		Show:          string(a.show),
		StatusMsg:     a.cfg.Session.Status,
	}
	switch d := m.Data.(type) {
	case muc.RoomJoined:
		s.Room, s.Nick = d.Room, d.Nick
	case muc.RoomLeft:
	default:
		return
	}
	if err := a.storage.SaveSession(s); err != nil {
		a.log.Warn().Err(err).Msg("failed to save session")
	}
}

func (a *App) logEvent(m event.Msg) {
	switch d := m.Data.(type) {
	case client.StatusChanged:
		a.log.Info().Stringer("status", d.Status).Str("condition", d.Condition).Msg("connection status changed")
	case client.MessageReceived:
		msg := d.Message
		a.log.Info().
			Str("conversation", msg.Conversation()).
			Str("nick", msg.Nick).
			Bool("delayed", msg.Delayed).
			Str("body", msg.Body).
			Msg("message")
	case muc.RoomJoined:
		a.log.Info().Str("room", d.Room).Str("nick", d.Nick).Int("occupants", len(d.Occupants)).Msg("joined room")
	case muc.Evicted:
		a.log.Warn().Str("room", d.Room).Stringer("kind", d.Kind).Str("nick", d.Occupant.Nick).
			Str("reason", d.Reason).Bool("self", d.Self).Msg("occupant evicted")
	default:
		a.log.Debug().Stringer("event", m.Type).Interface("data", m.Data).Msg("event")
	}
}

// Close releases the storage and the log file.
func (a *App) Close() error {
	return errors.Join(a.storage.Close(), a.log.Close())
}
