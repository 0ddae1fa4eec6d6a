package settings

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	mstanza "mellium.im/xmpp/stanza"

	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/request"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

// Requester sends IQ requests and waits for their responses.
type Requester interface {
	Do(ctx context.Context, build request.BuildFunc) (*stanza.IQ, error)
}

// Store persists the local document together with the sync bookkeeping.
type Store interface {
	LoadSettings(ctx context.Context) (Document, State, error)
	SaveSettings(ctx context.Context, doc Document, state State) error
}

// Result describes a completed sync.
type Result struct {
	Mode     Mode
	Action   Action
	Document Document
}

// Syncer runs the sync protocol. Syncs are serialized.
type Syncer struct {
	mu    sync.Mutex
	req   Requester
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewSyncer creates a syncer.
func NewSyncer(req Requester, store Store, log zerolog.Logger) *Syncer {
	return &Syncer{
		req:   req,
		store: store,
		log:   log.With().Str("component", "sync").Logger(),
		now:   time.Now,
	}
}

// Local returns the local document.
func (s *Syncer) Local(ctx context.Context) (Document, error) {
	doc, _, err := s.store.LoadSettings(ctx)
	return doc, err
}

// Update replaces the local payload and stamps it as modified now.
func (s *Syncer) Update(ctx context.Context, payload []byte) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, state, err := s.store.LoadSettings(ctx)
	if err != nil {
		return Document{}, err
	}
	doc.Payload = append([]byte(nil), payload...)
	doc.Modified = Stamp(s.now())
	if err := s.store.SaveSettings(ctx, doc, state); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Sync synchronizes the local document for the account named current.
func (s *Syncer) Sync(ctx context.Context, mode Mode, current string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, state, err := s.store.LoadSettings(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("settings: load: %w", err)
	}

	var remote *Document
	if mode != ModeSet {
		if remote, err = s.fetch(ctx); err != nil {
			return Result{}, err
		}
	}

	action, err := Decide(Input{
		Mode:    mode,
		Local:   local,
		Remote:  remote,
		State:   state,
		Current: current,
	})
	s.log.Debug().
		Str("mode", mode.String()).
		Str("action", action.String()).
		Str("account", state.Account).
		Time("local", local.Modified).
		Time("cached", state.Cached).
		Err(err).
		Msg("sync decision")
	if err != nil {
		return Result{Mode: mode}, err
	}

	switch action {
	case ActionPush:
		local.Modified = Stamp(local.Modified)
		local.Sync = &Meta{Account: current, Time: local.Modified, Auto: mode == ModeAuto}
		if err := s.push(ctx, local); err != nil {
			return Result{Mode: mode}, err
		}
		state = State{Account: current, Cached: local.Modified}
	case ActionPull:
		local = *remote
		state = State{Account: current, Cached: Stamp(remote.Modified)}
	case ActionNone:
		state.Cached = Stamp(local.Modified)
		if state.Account == "" {
			state.Account = current
		}
	}
	if err := s.store.SaveSettings(ctx, local, state); err != nil {
		return Result{Mode: mode}, fmt.Errorf("settings: save: %w", err)
	}
	s.log.Info().Str("action", action.String()).Msg("settings synchronized")
	return Result{Mode: mode, Action: action, Document: local}, nil
}

// fetch reads the stored document. A missing document is not an error.
func (s *Syncer) fetch(ctx context.Context) (*Document, error) {
	iq, err := s.req.Do(ctx, func(id string) xml.TokenReader {
		return stanza.BuildIQ(mstanza.GetIQ, jid.JID{}, id, FetchQuery())
	})
	if errors.Is(err, mstanza.Error{Condition: mstanza.ItemNotFound}) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: fetch: %w", err)
	}
	query, ok := iq.Query(ns.Private, "query")
	if !ok {
		return nil, nil
	}
	return ParseStored(query)
}

// push replaces the stored document.
func (s *Syncer) push(ctx context.Context, doc Document) error {
	_, err := s.req.Do(ctx, func(id string) xml.TokenReader {
		return stanza.BuildIQ(mstanza.SetIQ, jid.JID{}, id, StoreQuery(doc))
	})
	if err != nil {
		return fmt.Errorf("settings: store: %w", err)
	}
	return nil
}
