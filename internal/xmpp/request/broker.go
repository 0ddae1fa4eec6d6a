// Package request correlates outgoing IQ requests with their responses.
package request

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meszmate/mucclient/internal/xmpp/stanza"
	"github.com/meszmate/mucclient/internal/xmpp/xmpperr"
)

// DefaultTimeout is used when the broker is created without a timeout.
const DefaultTimeout = 5 * time.Second

// SendFunc writes one serialized stanza to the stream.
type SendFunc func(raw []byte) error

// BuildFunc builds the request stanza for the id assigned by the broker.
type BuildFunc func(id string) xml.TokenReader

type result struct {
	iq  *stanza.IQ
	err error
}

type call struct {
	id       string
	deadline time.Time
	timer    *time.Timer
	done     chan result
}

// Broker tracks pending IQ requests. Each request settles exactly once,
// with the first of a matching response, its deadline, a cancelled context
// or a call to RejectAll.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*call
	send    SendFunc
	timeout time.Duration
	log     zerolog.Logger
}

// NewBroker creates a new request broker.
func NewBroker(send SendFunc, timeout time.Duration, log zerolog.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		pending: make(map[string]*call),
		send:    send,
		timeout: timeout,
		log:     log.With().Str("component", "broker").Logger(),
	}
}

// Timeout returns the per-request deadline.
func (b *Broker) Timeout() time.Duration {
	return b.timeout
}

// Do sends the request built by build and waits for its settlement. A
// response of type result is returned as is; a response of type error is
// returned as a *xmpperr.StanzaError.
func (b *Broker) Do(ctx context.Context, build BuildFunc) (*stanza.IQ, error) {
	id := stanza.NewID()
	raw, err := stanza.Encode(build(id))
	if err != nil {
		return nil, err
	}

	c := &call{
		id:       id,
		deadline: time.Now().Add(b.timeout),
		done:     make(chan result, 1),
	}
	b.mu.Lock()
	b.pending[id] = c
	c.timer = time.AfterFunc(b.timeout, func() {
		if b.settle(id, result{err: xmpperr.NewTimeout()}) {
			b.log.Debug().Str("id", id).Msg("request timed out")
		}
	})
	b.mu.Unlock()

	if err := b.send(raw); err != nil {
		b.settle(id, result{err: fmt.Errorf("request: send: %w", err)})
	}

	select {
	case r := <-c.done:
		return r.iq, r.err
	case <-ctx.Done():
		b.settle(id, result{err: ctx.Err()})
		r := <-c.done
		return r.iq, r.err
	}
}

// settle completes the call with id. It reports false if the call had
// already been settled.
func (b *Broker) settle(id string, r result) bool {
	b.mu.Lock()
	c, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	c.timer.Stop()
	c.done <- r
	return true
}

// Deliver settles the pending request answered by iq. It reports whether iq
// was a response to a pending request; responses to settled or unknown
// requests are discarded.
func (b *Broker) Deliver(iq *stanza.IQ) bool {
	var r result
	switch iq.Type {
	case "result":
		r.iq = iq
	case "error":
		r.err = xmpperr.Classify(iq)
	default:
		return false
	}
	if !b.settle(iq.ID, r) {
		b.log.Warn().Str("id", iq.ID).Str("type", iq.Type).Msg("discarding response to unknown or settled request")
		return false
	}
	return true
}

// RejectAll settles every pending request with err.
func (b *Broker) RejectAll(err error) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.settle(id, result{err: err})
	}
	if len(ids) > 0 {
		b.log.Debug().Int("count", len(ids)).Err(err).Msg("rejected pending requests")
	}
}

// Pending returns the number of unsettled requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
