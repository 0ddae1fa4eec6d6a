// Package tcp implements the client transport over a TCP connection
// negotiated by mellium.im/xmpp: STARTTLS, SASL and resource binding.
package tcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/mucclient/internal/transport"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

const defaultPort = "5222"

// Config configures the TCP transport.
type Config struct {
	// Address is host:port. Empty means the account domain on port 5222.
	Address     string
	InsecureTLS bool
	DialTimeout time.Duration
	Logger      zerolog.Logger
}

// Transport is a single-use TCP transport.
type Transport struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	session *xmpp.Session
	ctx     context.Context
	cancel  context.CancelFunc
	closing bool
	used    bool
}

// New creates a new TCP transport.
func New(cfg Config) *Transport {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Transport{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "transport").Str("transport", "tcp").Logger(),
	}
}

// Factory returns a transport.Factory building TCP transports from cfg.
func Factory(cfg Config) transport.Factory {
	return func() transport.Transport { return New(cfg) }
}

// Connect dials and negotiates the stream in the background.
func (t *Transport) Connect(ctx context.Context, addr jid.JID, password string, h transport.Handler) error {
	t.mu.Lock()
	if t.used {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.used = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	go t.run(addr, password, h)
	return nil
}

func (t *Transport) run(addr jid.JID, password string, h transport.Handler) {
	h.HandleStatus(transport.StatusConnecting, "")

	server := t.cfg.Address
	if server == "" {
		server = net.JoinHostPort(addr.Domainpart(), defaultPort)
	}

	// Dial TCP connection
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(t.ctx, "tcp", server)
	if err != nil {
		t.log.Error().Err(err).Str("address", server).Msg("failed to dial server")
		h.HandleStatus(transport.StatusConnFail, err.Error())
		return
	}

	tlsConfig := &tls.Config{
		ServerName:         addr.Domainpart(),
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.cfg.InsecureTLS,
	}

	h.HandleStatus(transport.StatusAuthenticating, "")
	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(t.ctx, addr.Domain(), addr, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		status, cond := classifyNegotiation(err)
		t.log.Error().Err(err).Stringer("status", status).Msg("failed to negotiate session")
		h.HandleStatus(status, cond)
		return
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		session.Close()
		h.HandleStatus(transport.StatusDisconnected, "")
		return
	}
	t.session = session
	t.mu.Unlock()

	t.log.Info().Stringer("jid", session.LocalAddr()).Msg("session established")
	h.HandleBound(session.LocalAddr())
	h.HandleStatus(transport.StatusConnected, "")

	err = session.Serve(xmpp.HandlerFunc(func(r xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		raw, err := element(r, *start)
		if err != nil {
			return err
		}
		h.HandleStanza(raw)
		return nil
	}))

	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()
	switch {
	case err == nil || errors.Is(err, io.EOF) || closing:
		h.HandleStatus(transport.StatusDisconnected, "")
	default:
		t.log.Error().Err(err).Msg("stream failed")
		h.HandleStatus(transport.StatusError, err.Error())
	}
}

// element re-encodes one top-level element read from r. The reader may or
// may not yield the closing tag of start.
func element(r xml.TokenReader, start xml.StartElement) ([]byte, error) {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	bare := stanza.Bare(r)
	if err := e.EncodeToken(stripped(start)); err != nil {
		return nil, err
	}
	depth := 0
	for {
		tok, err := bare.Token()
		if tok != nil {
			switch tok.(type) {
			case xml.StartElement:
				depth++
			case xml.EndElement:
				depth--
			}
			if depth < 0 {
				if err := e.EncodeToken(start.End()); err != nil {
					return nil, err
				}
				break
			}
			if err := e.EncodeToken(xml.CopyToken(tok)); err != nil {
				return nil, err
			}
		}
		if err == io.EOF {
			if err := e.EncodeToken(start.End()); err != nil {
				return nil, err
			}
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func stripped(start xml.StartElement) xml.StartElement {
	tok, _ := stanza.Bare(xmlstream.Token(start)).Token()
	return tok.(xml.StartElement)
}

// classifyNegotiation maps a negotiation failure to a status. SASL failures
// surface as errors naming the failure condition.
func classifyNegotiation(err error) (transport.Status, string) {
	msg := err.Error()
	for _, cond := range []string{"not-authorized", "account-disabled", "credentials-expired", "invalid-mechanism", "mechanism-too-weak", "encryption-required", "temporary-auth-failure", "aborted", "malformed-request"} {
		if strings.Contains(msg, cond) {
			return transport.StatusAuthFail, cond
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return transport.StatusConnFail, msg
	}
	return transport.StatusError, msg
}

// Send writes one serialized stanza to the stream.
func (t *Transport) Send(raw []byte) error {
	t.mu.Lock()
	session := t.session
	ctx := t.ctx
	closing := t.closing
	t.mu.Unlock()

	if session == nil || closing {
		return transport.ErrClosed
	}
	if err := session.Send(ctx, stanza.RawReader(raw)); err != nil {
		return fmt.Errorf("tcp: send: %w", err)
	}
	return nil
}

// Close ends the stream. The read loop reports Disconnected once it exits.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	session := t.session
	cancel := t.cancel
	t.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	if cancel != nil {
		cancel()
	}
	return err
}
