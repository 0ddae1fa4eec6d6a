// Package websocket implements XMPP over WebSocket (RFC 7395) on top of
// gorilla/websocket. Every frame carries exactly one complete element.
package websocket

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"mellium.im/sasl"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/mucclient/internal/transport"
	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

const (
	subprotocol = "xmpp"

	defaultHandshakeTimeout   = 10 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultPingInterval       = 30 * time.Second
	defaultMaxMessageSize     = 1 << 20
)

var (
	errUnexpected = errors.New("websocket: unexpected element")
	errNoMech     = errors.New("websocket: no supported sasl mechanism")
)

// Config configures the WebSocket transport.
type Config struct {
	URL         string
	InsecureTLS bool
	Logger      zerolog.Logger
}

// Transport is a single-use XMPP over WebSocket transport.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	wmu     sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	ready   bool
	closing bool
	used    bool
}

// New creates a new WebSocket transport.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "transport").Str("transport", "websocket").Logger(),
	}
}

// Factory returns a transport.Factory building WebSocket transports.
func Factory(cfg Config) transport.Factory {
	return func() transport.Transport { return New(cfg) }
}

// Connect opens the socket and negotiates the stream in the background.
func (t *Transport) Connect(ctx context.Context, addr jid.JID, password string, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.used {
		return transport.ErrClosed
	}
	t.used = true
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx, addr, password, h)
	return nil
}

func (t *Transport) run(ctx context.Context, addr jid.JID, password string, h transport.Handler) {
	h.HandleStatus(transport.StatusConnecting, "")

	dialer := websocket.Dialer{
		Subprotocols:     []string{subprotocol},
		HandshakeTimeout: defaultHandshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: t.cfg.InsecureTLS},
	}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		t.logger.Error().Err(err).Str("url", t.cfg.URL).Msg("websocket dial failed")
		h.HandleStatus(transport.StatusConnFail, err.Error())
		return
	}
	conn.SetReadLimit(defaultMaxMessageSize)

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		closer(conn, &t.logger)
		h.HandleStatus(transport.StatusDisconnected, "")
		return
	}
	t.conn = conn
	t.mu.Unlock()

	n := negotiation{t: t, conn: conn, addr: addr}
	if err := n.open(); err != nil {
		t.fail(h, transport.StatusConnFail, err)
		return
	}
	h.HandleStatus(transport.StatusAuthenticating, "")
	if cond, err := n.authenticate(password); err != nil {
		if cond != "" {
			t.logger.Error().Err(err).Str("condition", cond).Msg("authentication failed")
			closer(conn, &t.logger)
			h.HandleStatus(transport.StatusAuthFail, cond)
			return
		}
		t.fail(h, transport.StatusConnFail, err)
		return
	}
	if err := n.open(); err != nil {
		t.fail(h, transport.StatusError, err)
		return
	}
	bound, err := n.bind()
	if err != nil {
		t.fail(h, transport.StatusError, err)
		return
	}

	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
	t.logger.Info().Stringer("jid", bound).Msg("session established")
	h.HandleBound(bound)
	h.HandleStatus(transport.StatusConnected, "")

	go t.keepalive(ctx)
	status, cond := t.receive(conn, h)
	t.mu.Lock()
	t.ready = false
	t.mu.Unlock()
	closer(conn, &t.logger)
	h.HandleStatus(status, cond)
}

func (t *Transport) fail(h transport.Handler, status transport.Status, err error) {
	t.logger.Error().Err(err).Stringer("status", status).Msg("stream negotiation failed")
	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()
	if t.conn != nil {
		closer(t.conn, &t.logger)
	}
	if closing {
		status = transport.StatusDisconnected
	}
	h.HandleStatus(status, err.Error())
}

// receive delivers stanzas until the stream ends and returns the final
// status.
func (t *Transport) receive(conn *websocket.Conn, h transport.Handler) (transport.Status, string) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug().Err(err).Msg("connection closed")
				return transport.StatusDisconnected, ""
			}
			t.logger.Error().Err(err).Msg("unexpected error during receive")
			return transport.StatusError, err.Error()
		}
		start, err := root(frame)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch {
		case start.Name.Space == ns.Framing && start.Name.Local == "close":
			return transport.StatusDisconnected, ""
		case start.Name.Space == ns.Streams && start.Name.Local == "error":
			return transport.StatusError, firstChild(frame)
		}
		h.HandleStanza(frame)
	}
}

func (t *Transport) keepalive(ctx context.Context) {
	ticker := time.NewTicker(defaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			conn, ready := t.conn, t.ready
			t.mu.Unlock()
			if !ready {
				return
			}
			t.wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteDeadline))
			t.wmu.Unlock()
			if err != nil {
				t.logger.Warn().Err(err).Msg("failed to send ping")
				return
			}
			t.logger.Trace().Msg("ping sent")
		}
	}
}

func (t *Transport) write(conn *websocket.Conn, frame []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return fmt.Errorf("websocket: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

// Send writes one stanza frame.
func (t *Transport) Send(raw []byte) error {
	t.mu.Lock()
	conn, ready, closing := t.conn, t.ready, t.closing
	t.mu.Unlock()
	if !ready || closing {
		return transport.ErrClosed
	}
	return t.write(conn, withClientNS(raw))
}

// withClientNS declares jabber:client on a stanza serialized without a
// namespace. Each frame is parsed as a standalone document by the server.
func withClientNS(raw []byte) []byte {
	start, err := root(raw)
	if err != nil || start.Name.Space != "" {
		return raw
	}
	i := bytes.IndexByte(raw, '<')
	if i < 0 {
		return raw
	}
	at := i + 1 + len(start.Name.Local)
	out := make([]byte, 0, len(raw)+len(ns.Client)+9)
	out = append(out, raw[:at]...)
	out = append(out, ` xmlns="`...)
	out = append(out, ns.Client...)
	out = append(out, '"')
	return append(out, raw[at:]...)
}

// Close sends the framing <close/> and closes the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	conn, ready, cancel := t.conn, t.ready, t.cancel
	t.mu.Unlock()

	if cancel != nil {
		defer cancel()
	}
	if conn == nil {
		return nil
	}
	if ready {
		if err := t.write(conn, closeFrame()); err != nil {
			t.logger.Warn().Err(err).Msg("failed to send close element")
		}
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return conn.Close()
}

func closer(conn *websocket.Conn, logger *zerolog.Logger) {
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultCloseWriteDeadline))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logger.Debug().Err(err).Msg("failed to send close message")
	}
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}

// negotiation drives the pre-session exchange over an open socket. Only the
// run goroutine reads from conn while it is in progress.
type negotiation struct {
	t    *Transport
	conn *websocket.Conn
	addr jid.JID

	features features
}

type features struct {
	Mechanisms []string  `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms>mechanism"`
	Bind       *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
}

func (n *negotiation) read() ([]byte, xml.StartElement, error) {
	_, frame, err := n.conn.ReadMessage()
	if err != nil {
		return nil, xml.StartElement{}, err
	}
	start, err := root(frame)
	return frame, start, err
}

// open (re)starts the stream and reads the stream features.
func (n *negotiation) open() error {
	if err := n.t.write(n.conn, openFrame(n.addr.Domainpart())); err != nil {
		return err
	}
	for {
		frame, start, err := n.read()
		if err != nil {
			return err
		}
		switch {
		case start.Name.Space == ns.Framing && start.Name.Local == "open":
			continue
		case start.Name.Space == ns.Streams && start.Name.Local == "features":
			n.features = features{}
			if err := xml.Unmarshal(frame, &n.features); err != nil {
				return fmt.Errorf("websocket: decode features: %w", err)
			}
			return nil
		case start.Name.Space == ns.Streams && start.Name.Local == "error":
			return fmt.Errorf("websocket: stream error: %s", firstChild(frame))
		default:
			return fmt.Errorf("%w: %s", errUnexpected, start.Name.Local)
		}
	}
}

func (n *negotiation) mechanism() (sasl.Mechanism, error) {
	offered := make(map[string]bool, len(n.features.Mechanisms))
	for _, m := range n.features.Mechanisms {
		offered[m] = true
	}
	for _, m := range []sasl.Mechanism{sasl.ScramSha256, sasl.ScramSha1, sasl.Plain} {
		if offered[m.Name] {
			return m, nil
		}
	}
	return sasl.Mechanism{}, errNoMech
}

// authenticate runs the SASL exchange. A non-empty condition means the server
// rejected the credentials.
func (n *negotiation) authenticate(password string) (string, error) {
	mech, err := n.mechanism()
	if err != nil {
		return "", err
	}
	client := sasl.NewClient(mech,
		sasl.Credentials(func() ([]byte, []byte, []byte) {
			return []byte(n.addr.Localpart()), []byte(password), nil
		}),
		sasl.RemoteMechanisms(n.features.Mechanisms...),
	)
	more, resp, err := client.Step(nil)
	if err != nil {
		return "", fmt.Errorf("websocket: sasl: %w", err)
	}
	if err := n.t.write(n.conn, saslFrame("auth", mech.Name, resp)); err != nil {
		return "", err
	}
	for {
		frame, start, err := n.read()
		if err != nil {
			return "", err
		}
		if start.Name.Space != ns.SASL {
			return "", fmt.Errorf("%w: %s", errUnexpected, start.Name.Local)
		}
		switch start.Name.Local {
		case "challenge":
			data, err := saslPayload(frame)
			if err != nil {
				return "", err
			}
			more, resp, err = client.Step(data)
			if err != nil {
				return "", fmt.Errorf("websocket: sasl: %w", err)
			}
			if err := n.t.write(n.conn, saslFrame("response", "", resp)); err != nil {
				return "", err
			}
		case "success":
			data, err := saslPayload(frame)
			if err != nil {
				return "", err
			}
			if more {
				if _, _, err := client.Step(data); err != nil {
					return "", fmt.Errorf("websocket: sasl: verify server: %w", err)
				}
			}
			return "", nil
		case "failure":
			cond := firstChild(frame)
			if cond == "" {
				cond = "not-authorized"
			}
			return cond, fmt.Errorf("websocket: sasl: %s", cond)
		default:
			return "", fmt.Errorf("%w: %s", errUnexpected, start.Name.Local)
		}
	}
}

func (n *negotiation) bind() (jid.JID, error) {
	id := stanza.NewID()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<iq xmlns=%q type="set" id=%q><bind xmlns=%q>`, ns.Client, id, ns.Bind)
	if res := n.addr.Resourcepart(); res != "" {
		buf.WriteString("<resource>")
		xml.EscapeText(&buf, []byte(res))
		buf.WriteString("</resource>")
	}
	buf.WriteString("</bind></iq>")
	if err := n.t.write(n.conn, buf.Bytes()); err != nil {
		return jid.JID{}, err
	}
	for {
		frame, start, err := n.read()
		if err != nil {
			return jid.JID{}, err
		}
		if start.Name.Local != "iq" {
			continue
		}
		st, err := stanza.Parse(frame)
		if err != nil {
			return jid.JID{}, err
		}
		iq := st.(*stanza.IQ)
		if iq.ID != id {
			continue
		}
		if iq.Type == "error" {
			return jid.JID{}, fmt.Errorf("websocket: bind rejected")
		}
		var result struct {
			JID string `xml:"jid"`
		}
		if payload, ok := iq.Query(ns.Bind, "bind"); ok {
			if err := payload.Decode(&result); err != nil {
				return jid.JID{}, fmt.Errorf("websocket: decode bind: %w", err)
			}
		}
		if result.JID == "" {
			return n.addr, nil
		}
		return jid.Parse(result.JID)
	}
}

func openFrame(domain string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<open xmlns=%q to=%q version="1.0"/>`, ns.Framing, domain)
	return buf.Bytes()
}

func closeFrame() []byte {
	return []byte(fmt.Sprintf(`<close xmlns=%q/>`, ns.Framing))
}

func saslFrame(name, mechanism string, payload []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<%s xmlns=%q`, name, ns.SASL)
	if mechanism != "" {
		fmt.Fprintf(&buf, ` mechanism=%q`, mechanism)
	}
	buf.WriteByte('>')
	if len(payload) == 0 {
		buf.WriteByte('=')
	} else {
		buf.WriteString(base64.StdEncoding.EncodeToString(payload))
	}
	fmt.Fprintf(&buf, `</%s>`, name)
	return buf.Bytes()
}

func saslPayload(frame []byte) ([]byte, error) {
	var v struct {
		Data string `xml:",chardata"`
	}
	if err := xml.Unmarshal(frame, &v); err != nil {
		return nil, fmt.Errorf("websocket: decode sasl: %w", err)
	}
	data := bytes.TrimSpace([]byte(v.Data))
	if len(data) == 0 || string(data) == "=" {
		return nil, nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, fmt.Errorf("websocket: decode sasl: %w", err)
	}
	return out[:n], nil
}

func root(frame []byte) (xml.StartElement, error) {
	d := xml.NewDecoder(bytes.NewReader(frame))
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return xml.StartElement{}, io.ErrUnexpectedEOF
			}
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// firstChild returns the local name of the first child element of the frame
// root, which for SASL failures and stream errors is the condition.
func firstChild(frame []byte) string {
	d := xml.NewDecoder(bytes.NewReader(frame))
	depth := 0
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				return tok.Name.Local
			}
		case xml.EndElement:
			depth--
		}
	}
}
