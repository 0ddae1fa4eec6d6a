package client

import (
	"encoding/xml"

	"mellium.im/xmpp/disco/info"
	mstanza "mellium.im/xmpp/stanza"
	"mellium.im/xmpp/version"
	"mellium.im/xmpp/xtime"

	"github.com/meszmate/mucclient/internal/event"
	"github.com/meszmate/mucclient/internal/xmpp/chat"
	"github.com/meszmate/mucclient/internal/xmpp/disco"
	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

// features are advertised in answers to disco#info requests.
var features = []disco.Feature{
	disco.FeatureDisco,
	disco.FeatureMUC,
	disco.FeaturePing,
	disco.FeatureTime,
	disco.FeatureVersion,
	disco.FeatureXHTMLIM,
}

func (c *Client) handleStanza(gen uint64, raw []byte) {
	if gen != c.gen {
		return
	}
	st, err := stanza.Parse(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping unparseable stanza")
		return
	}
	switch s := st.(type) {
	case *stanza.Presence:
		c.engine.HandlePresence(s)
	case *stanza.Message:
		c.handleMessage(s)
	case *stanza.IQ:
		c.handleIQ(s)
	}
}

func (c *Client) handleMessage(st *stanza.Message) {
	now := c.now()
	msg := chat.FromStanza(st, c.cfg.MUCService, now)
	if msg.ID == "" {
		msg.ID = stanza.NewID()
	}
	if msg.Room != "" && !msg.Delayed {
		c.engine.Touch(msg.Room, msg.Timestamp)
		c.recordActivity(msg.Room, msg.Timestamp)
	}
	if !c.history.AddMessage(msg) {
		c.log.Debug().Str("id", msg.ID).Msg("dropping duplicate message")
		return
	}
	c.publish(event.MessageReceived, MessageReceived{Message: msg})
}

func (c *Client) handleIQ(iq *stanza.IQ) {
	switch mstanza.IQType(iq.Type) {
	case mstanza.ResultIQ, mstanza.ErrorIQ:
		c.broker.Deliver(iq)
		return
	case mstanza.GetIQ, mstanza.SetIQ:
	default:
		return
	}

	var payload xml.TokenReader
	if q := iq.Payload; q != nil && mstanza.IQType(iq.Type) == mstanza.GetIQ {
		switch q.XMLName {
		case xml.Name{Space: ns.Ping, Local: "ping"}:
			c.reply(iq, nil)
			return
		case xml.Name{Space: ns.Version, Local: "query"}:
			payload = c.versionResult()
		case xml.Name{Space: ns.Time, Local: "time"}:
			payload = xtime.Time{Time: c.now()}.TokenReader()
		case xml.Name{Space: ns.DiscoInfo, Local: "query"}:
			if q.Attr("node") == "" {
				payload = disco.InfoResult(info.Identity{
					Category: "client",
					Type:     "pc",
					Name:     c.cfg.Software.Name,
				}, features...)
			}
		}
	}
	if payload == nil {
		c.log.Debug().Str("id", iq.ID).Stringer("from", iq.From).Msg("rejecting unsupported request")
		c.write(stanza.ErrorIQ(iq.From, iq.ID, mstanza.Cancel, mstanza.ServiceUnavailable))
		return
	}
	c.reply(iq, payload)
}

func (c *Client) reply(iq *stanza.IQ, payload xml.TokenReader) {
	c.write(stanza.BuildIQ(mstanza.ResultIQ, iq.From, iq.ID, payload))
}

// write sends a stanza built on the loop and logs failures.
func (c *Client) write(r xml.TokenReader) {
	raw, err := stanza.Encode(r)
	if err == nil {
		err = c.send(raw)
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to send stanza")
	}
}

func (c *Client) versionResult() xml.TokenReader {
	sw := c.cfg.Software
	return version.Query{Name: sw.Name, Version: sw.Version, OS: sw.OS}.TokenReader()
}
