// Package ns lists the XML namespaces used on the wire.
package ns

import (
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/ping"
	"mellium.im/xmpp/version"
	"mellium.im/xmpp/xtime"
)

const (
	Client  = "jabber:client"
	Stanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"

	MUC      = muc.NS
	MUCUser  = muc.NSUser
	MUCOwner = muc.NSOwner
	MUCAdmin = muc.NSAdmin

	DiscoInfo  = disco.NSInfo
	DiscoItems = disco.NSItems

	Ping    = ping.NS
	Time    = xtime.NS
	Version = version.NS
	Delay   = delay.NS

	Private  = "jabber:iq:private"
	DataForm = "jabber:x:data"
	XHTMLIM  = "http://jabber.org/protocol/xhtml-im"
	XHTML    = "http://www.w3.org/1999/xhtml"

	// Meta is the namespace of the opaque metadata element attached to
	// outgoing messages.
	Meta = "urn:xmpp:mucclient:meta"

	// Settings is the namespace of the private-storage settings document.
	Settings = "urn:xmpp:mucclient:settings"

	Framing = "urn:ietf:params:xml:ns:xmpp-framing"
	SASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	Bind    = "urn:ietf:params:xml:ns:xmpp-bind"
	Streams = "http://etherx.jabber.org/streams"
)

// RoomInfoForm is the FORM_TYPE of the extended room information form.
const RoomInfoForm = "http://jabber.org/protocol/muc#roominfo"
