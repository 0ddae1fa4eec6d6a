package settings

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

// timeLayout is RFC 3339 with exactly three fractional digits.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var settingsName = xml.Name{Space: ns.Settings, Local: "settings"}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return Stamp(t).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return Stamp(t), nil
}

// FetchQuery returns the private storage request for the document.
func FetchQuery() xml.TokenReader {
	return stanza.Query(ns.Private, stanza.Element(settingsName, nil))
}

// StoreQuery returns the private storage request replacing the document.
func StoreQuery(doc Document) xml.TokenReader {
	var meta xml.TokenReader
	if doc.Sync != nil {
		meta = stanza.Element(xml.Name{Local: "sync"}, []xml.Attr{
			stanza.Attr("account", doc.Sync.Account),
			stanza.Attr("time", formatTime(doc.Sync.Time)),
			stanza.Attr("auto", strconv.FormatBool(doc.Sync.Auto)),
		})
	}
	return stanza.Query(ns.Private, stanza.Element(settingsName,
		[]xml.Attr{stanza.Attr("modified", formatTime(doc.Modified))},
		meta,
		stanza.Text(xml.Name{Local: "payload"}, base64.StdEncoding.EncodeToString(doc.Payload)),
	))
}

type rawSettings struct {
	Modified string `xml:"modified,attr"`
	Sync     *struct {
		Account string `xml:"account,attr"`
		Time    string `xml:"time,attr"`
		Auto    string `xml:"auto,attr"`
	} `xml:"sync"`
	Payload *string `xml:"payload"`
}

// ParseStored reads a private storage result. It returns nil when the
// account stores no document, which servers signal with an empty element.
func ParseStored(query *stanza.Extension) (*Document, error) {
	if query == nil {
		return nil, nil
	}
	var wrapper struct {
		Settings *rawSettings `xml:"urn:xmpp:mucclient:settings settings"`
	}
	if err := query.Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("settings: decode private storage: %w", err)
	}
	raw := wrapper.Settings
	if raw == nil || (raw.Modified == "" && raw.Payload == nil && raw.Sync == nil) {
		return nil, nil
	}

	doc := &Document{}
	var err error
	if doc.Modified, err = parseTime(raw.Modified); err != nil {
		return nil, fmt.Errorf("settings: modified: %w", err)
	}
	if raw.Payload != nil {
		if doc.Payload, err = base64.StdEncoding.DecodeString(*raw.Payload); err != nil {
			return nil, fmt.Errorf("settings: payload: %w", err)
		}
	}
	if raw.Sync != nil {
		meta := &Meta{Account: raw.Sync.Account}
		if meta.Time, err = parseTime(raw.Sync.Time); err != nil {
			return nil, fmt.Errorf("settings: sync time: %w", err)
		}
		meta.Auto, _ = strconv.ParseBool(raw.Sync.Auto)
		doc.Sync = meta
	}
	return doc, nil
}
