package muc

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/mucclient/internal/xmpp/address"
	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

// AdminItem is a muc#admin item. A request sets either Affiliation or Role;
// the unset one is left empty.
type AdminItem struct {
	Nick        string
	JID         jid.JID
	Affiliation Affiliation
	Role        Role
	Reason      string
}

// TokenReader returns the <item/> element.
func (it AdminItem) TokenReader() xml.TokenReader {
	var j string
	if !address.IsZero(it.JID) {
		j = it.JID.String()
	}
	return stanza.Element(xml.Name{Local: "item"}, []xml.Attr{
		stanza.Attr("nick", it.Nick),
		stanza.Attr("jid", j),
		stanza.Attr("affiliation", string(it.Affiliation)),
		stanza.Attr("role", string(it.Role)),
	}, stanza.Text(xml.Name{Local: "reason"}, it.Reason))
}

// AdminQuery returns a muc#admin query carrying items.
func AdminQuery(items ...AdminItem) xml.TokenReader {
	children := make([]xml.TokenReader, 0, len(items))
	for _, it := range items {
		children = append(children, it.TokenReader())
	}
	return stanza.Query(ns.MUCAdmin, children...)
}

// ListQuery requests every occupant or user with the given affiliation or
// role. Exactly one of them must be set.
func ListQuery(aff Affiliation, role Role) (xml.TokenReader, error) {
	switch {
	case aff != "" && role != "":
		return nil, fmt.Errorf("muc: list by affiliation or role, not both")
	case aff == "" && role == "":
		return nil, fmt.Errorf("muc: list needs an affiliation or a role")
	case aff != "" && !aff.Valid():
		return nil, fmt.Errorf("muc: unknown affiliation %q", aff)
	case role != "" && !role.Valid():
		return nil, fmt.Errorf("muc: unknown role %q", role)
	}
	return AdminQuery(AdminItem{Affiliation: aff, Role: role}), nil
}

// ParseAdminItems reads the items of a muc#admin result.
func ParseAdminItems(query *stanza.Extension) ([]AdminItem, error) {
	if query == nil {
		return nil, nil
	}
	var raw struct {
		Items []struct {
			Nick        string `xml:"nick,attr"`
			JID         string `xml:"jid,attr"`
			Affiliation string `xml:"affiliation,attr"`
			Role        string `xml:"role,attr"`
			Reason      string `xml:"reason"`
		} `xml:"item"`
	}
	if err := query.Decode(&raw); err != nil {
		return nil, fmt.Errorf("muc: decode admin items: %w", err)
	}
	items := make([]AdminItem, 0, len(raw.Items))
	for _, r := range raw.Items {
		it := AdminItem{Nick: r.Nick, Reason: r.Reason}
		if r.JID != "" {
			j, err := jid.Parse(r.JID)
			if err != nil {
				continue
			}
			it.JID = j
		}
		if r.Affiliation != "" {
			it.Affiliation = ParseAffiliation(r.Affiliation)
		}
		if r.Role != "" {
			it.Role = ParseRole(r.Role)
		}
		items = append(items, it)
	}
	return items, nil
}

// OwnerQuery returns a muc#owner query wrapping payload, which is a data
// form or nil to request the configuration form.
func OwnerQuery(payload xml.TokenReader) xml.TokenReader {
	return stanza.Query(ns.MUCOwner, payload)
}

// DestroyQuery returns the muc#owner request destroying a room. The
// alternate venue is optional.
func DestroyQuery(alternate jid.JID, reason, password string) xml.TokenReader {
	var alt string
	if !address.IsZero(alternate) {
		alt = alternate.Bare().String()
	}
	return OwnerQuery(stanza.Element(xml.Name{Local: "destroy"},
		[]xml.Attr{stanza.Attr("jid", alt)},
		stanza.Text(xml.Name{Local: "reason"}, reason),
		stanza.Text(xml.Name{Local: "password"}, password),
	))
}
