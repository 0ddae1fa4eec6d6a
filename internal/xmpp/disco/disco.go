// Package disco reads service discovery results and keeps the directory of
// rooms offered by the MUC service.
package disco

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"sync"

	mdisco "mellium.im/xmpp/disco"
	"mellium.im/xmpp/disco/info"
	"mellium.im/xmpp/disco/items"

	"github.com/meszmate/mucclient/internal/xmpp/form"
	"github.com/meszmate/mucclient/internal/xmpp/ns"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

// Feature is the var of a disco feature.
type Feature string

// Features advertised by the client.
const (
	FeatureDisco   Feature = ns.DiscoInfo
	FeatureMUC     Feature = ns.MUC
	FeaturePing    Feature = ns.Ping
	FeatureTime    Feature = ns.Time
	FeatureVersion Feature = ns.Version
	FeatureXHTMLIM Feature = ns.XHTMLIM
)

// Room features that change how a room is joined.
const (
	FeaturePasswordProtected Feature = "muc_passwordprotected"
	FeatureMembersOnly       Feature = "muc_membersonly"
	FeatureNonAnonymous      Feature = "muc_nonanonymous"
	FeaturePersistent        Feature = "muc_persistent"
)

// Info represents disco info response
type Info struct {
	Identities []info.Identity
	Features   []info.Feature
	Forms      []form.Form
}

// HasFeature reports whether f is advertised.
func (i Info) HasFeature(f Feature) bool {
	for _, have := range i.Features {
		if have.Var == string(f) {
			return true
		}
	}
	return false
}

// InfoQuery returns a disco#info request payload.
func InfoQuery() xml.TokenReader {
	return mdisco.InfoQuery{}.TokenReader()
}

// ItemsQuery returns a disco#items request payload.
func ItemsQuery() xml.TokenReader {
	return mdisco.ItemsQuery{}.TokenReader()
}

// InfoResult returns the disco#info answer describing a client with the
// given identity and features.
func InfoResult(id info.Identity, features ...Feature) xml.TokenReader {
	result := mdisco.Info{Identity: []info.Identity{id}}
	for _, f := range features {
		result.Features = append(result.Features, info.Feature{Var: string(f)})
	}
	return result.TokenReader()
}

// ParseItems reads a disco#items result. Items with malformed addresses are
// skipped.
func ParseItems(query *stanza.Extension) ([]items.Item, error) {
	if query == nil {
		return nil, nil
	}
	var raw struct {
		Items []stanza.Extension `xml:"item"`
	}
	if err := query.Decode(&raw); err != nil {
		return nil, fmt.Errorf("disco: decode items: %w", err)
	}
	out := make([]items.Item, 0, len(raw.Items))
	for _, el := range raw.Items {
		var it items.Item
		if err := el.Decode(&it); err != nil {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// ParseInfo reads a disco#info result, including any extended information
// forms.
func ParseInfo(query *stanza.Extension) (Info, error) {
	if query == nil {
		return Info{}, nil
	}
	var raw struct {
		Identities []info.Identity `xml:"identity"`
		Features   []info.Feature  `xml:"feature"`
		Forms      []form.Form     `xml:"jabber:x:data x"`
	}
	if err := query.Decode(&raw); err != nil {
		return Info{}, fmt.Errorf("disco: decode info: %w", err)
	}
	result := Info{Identities: raw.Identities, Forms: raw.Forms}
	for _, f := range raw.Features {
		if f.Var != "" {
			result.Features = append(result.Features, f)
		}
	}
	return result, nil
}

// Room is a chat room offered by the service.
type Room struct {
	ID       string
	Title    string
	Members  *uint32
	Features map[Feature]bool
	// Extended holds the muc#roominfo fields other than the occupant count.
	Extended map[string]string
}

// RoomFromItem returns the directory entry of a disco item.
func RoomFromItem(it items.Item) Room {
	r := Room{ID: it.JID.Localpart(), Title: it.Name}
	if r.Title == "" {
		r.Title = r.ID
	}
	return r
}

// RoomFromInfo returns the room described by a disco#info result.
func RoomFromInfo(id string, in Info) Room {
	r := Room{
		ID:       id,
		Title:    id,
		Features: make(map[Feature]bool, len(in.Features)),
		Extended: make(map[string]string),
	}
	for _, ident := range in.Identities {
		if ident.Category == "conference" && ident.Name != "" {
			r.Title = ident.Name
			break
		}
	}
	for _, f := range in.Features {
		r.Features[Feature(f.Var)] = true
	}
	for i := range in.Forms {
		f := &in.Forms[i]
		if f.FormType() != ns.RoomInfoForm {
			continue
		}
		for _, field := range f.Fields {
			switch field.Var {
			case "", form.FormTypeVar:
			case "muc#roominfo_occupants":
				if n, err := strconv.ParseUint(field.Value(), 10, 32); err == nil {
					members := uint32(n)
					r.Members = &members
				}
			default:
				r.Extended[field.Var] = field.Value()
			}
		}
	}
	return r
}

// Directory is the set of rooms known from discovery.
type Directory struct {
	mu    sync.RWMutex
	rooms map[string]Room
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string]Room)}
}

// Replace swaps the directory for rooms. The entry of current survives even
// if rooms omits it, since unlisted rooms never show up in discovery.
func (d *Directory) Replace(rooms []Room, current string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]Room, len(rooms)+1)
	for _, r := range rooms {
		if prev, ok := d.rooms[r.ID]; ok {
			r = merge(prev, r)
		}
		next[r.ID] = r
	}
	if current != "" {
		if _, ok := next[current]; !ok {
			if prev, ok := d.rooms[current]; ok {
				next[current] = prev
			} else {
				next[current] = Room{ID: current, Title: current}
			}
		}
	}
	d.rooms = next
}

// Update stores the details of a single room.
func (d *Directory) Update(r Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.rooms[r.ID]; ok && r.Title == r.ID && prev.Title != "" {
		r.Title = prev.Title
	}
	d.rooms[r.ID] = r
}

// merge keeps the details learned from disco#info when a listing only
// carries names.
func merge(prev, next Room) Room {
	if next.Members == nil {
		next.Members = prev.Members
	}
	if next.Features == nil {
		next.Features = prev.Features
	}
	if next.Extended == nil {
		next.Extended = prev.Extended
	}
	return next
}

// Get returns the room with the given id.
func (d *Directory) Get(id string) (Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	return r, ok
}

// Rooms returns every room sorted by id.
func (d *Directory) Rooms() []Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rooms := make([]Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Clear clears the directory
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms = make(map[string]Room)
}
