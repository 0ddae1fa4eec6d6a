package disco

import (
	"strings"
	"testing"

	"mellium.im/xmpp/disco/info"

	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

func payload(t *testing.T, raw string) *stanza.Extension {
	t.Helper()
	st, err := stanza.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	iq := st.(*stanza.IQ)
	if iq.Payload == nil {
		t.Fatal("iq has no payload")
	}
	return iq.Payload
}

func TestParseItems(t *testing.T) {
	items, err := ParseItems(payload(t, `<iq type="result" id="1" from="conference.example.org">
<query xmlns="http://jabber.org/protocol/disco#items">
<item jid="lounge@conference.example.org" name="The Lounge"/>
<item jid="dev@conference.example.org"/>
<item jid="@@bad"/>
</query></iq>`))
	if err != nil {
		t.Fatalf("ParseItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	lounge := RoomFromItem(items[0])
	if lounge.ID != "lounge" || lounge.Title != "The Lounge" {
		t.Fatalf("unexpected room %#v", lounge)
	}
	if dev := RoomFromItem(items[1]); dev.Title != "dev" {
		t.Fatalf("untitled room should fall back to its id, got %q", dev.Title)
	}
}

func TestRoomFromInfo(t *testing.T) {
	info, err := ParseInfo(payload(t, `<iq type="result" id="2" from="lounge@conference.example.org">
<query xmlns="http://jabber.org/protocol/disco#info">
<identity category="conference" type="text" name="The Lounge"/>
<feature var="http://jabber.org/protocol/muc"/>
<feature var="muc_passwordprotected"/>
<x xmlns="jabber:x:data" type="result">
<field var="FORM_TYPE" type="hidden"><value>http://jabber.org/protocol/muc#roominfo</value></field>
<field var="muc#roominfo_occupants"><value>7</value></field>
<field var="muc#roominfo_description"><value>Relax</value></field>
</x>
</query></iq>`))
	if err != nil {
		t.Fatalf("ParseInfo: %v", err)
	}
	r := RoomFromInfo("lounge", info)
	if r.Title != "The Lounge" {
		t.Fatalf("title = %q", r.Title)
	}
	if r.Members == nil || *r.Members != 7 {
		t.Fatalf("members = %v", r.Members)
	}
	if !r.Features[FeaturePasswordProtected] || !r.Features[FeatureMUC] {
		t.Fatalf("features = %v", r.Features)
	}
	if r.Extended["muc#roominfo_description"] != "Relax" {
		t.Fatalf("extended = %v", r.Extended)
	}
	if _, ok := r.Extended["muc#roominfo_occupants"]; ok {
		t.Fatal("occupant count should not be duplicated in extended info")
	}
}

func TestRoomFromInfoWithoutForm(t *testing.T) {
	r := RoomFromInfo("dev", Info{Features: []info.Feature{{Var: string(FeatureMUC)}}})
	if r.Members != nil {
		t.Fatalf("members should be unknown, got %d", *r.Members)
	}
	if r.Title != "dev" {
		t.Fatalf("title = %q", r.Title)
	}
}

func TestReplaceKeepsCurrentRoom(t *testing.T) {
	d := NewDirectory()
	members := uint32(3)
	d.Replace([]Room{{ID: "lounge", Title: "Lounge"}, {ID: "secret", Title: "Secret"}}, "")
	d.Update(Room{ID: "secret", Title: "Secret", Members: &members})

	d.Replace([]Room{{ID: "lounge", Title: "Lounge"}, {ID: "dev", Title: "Dev"}}, "secret")

	var ids []string
	for _, r := range d.Rooms() {
		ids = append(ids, r.ID)
	}
	if got := strings.Join(ids, ","); got != "dev,lounge,secret" {
		t.Fatalf("rooms = %s", got)
	}
	secret, _ := d.Get("secret")
	if secret.Members == nil || *secret.Members != 3 {
		t.Fatal("current room lost its details")
	}

	d.Replace([]Room{{ID: "dev", Title: "Dev"}}, "")
	if _, ok := d.Get("lounge"); ok {
		t.Fatal("refresh should drop rooms missing from the listing")
	}
	if _, ok := d.Get("secret"); ok {
		t.Fatal("unlisted room survives without being current")
	}
}

func TestReplaceAddsUnknownCurrentRoom(t *testing.T) {
	d := NewDirectory()
	d.Replace(nil, "hidden")
	r, ok := d.Get("hidden")
	if !ok || r.Title != "hidden" {
		t.Fatalf("current room missing from directory: %#v", r)
	}
}

func TestInfoResult(t *testing.T) {
	raw, err := stanza.Encode(InfoResult(info.Identity{Category: "client", Type: "pc", Name: "mucclient"}, FeatureDisco, FeaturePing))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := ParseInfo(payload(t, `<iq type="result" id="3">`+string(raw)+`</iq>`))
	if err != nil {
		t.Fatalf("ParseInfo(%s): %v", raw, err)
	}
	if len(got.Identities) != 1 || got.Identities[0].Category != "client" || got.Identities[0].Name != "mucclient" {
		t.Fatalf("identities = %+v in %s", got.Identities, raw)
	}
	if !got.HasFeature(FeatureDisco) || !got.HasFeature(FeaturePing) || got.HasFeature(FeatureMUC) {
		t.Fatalf("features = %+v in %s", got.Features, raw)
	}
}

func TestQueries(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  func() ([]byte, error)
		want string
	}{
		{"info", func() ([]byte, error) { return stanza.Encode(InfoQuery()) }, `<query xmlns="http://jabber.org/protocol/disco#info"></query>`},
		{"items", func() ([]byte, error) { return stanza.Encode(ItemsQuery()) }, `<query xmlns="http://jabber.org/protocol/disco#items"></query>`},
	} {
		raw, err := tc.raw()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if string(raw) != tc.want {
			t.Errorf("%s query = %s, want %s", tc.name, raw, tc.want)
		}
	}
}
