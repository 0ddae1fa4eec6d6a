package form

import (
	"strings"
	"testing"

	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

const configResult = `<iq type="result" id="c1" from="lounge@conference.example.org">
<query xmlns="http://jabber.org/protocol/muc#owner">
<x xmlns="jabber:x:data" type="form">
<title>Configuration for lounge</title>
<instructions>Fill in the form</instructions>
<field var="FORM_TYPE" type="hidden"><value>http://jabber.org/protocol/muc#roomconfig</value></field>
<field var="muc#roomconfig_roomname" type="text-single" label="Name"><value>Lounge</value></field>
<field type="fixed"><value>Access</value></field>
<field var="muc#roomconfig_whois" type="list-single" label="Who may see JIDs">
<value>moderators</value>
<option label="Moderators"><value>moderators</value></option>
<option label="Anyone"><value>anyone</value></option>
</field>
<field var="muc#roomconfig_persistentroom" type="boolean"><required/><value>0</value></field>
</x>
</query>
</iq>`

func parseQuery(t *testing.T, raw string) *stanza.Extension {
	t.Helper()
	st, err := stanza.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	iq, ok := st.(*stanza.IQ)
	if !ok || iq.Payload == nil {
		t.Fatalf("expected iq with payload, got %#v", st)
	}
	return iq.Payload
}

func TestFind(t *testing.T) {
	f, err := Find(parseQuery(t, configResult))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if f == nil {
		t.Fatal("no form found")
	}
	if f.Type != TypeForm || f.Title != "Configuration for lounge" {
		t.Fatalf("unexpected header %q %q", f.Type, f.Title)
	}
	if got := f.FormType(); got != "http://jabber.org/protocol/muc#roomconfig" {
		t.Fatalf("FORM_TYPE = %q", got)
	}
	if got := f.Value("muc#roomconfig_roomname"); got != "Lounge" {
		t.Fatalf("room name = %q", got)
	}
	whois, ok := f.Field("muc#roomconfig_whois")
	if !ok || len(whois.Options) != 2 || whois.Options[1].Value != "anyone" {
		t.Fatalf("unexpected whois field %#v", whois)
	}
	persistent, _ := f.Field("muc#roomconfig_persistentroom")
	if !persistent.IsRequired() {
		t.Fatal("persistent room should be required")
	}
}

func TestFindWithoutForm(t *testing.T) {
	f, err := Find(parseQuery(t, `<iq type="result" id="a"><query xmlns="http://jabber.org/protocol/muc#owner"/></iq>`))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if f != nil {
		t.Fatalf("expected no form, got %#v", f)
	}
}

func TestSubmit(t *testing.T) {
	f, err := Find(parseQuery(t, configResult))
	if err != nil || f == nil {
		t.Fatalf("Find: %v", err)
	}
	f.Set("muc#roomconfig_roomname", "Quiet lounge")
	f.Set("muc#roomconfig_roomdesc", "")

	raw, err := stanza.Encode(Submit(f))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := string(raw)
	for _, want := range []string{
		`<x xmlns="jabber:x:data" type="submit">`,
		`<field var="muc#roomconfig_roomname" type="text-single"><value>Quiet lounge</value></field>`,
		`<field var="muc#roomconfig_roomdesc"><value></value></field>`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("submission missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Access") || strings.Contains(out, "<option") || strings.Contains(out, "<title") {
		t.Fatalf("submission carries form metadata:\n%s", out)
	}
}

func TestCancel(t *testing.T) {
	raw, err := stanza.Encode(Cancel())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := string(raw); got != `<x xmlns="jabber:x:data" type="cancel"></x>` {
		t.Fatalf("Cancel = %s", got)
	}
}
