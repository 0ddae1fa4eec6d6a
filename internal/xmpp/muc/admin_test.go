package muc

import (
	"strings"
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

func TestListQuery(t *testing.T) {
	r, err := ListQuery(AffiliationMember, "")
	if err != nil {
		t.Fatalf("ListQuery: %v", err)
	}
	raw, err := stanza.Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `<query xmlns="http://jabber.org/protocol/muc#admin"><item affiliation="member"></item></query>`
	if string(raw) != want {
		t.Fatalf("ListQuery = %s", raw)
	}

	for _, tc := range []struct {
		aff  Affiliation
		role Role
	}{
		{"", ""},
		{AffiliationMember, RoleVisitor},
		{"friend", ""},
		{"", "king"},
	} {
		if _, err := ListQuery(tc.aff, tc.role); err == nil {
			t.Errorf("ListQuery(%q, %q) should fail", tc.aff, tc.role)
		}
	}
}

func TestSetItem(t *testing.T) {
	raw, err := stanza.Encode(AdminQuery(AdminItem{Nick: "bob", Role: RoleNone, Reason: "spam"}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `<query xmlns="http://jabber.org/protocol/muc#admin"><item nick="bob" role="none"><reason>spam</reason></item></query>`
	if string(raw) != want {
		t.Fatalf("AdminQuery = %s", raw)
	}
}

func TestParseAdminItems(t *testing.T) {
	st, err := stanza.Parse([]byte(`<iq type="result" id="a1" from="lounge@conference.example.org">
<query xmlns="http://jabber.org/protocol/muc#admin">
<item affiliation="member" jid="bob@example.org" nick="bob"/>
<item affiliation="member" jid="carol@example.org"/>
</query></iq>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	items, err := ParseAdminItems(st.(*stanza.IQ).Payload)
	if err != nil {
		t.Fatalf("ParseAdminItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Nick != "bob" || items[0].Affiliation != AffiliationMember || !items[0].JID.Equal(jid.MustParse("bob@example.org")) {
		t.Fatalf("unexpected first item %#v", items[0])
	}
	if items[1].Role != "" {
		t.Fatalf("unset role should stay empty, got %q", items[1].Role)
	}
}

func TestDestroyQuery(t *testing.T) {
	raw, err := stanza.Encode(DestroyQuery(jid.MustParse("new@conference.example.org"), "moved", ""))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := string(raw)
	for _, want := range []string{
		`<query xmlns="http://jabber.org/protocol/muc#owner">`,
		`<destroy jid="new@conference.example.org"><reason>moved</reason></destroy>`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("DestroyQuery missing %q: %s", want, out)
		}
	}
}
