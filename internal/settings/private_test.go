package settings

import (
	"strings"
	"testing"
	"time"

	"github.com/meszmate/mucclient/internal/xmpp/stanza"
)

func storedQuery(t *testing.T, body string) *stanza.Extension {
	t.Helper()
	st, err := stanza.Parse([]byte(`<iq type="result" id="p1">` + body + `</iq>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return st.(*stanza.IQ).Payload
}

func TestStoreQuery(t *testing.T) {
	modified := time.Date(2024, 3, 1, 10, 0, 0, 120000000, time.UTC)
	raw, err := stanza.Encode(StoreQuery(Document{
		Payload:  []byte(`{"theme":"dark"}`),
		Modified: modified,
		Sync:     &Meta{Account: "alice", Time: modified, Auto: true},
	}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `<query xmlns="jabber:iq:private"><settings xmlns="urn:xmpp:mucclient:settings" modified="2024-03-01T10:00:00.120Z">` +
		`<sync account="alice" time="2024-03-01T10:00:00.120Z" auto="true"></sync>` +
		`<payload>eyJ0aGVtZSI6ImRhcmsifQ==</payload></settings></query>`
	if string(raw) != want {
		t.Fatalf("StoreQuery =\n%s\nwant\n%s", raw, want)
	}

	doc, err := ParseStored(storedQuery(t, string(raw)))
	if err != nil {
		t.Fatalf("ParseStored: %v", err)
	}
	if doc == nil || string(doc.Payload) != `{"theme":"dark"}` || !doc.Modified.Equal(modified) {
		t.Fatalf("unexpected document %#v", doc)
	}
	if doc.Sync == nil || doc.Sync.Account != "alice" || !doc.Sync.Auto {
		t.Fatalf("unexpected sync metadata %#v", doc.Sync)
	}
}

func TestParseStoredEmpty(t *testing.T) {
	raw, err := stanza.Encode(FetchQuery())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(raw), `<settings xmlns="urn:xmpp:mucclient:settings"></settings>`) {
		t.Fatalf("FetchQuery = %s", raw)
	}
	doc, err := ParseStored(storedQuery(t, string(raw)))
	if err != nil {
		t.Fatalf("ParseStored: %v", err)
	}
	if doc != nil {
		t.Fatalf("empty storage should yield no document, got %#v", doc)
	}
}

func TestParseStoredRejectsBadTime(t *testing.T) {
	_, err := ParseStored(storedQuery(t, `<query xmlns="jabber:iq:private"><settings xmlns="urn:xmpp:mucclient:settings" modified="yesterday"/></query>`))
	if err == nil {
		t.Fatal("expected an error for a malformed timestamp")
	}
}
