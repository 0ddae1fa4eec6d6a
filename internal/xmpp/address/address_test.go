package address

import (
	"strings"
	"testing"

	"mellium.im/xmpp/jid"
)

func TestBareEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"alice@example.net", "alice@example.net/phone", true},
		{"alice@example.net/a", "alice@example.net/b", true},
		{"alice@example.net", "bob@example.net", false},
		{"alice@example.net", "alice@example.org", false},
		{"example.net", "example.net/x", true},
	}
	for _, tc := range tests {
		a := jid.MustParse(tc.a)
		b := jid.MustParse(tc.b)
		if got := BareEqual(a, b); got != tc.want {
			t.Errorf("BareEqual(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestOccupant(t *testing.T) {
	j, err := Occupant("lobby", "conference.example.net", "alice")
	if err != nil {
		t.Fatalf("Occupant returned error: %v", err)
	}
	if j.String() != "lobby@conference.example.net/alice" {
		t.Fatalf("unexpected occupant address %s", j)
	}
	room, nick := Split(j)
	if room != "lobby" || nick != "alice" {
		t.Fatalf("Split = %q, %q", room, nick)
	}
}

func TestNewResource(t *testing.T) {
	a := NewResource("mucclient")
	b := NewResource("mucclient")
	if a == b {
		t.Fatalf("expected distinct resources, got %q twice", a)
	}
	if !strings.HasPrefix(a, "mucclient-") {
		t.Fatalf("expected prefix, got %q", a)
	}
}

func TestValidNick(t *testing.T) {
	if ValidNick("") {
		t.Fatalf("empty nick must be invalid")
	}
	if !ValidNick("alice") {
		t.Fatalf("alice must be valid")
	}
}

func TestIsZero(t *testing.T) {
	if !IsZero(jid.JID{}) {
		t.Fatalf("zero JID not detected")
	}
	if IsZero(jid.MustParse("example.net")) {
		t.Fatalf("non-zero JID reported as zero")
	}
}
