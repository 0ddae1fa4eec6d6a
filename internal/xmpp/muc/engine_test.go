package muc

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	mstanza "mellium.im/xmpp/stanza"

	"github.com/meszmate/mucclient/internal/event"
	"github.com/meszmate/mucclient/internal/xmpp/presence"
	"github.com/meszmate/mucclient/internal/xmpp/stanza"
	"github.com/meszmate/mucclient/internal/xmpp/xmpperr"
)

const service = "conference.example.net"

type harness struct {
	t      *testing.T
	engine *Engine
	events *event.Recorder
	sent   [][]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, events: &event.Recorder{}}
	h.engine = NewEngine(Config{
		Service: service,
		Send: func(raw []byte) error {
			h.sent = append(h.sent, raw)
			return nil
		},
		Events: h.events,
		Logger: zerolog.Nop(),
	})
	h.engine.Start(jid.MustParse("alice@example.net/web-1"))
	return h
}

// takeSent returns the stanzas sent since the last call.
func (h *harness) takeSent() []*stanza.Presence {
	h.t.Helper()
	var out []*stanza.Presence
	for _, raw := range h.sent {
		st, err := stanza.Parse(raw)
		if err != nil {
			h.t.Fatalf("engine sent unparsable stanza %q: %v", raw, err)
		}
		out = append(out, st.(*stanza.Presence))
	}
	h.sent = nil
	return out
}

func (h *harness) lastRaw() string {
	h.t.Helper()
	if len(h.sent) == 0 {
		h.t.Fatalf("nothing sent")
	}
	return string(h.sent[len(h.sent)-1])
}

// presence delivers a presence from room@service/nick.
func (h *harness) presence(room, nick, typ, inner string) {
	h.t.Helper()
	attr := ""
	if typ != "" {
		attr = fmt.Sprintf(` type=%q`, typ)
	}
	raw := fmt.Sprintf(`<presence xmlns="jabber:client" from="%s@%s/%s" to="alice@example.net/web-1"%s>%s</presence>`,
		room, service, nick, attr, inner)
	st, err := stanza.Parse([]byte(raw))
	if err != nil {
		h.t.Fatalf("parse fixture: %v", err)
	}
	h.engine.HandlePresence(st.(*stanza.Presence))
}

func mucItem(affiliation, role, extra string, statuses ...int) string {
	var b strings.Builder
	b.WriteString(`<x xmlns="http://jabber.org/protocol/muc#user">`)
	fmt.Fprintf(&b, `<item affiliation=%q role=%q%s/>`, affiliation, role, extra)
	for _, s := range statuses {
		fmt.Fprintf(&b, `<status code="%d"/>`, s)
	}
	b.WriteString(`</x>`)
	return b.String()
}

func presenceError(cond string) string {
	return `<x xmlns="http://jabber.org/protocol/muc"/><error type="cancel"><` + cond +
		` xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error>`
}

func (h *harness) types() []event.Type {
	var out []event.Type
	for _, m := range h.events.Take() {
		out = append(out, m.Type)
	}
	return out
}

func expectTypes(t *testing.T, got []event.Type, want ...event.Type) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func settled(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	default:
		t.Fatalf("waiter not settled")
		return nil
	}
}

func pending(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("waiter settled early with %v", err)
	default:
	}
}

// joined brings the harness into room as alice with bob already present.
func (h *harness) joined(room string) {
	h.t.Helper()
	ch, err := h.engine.Join(room, "alice", JoinOptions{})
	if err != nil {
		h.t.Fatalf("Join: %v", err)
	}
	h.presence(room, "bob", "", mucItem("member", "participant", ` jid="bob@example.net/phone"`))
	h.presence(room, "alice", "", mucItem("owner", "moderator", "", 110))
	if err := settled(h.t, ch); err != nil {
		h.t.Fatalf("join: %v", err)
	}
	h.events.Take()
	h.sent = nil
}

func TestJoinAdoptsSelfPresence(t *testing.T) {
	h := newHarness(t)
	ch, err := h.engine.Join("Lobby", "alice", JoinOptions{Password: "secret"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	raw := h.lastRaw()
	if !strings.Contains(raw, `xmlns="http://jabber.org/protocol/muc"`) || !strings.Contains(raw, "<password>secret</password>") {
		t.Fatalf("join presence %s lacks muc x or password", raw)
	}
	sent := h.takeSent()
	if got := sent[0].To.String(); got != "lobby@"+service+"/alice" {
		t.Fatalf("join sent to %s", got)
	}

	h.presence("lobby", "bob", "", mucItem("member", "participant", ""))
	expectTypes(t, h.types())
	pending(t, ch)

	h.presence("lobby", "alice", "", mucItem("owner", "moderator", "", 110, 201))
	if err := settled(t, ch); err != nil {
		t.Fatalf("join: %v", err)
	}
	msgs := h.events.Take()
	if len(msgs) != 1 || msgs[0].Type != event.RoomJoined {
		t.Fatalf("events = %v, want one RoomJoined", msgs)
	}
	rj := msgs[0].Data.(RoomJoined)
	if rj.Room != "lobby" || rj.Nick != "alice" || len(rj.Occupants) != 2 {
		t.Fatalf("RoomJoined = %+v", rj)
	}
	s := h.engine.Session()
	if s.RoomCurrent != "lobby" || s.NickCurrent != "alice" || s.Joining() {
		t.Fatalf("session = %+v", s)
	}
}

func TestPresenceDiff(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")

	h.presence("lobby", "carol", "", mucItem("none", "participant", ""))
	expectTypes(t, h.types(), event.UserJoined)

	h.presence("lobby", "carol", "", mucItem("none", "participant", ""))
	expectTypes(t, h.types())

	h.presence("lobby", "carol", "", `<show>away</show>`+mucItem("none", "participant", ""))
	msgs := h.events.Take()
	if len(msgs) != 1 || msgs[0].Type != event.PresenceChanged {
		t.Fatalf("events = %v, want PresenceChanged", msgs)
	}
	pc := msgs[0].Data.(PresenceChanged)
	if pc.Old.Show != presence.ShowAvailable || pc.New.Show != presence.ShowAway {
		t.Fatalf("PresenceChanged = %+v", pc)
	}

	h.presence("lobby", "carol", "", `<show>away</show>`+mucItem("member", "moderator", ""))
	expectTypes(t, h.types(), event.AffiliationChanged, event.RoleChanged)

	h.presence("lobby", "carol", "", `<show>away</show><status>brb</status>`+mucItem("member", "visitor", ""))
	expectTypes(t, h.types(), event.PresenceChanged, event.RoleChanged)
}

func TestNickChangeKeepsIdentity(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")

	h.presence("lobby", "bob", "unavailable", mucItem("member", "participant", ` jid="bob@example.net/phone" nick="robert"`, 303))
	msgs := h.events.Take()
	if len(msgs) != 1 || msgs[0].Type != event.NickChanged {
		t.Fatalf("events = %v, want NickChanged only", msgs)
	}
	if nc := msgs[0].Data.(NickChanged); nc.Old != "bob" || nc.New != "robert" || nc.Self {
		t.Fatalf("NickChanged = %+v", nc)
	}
	if _, ok := h.engine.Roster().Get("lobby", "bob"); ok {
		t.Fatalf("old nick still in roster")
	}
	o, ok := h.engine.Roster().Get("lobby", "robert")
	if !ok {
		t.Fatalf("new nick missing from roster")
	}
	if o.JID.String() != "bob@example.net/phone" || o.Role != RoleParticipant || o.Affiliation != AffiliationMember {
		t.Fatalf("renamed occupant = %+v", o)
	}

	// The follow-up presence under the new nick is not a join.
	h.presence("lobby", "robert", "", mucItem("member", "participant", ` jid="bob@example.net/phone"`))
	expectTypes(t, h.types())
}

func TestChangeNick(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")

	ch, err := h.engine.ChangeNick("alicia")
	if err != nil {
		t.Fatalf("ChangeNick: %v", err)
	}
	if got := h.takeSent()[0].To.String(); got != "lobby@"+service+"/alicia" {
		t.Fatalf("nick change sent to %s", got)
	}
	h.presence("lobby", "alice", "unavailable", mucItem("owner", "moderator", ` nick="alicia"`, 303, 110))
	pending(t, ch)
	h.presence("lobby", "alicia", "", mucItem("owner", "moderator", "", 110))
	if err := settled(t, ch); err != nil {
		t.Fatalf("nick change: %v", err)
	}
	expectTypes(t, h.types(), event.NickChanged)
	if s := h.engine.Session(); s.NickCurrent != "alicia" || s.RoomCurrent != "lobby" {
		t.Fatalf("session = %+v", s)
	}
}

// Some services omit status 110 when reflecting a nick change. Matching the
// requested nick is a best-effort heuristic, not a protocol guarantee.
func TestSelfPresenceHeuristicWithout110(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")

	ch, err := h.engine.ChangeNick("alicia")
	if err != nil {
		t.Fatalf("ChangeNick: %v", err)
	}
	h.presence("lobby", "alicia", "", mucItem("owner", "moderator", ""))
	if err := settled(t, ch); err != nil {
		t.Fatalf("nick change: %v", err)
	}
	if s := h.engine.Session(); s.NickCurrent != "alicia" {
		t.Fatalf("NickCurrent = %q", s.NickCurrent)
	}
	if _, ok := h.engine.Roster().Get("lobby", "alice"); ok {
		t.Fatalf("stale own entry left in roster")
	}
	for _, ty := range h.types() {
		if ty == event.UserJoined {
			t.Fatalf("own presence reported as UserJoined")
		}
	}
}

func TestKickWithActor(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")
	h.presence("lobby", "mallory", "", mucItem("none", "participant", ""))
	h.events.Take()

	h.presence("lobby", "mallory", "unavailable",
		`<x xmlns="http://jabber.org/protocol/muc#user"><item affiliation="none" role="none"><actor nick="bob"/><reason>spam</reason></item><status code="307"/></x>`)
	msgs := h.events.Take()
	if len(msgs) != 1 || msgs[0].Type != event.Evicted {
		t.Fatalf("events = %v, want Evicted", msgs)
	}
	ev := msgs[0].Data.(Evicted)
	if ev.Kind != Kick || ev.Reason != "spam" || ev.Self || ev.Occupant.Nick != "mallory" {
		t.Fatalf("Evicted = %+v", ev)
	}
	if ev.Actor == nil || ev.Actor.Nick != "bob" || ev.Actor.Role != RoleParticipant {
		t.Fatalf("actor = %+v", ev.Actor)
	}
	if _, ok := h.engine.Roster().Get("lobby", "mallory"); ok {
		t.Fatalf("evicted occupant still in roster")
	}
}

func TestSelfBanExitsRoom(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")

	h.presence("lobby", "alice", "unavailable",
		`<x xmlns="http://jabber.org/protocol/muc#user"><item affiliation="outcast" role="none"><actor nick="ghost" jid="ghost@example.net"/></item><status code="301"/><status code="110"/></x>`)
	msgs := h.events.Take()
	if len(msgs) != 2 || msgs[0].Type != event.Evicted || msgs[1].Type != event.RoomLeft {
		t.Fatalf("events = %v, want Evicted, RoomLeft", msgs)
	}
	ev := msgs[0].Data.(Evicted)
	if ev.Kind != Ban || !ev.Self || ev.Actor == nil || ev.Actor.JID.String() != "ghost@example.net" {
		t.Fatalf("Evicted = %+v", ev)
	}
	if s := h.engine.Session(); s.InRoom() {
		t.Fatalf("still in room after ban: %+v", s)
	}
	if occ := h.engine.Roster().Occupants("lobby"); len(occ) != 0 {
		t.Fatalf("roster not cleared: %v", occ)
	}
}

func TestRoomDestroyed(t *testing.T) {
	tests := []struct {
		name      string
		destroy   string
		alternate string
	}{
		{"with alternate", `<destroy jid="other@` + service + `"><reason>moved</reason></destroy>`, "other@" + service},
		{"without alternate", `<destroy/>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.joined("lobby")
			h.presence("lobby", "alice", "unavailable",
				`<x xmlns="http://jabber.org/protocol/muc#user"><item affiliation="none" role="none"/>`+tt.destroy+`</x>`)
			msgs := h.events.Take()
			if len(msgs) == 0 || msgs[0].Type != event.RoomDestroyed {
				t.Fatalf("events = %v, want RoomDestroyed first", msgs)
			}
			rd := msgs[0].Data.(RoomDestroyed)
			if got := rd.Alternate.String(); got != tt.alternate {
				t.Fatalf("alternate = %q, want %q", got, tt.alternate)
			}
			if occ := h.engine.Roster().Occupants("lobby"); len(occ) != 0 {
				t.Fatalf("roster not cleared: %v", occ)
			}
			if h.engine.Session().InRoom() {
				t.Fatalf("still in destroyed room")
			}
		})
	}
}

func TestJoinOtherRoomLeavesCurrent(t *testing.T) {
	h := newHarness(t)
	h.joined("a")

	ch, err := h.engine.Join("b", "alice", JoinOptions{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.takeSent()
	if s := h.engine.Session(); s.RoomCurrent != "a" || s.RoomTarget != "b" {
		t.Fatalf("session during join = %+v", s)
	}

	h.presence("b", "alice", "", mucItem("none", "participant", "", 110))
	if err := settled(t, ch); err != nil {
		t.Fatalf("join: %v", err)
	}
	expectTypes(t, h.types(), event.RoomLeft, event.RoomJoined)
	sent := h.takeSent()
	if len(sent) != 1 || sent[0].Type != "unavailable" || sent[0].To.String() != "a@"+service+"/alice" {
		t.Fatalf("implicit leave = %+v", sent)
	}
	if occ := h.engine.Roster().Occupants("a"); len(occ) != 0 {
		t.Fatalf("roster of a not cleared: %v", occ)
	}
	if s := h.engine.Session(); s.RoomCurrent != "b" {
		t.Fatalf("RoomCurrent = %q", s.RoomCurrent)
	}

	// Late reflections from the old room are ignored.
	h.presence("a", "bob", "", mucItem("member", "participant", ""))
	expectTypes(t, h.types())
}

func TestNickConflictRenumbers(t *testing.T) {
	h := newHarness(t)
	ch, err := h.engine.Join("lobby", "alice", JoinOptions{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.takeSent()

	for _, want := range []string{"alice1", "alice2", "alice3"} {
		tried := h.engine.Session().NickTarget
		h.presence("lobby", tried, "error", presenceError("conflict"))
		sent := h.takeSent()
		if len(sent) != 1 || sent[0].To.Resourcepart() != want {
			t.Fatalf("retry after %s = %+v, want %s", tried, sent, want)
		}
		msgs := h.events.Take()
		if len(msgs) != 1 || msgs[0].Type != event.NickConflict {
			t.Fatalf("events = %v", msgs)
		}
		if nc := msgs[0].Data.(NickConflict); nc.Tried != tried || nc.Next != want {
			t.Fatalf("NickConflict = %+v", nc)
		}
		pending(t, ch)
	}

	h.presence("lobby", "alice3", "", mucItem("none", "participant", "", 110))
	if err := settled(t, ch); err != nil {
		t.Fatalf("join: %v", err)
	}
	if s := h.engine.Session(); s.NickCurrent != "alice3" {
		t.Fatalf("NickCurrent = %q", s.NickCurrent)
	}
}

func TestConflictInCurrentRoom(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")

	ch, err := h.engine.ChangeNick("bob")
	if err != nil {
		t.Fatalf("ChangeNick: %v", err)
	}
	h.presence("lobby", "bob", "error", presenceError("conflict"))
	if err := settled(t, ch); !errors.Is(err, xmpperr.ErrNickInUse) {
		t.Fatalf("got %v, want ErrNickInUse", err)
	}
	if s := h.engine.Session(); s.NickTarget != "alice" || s.NickCurrent != "alice" {
		t.Fatalf("nick target not reverted: %+v", s)
	}
	expectTypes(t, h.types(), event.NickChangeFailed)
}

func TestJoinErrors(t *testing.T) {
	tests := []struct {
		cond string
		want error
	}{
		{"not-authorized", xmpperr.ErrPasswordRequired},
		{"forbidden", xmpperr.ErrBanned},
		{"not-allowed", xmpperr.ErrRoomCreationDenied},
		{"jid-malformed", xmpperr.ErrInvalidNickname},
		{"item-not-found", mstanza.Error{Condition: mstanza.ItemNotFound}},
		{"registration-required", mstanza.Error{Condition: mstanza.RegistrationRequired}},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			h := newHarness(t)
			ch, err := h.engine.Join("lobby", "alice", JoinOptions{})
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			h.presence("lobby", "alice", "error", presenceError(tt.cond))
			if err := settled(t, ch); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			expectTypes(t, h.types(), event.JoinFailed)
			if s := h.engine.Session(); s.RoomTarget != "" || s.InRoom() {
				t.Fatalf("session after failed join = %+v", s)
			}
		})
	}
}

func TestUnknownConditionSurfaces(t *testing.T) {
	h := newHarness(t)
	ch, _ := h.engine.Join("lobby", "alice", JoinOptions{})
	h.presence("lobby", "alice", "error", `<error type="cancel"><frobnicated xmlns="urn:example:errors"/></error>`)
	err := settled(t, ch)
	if xmpperr.Condition(err) != xmpperr.Unknown {
		t.Fatalf("got %v, want unknown condition", err)
	}
}

func TestLeaveCancelsJoin(t *testing.T) {
	h := newHarness(t)
	h.joined("a")
	ch, err := h.engine.Join("b", "alice", JoinOptions{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.takeSent()

	if err := h.engine.Leave("bye"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := settled(t, ch); !errors.Is(err, xmpperr.ErrJoinCancelled) {
		t.Fatalf("got %v, want ErrJoinCancelled", err)
	}
	sent := h.takeSent()
	if len(sent) != 2 {
		t.Fatalf("sent %d stanzas, want 2", len(sent))
	}
	for _, p := range sent {
		if p.Type != "unavailable" || p.Status != "bye" {
			t.Fatalf("leave presence = %+v", p)
		}
	}
	expectTypes(t, h.types(), event.RoomLeft)
	if s := h.engine.Session(); s.InRoom() || s.Joining() {
		t.Fatalf("session after leave = %+v", s)
	}
	if err := h.engine.Leave(""); !errors.Is(err, xmpperr.ErrNotInRoom) {
		t.Fatalf("second Leave = %v", err)
	}
}

func TestJoinSupersedesPendingJoin(t *testing.T) {
	h := newHarness(t)
	h.joined("a")
	first, err := h.engine.Join("b", "alice", JoinOptions{})
	if err != nil {
		t.Fatalf("Join(b): %v", err)
	}
	h.presence("b", "carl", "", mucItem("member", "participant", ""))
	h.takeSent()

	second, err := h.engine.Join("c", "alice", JoinOptions{})
	if err != nil {
		t.Fatalf("Join(c): %v", err)
	}
	if err := settled(t, first); !errors.Is(err, xmpperr.ErrSuperseded) {
		t.Fatalf("got %v, want ErrSuperseded", err)
	}
	pending(t, second)
	sent := h.takeSent()
	if len(sent) != 2 {
		t.Fatalf("sent %d stanzas, want 2", len(sent))
	}
	if sent[0].Type != "unavailable" || sent[0].To.String() != "b@"+service+"/alice" {
		t.Fatalf("abandon presence = %+v", sent[0])
	}
	if sent[1].Type != "" || sent[1].To.String() != "c@"+service+"/alice" {
		t.Fatalf("join presence = %+v", sent[1])
	}
	if occ := h.engine.Roster().Occupants("b"); len(occ) != 0 {
		t.Fatalf("roster of b not cleared: %v", occ)
	}
	if s := h.engine.Session(); s.RoomCurrent != "a" || s.RoomTarget != "c" {
		t.Fatalf("session = %+v", s)
	}
}

func TestChangeNickDuringJoinElsewhere(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")
	ch, err := h.engine.Join("kitchen", "bob2", JoinOptions{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.takeSent()

	if _, err := h.engine.ChangeNick("carol"); !errors.Is(err, xmpperr.ErrJoinInProgress) {
		t.Fatalf("ChangeNick = %v, want ErrJoinInProgress", err)
	}
	h.presence("kitchen", "bob2", "error", presenceError("conflict"))
	sent := h.takeSent()
	if len(sent) != 1 || sent[0].To.String() != "kitchen@"+service+"/bob3" {
		t.Fatalf("retry = %+v, want kitchen/bob3", sent)
	}
	pending(t, ch)
}

func TestJoinElsewhereSupersedesNickChange(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")
	nick, err := h.engine.ChangeNick("carol")
	if err != nil {
		t.Fatalf("ChangeNick: %v", err)
	}
	join, err := h.engine.Join("kitchen", "dave", JoinOptions{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := settled(t, nick); !errors.Is(err, xmpperr.ErrSuperseded) {
		t.Fatalf("got %v, want ErrSuperseded", err)
	}

	// A late rejection of the nick change leaves the join alone.
	h.presence("lobby", "carol", "error", presenceError("conflict"))
	if s := h.engine.Session(); s.NickTarget != "dave" || s.NickCurrent != "alice" {
		t.Fatalf("session = %+v", s)
	}
	pending(t, join)
}

func TestIgnoredPresence(t *testing.T) {
	h := newHarness(t)
	h.joined("lobby")

	raw := `<presence from="lobby@elsewhere.example/eve"><x xmlns="http://jabber.org/protocol/muc#user"><item affiliation="none" role="participant"/></x></presence>`
	st, err := stanza.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	h.engine.HandlePresence(st.(*stanza.Presence))
	h.presence("unrelated", "eve", "", mucItem("none", "participant", ""))
	expectTypes(t, h.types())
	if rooms := h.engine.Roster().Rooms(); len(rooms) != 1 || rooms[0] != "lobby" {
		t.Fatalf("roster rooms = %v", rooms)
	}
}

func TestJoinRequestsHistorySinceLastActivity(t *testing.T) {
	h := newHarness(t)
	h.engine.Touch("lobby", time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC))
	if _, err := h.engine.Join("lobby", "alice", JoinOptions{History: true}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if raw := h.lastRaw(); !strings.Contains(raw, `since="2024-05-01T10:30:00Z"`) {
		t.Fatalf("join presence %s lacks history since", raw)
	}
}

func TestResetRejectsWaiters(t *testing.T) {
	h := newHarness(t)
	ch, _ := h.engine.Join("lobby", "alice", JoinOptions{})
	h.engine.Reset(xmpperr.ErrConnectionLost)
	if err := settled(t, ch); !errors.Is(err, xmpperr.ErrConnectionLost) {
		t.Fatalf("got %v", err)
	}
	if s := h.engine.Session(); s.RoomTarget != "" {
		t.Fatalf("session not reset: %+v", s)
	}
}

func TestInvalidNick(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Join("lobby", "", JoinOptions{}); !errors.Is(err, xmpperr.ErrInvalidNickname) {
		t.Fatalf("got %v, want ErrInvalidNickname", err)
	}
}

func TestNextNick(t *testing.T) {
	tests := []struct{ in, want string }{
		{"alice", "alice1"},
		{"alice1", "alice2"},
		{"alice9", "alice10"},
		{"bob7", "bob8"},
		{"42", "43"},
		{"r2d2", "r2d3"},
	}
	for _, tt := range tests {
		if got := NextNick(tt.in); got != tt.want {
			t.Errorf("NextNick(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
