package session

import (
	"errors"
	"testing"
	"time"

	"github.com/monroy/montext/internal/logging"
	"github.com/monroy/montext/internal/xmpp"
)

func available(t *testing.T, f *fakeTransport, from string) {
	t.Helper()
	f.events().Presence(xmpp.Presence{
		From: mustJID(t, from),
		Type: xmpp.PresenceAvailable,
	})
}

func unavailable(t *testing.T, f *fakeTransport, from string) {
	t.Helper()
	f.events().Presence(xmpp.Presence{
		From: mustJID(t, from),
		Type: xmpp.PresenceUnavailable,
	})
}

func ids(snap []Contact) []ContactID {
	out := make([]ContactID, len(snap))
	for i, c := range snap {
		out[i] = c.ID
	}
	return out
}

func TestSnapshotSortedOnlineFirstThenName(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "dave@example.com", "dave", "both"),
		entry(t, "alice@example.com", "alice", "both"),
		entry(t, "bob@example.com", "Bob", "both"),
	}
	s := authedSession(t, f)

	roster, cancel := s.Roster().Subscribe()
	defer cancel()

	available(t, f, "dave@example.com/phone")

	snap := waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == 3 && snap[0].Online
	})

	want := []ContactID{"dave@example.com", "alice@example.com", "bob@example.com"}
	got := ids(snap)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot order = %v, want %v", got, want)
		}
	}
	if snap[1].Online || snap[2].Online {
		t.Fatalf("expected alice and bob offline")
	}
}

func TestPresenceChangeResortsSnapshot(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "alice@example.com", "alice", "both"),
		entry(t, "carol@example.com", "carol", "both"),
	}
	s := authedSession(t, f)

	roster, cancel := s.Roster().Subscribe()
	defer cancel()

	available(t, f, "carol@example.com/desktop")
	snap := waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == 2 && snap[0].ID == "carol@example.com" && snap[0].Online
	})
	if snap[1].ID != "alice@example.com" {
		t.Fatalf("expected alice second, got %v", ids(snap))
	}

	unavailable(t, f, "carol@example.com/desktop")
	waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == 2 && snap[0].ID == "alice@example.com" && !snap[1].Online
	})
}

func TestSnapshotHasNoDuplicateContacts(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "carol@example.com", "Carol", "both"),
		entry(t, "carol@example.com", "Carol again", "both"),
	}
	s := New(f, logging.Discard())

	roster, cancel := s.Roster().Subscribe()
	defer cancel()
	<-roster

	conn, cancelConn := s.ConnectionStates().Subscribe()
	s.Connect("10.0.0.5", 5222, "example.com")
	waitState(t, conn, Connected)
	cancelConn()
	if err := s.Login("alice", "secret"); err != nil {
		t.Fatalf("login returned error: %v", err)
	}

	snap := waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) > 0
	})
	if len(snap) != 1 {
		t.Fatalf("expected 1 contact for duplicate entries, got %d", len(snap))
	}
	if snap[0].DisplayName != "Carol again" {
		t.Fatalf("expected the later entry to win, got %q", snap[0].DisplayName)
	}
}

func TestDisplayNameFallsBackToLocalpart(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "carol@example.com", "", "both"),
	}
	s := authedSession(t, f)

	snap := s.Roster().Get()
	if len(snap) != 1 || snap[0].DisplayName != "carol" {
		t.Fatalf("expected display name %q, got %+v", "carol", snap)
	}
}

func TestRosterPushAddsContact(t *testing.T) {
	f := newFakeTransport()
	s := authedSession(t, f)

	roster, cancel := s.Roster().Subscribe()
	defer cancel()

	f.events().RosterPush(entry(t, "mallory@example.com", "Mallory", "none"))

	waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == 1 && snap[0].ID == "mallory@example.com"
	})
}

func TestRosterPushRemoveDropsContact(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "carol@example.com", "Carol", "both"),
	}
	s := authedSession(t, f)

	roster, cancel := s.Roster().Subscribe()
	defer cancel()

	f.events().RosterPush(entry(t, "carol@example.com", "", "remove"))

	waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == 0
	})
}

func TestAddContactCreatesEntryAndShowsPending(t *testing.T) {
	f := newFakeTransport()
	s := authedSession(t, f)

	roster, cancel := s.Roster().Subscribe()
	defer cancel()

	if err := s.AddContact("mallory@example.com", "Mallory"); err != nil {
		t.Fatalf("add contact returned error: %v", err)
	}

	snap := waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == 1
	})
	if snap[0].DisplayName != "Mallory" {
		t.Fatalf("expected nickname %q, got %q", "Mallory", snap[0].DisplayName)
	}

	f.mu.Lock()
	created := append([]string(nil), f.createdEntries...)
	f.mu.Unlock()
	if len(created) != 1 || created[0] != "mallory@example.com" {
		t.Fatalf("expected one created entry for mallory, got %v", created)
	}
}

func TestAddContactMutualSubscriptionIsNoop(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "carol@example.com", "Carol", "both"),
	}
	s := authedSession(t, f)

	if err := s.AddContact("carol@example.com", "Carol"); err != nil {
		t.Fatalf("add contact returned error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	f.mu.Lock()
	presences := len(f.sentPresences)
	created := len(f.createdEntries)
	f.mu.Unlock()
	if presences != 0 || created != 0 {
		t.Fatalf("mutual contact must not cause traffic: %d presences, %d creates", presences, created)
	}
}

func TestAddContactPartialSubscriptionResends(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "carol@example.com", "Carol", "from"),
	}
	s := authedSession(t, f)

	if err := s.AddContact("carol@example.com", "Carol"); err != nil {
		t.Fatalf("add contact returned error: %v", err)
	}

	waitUntil(t, func() bool {
		return f.presenceCount("carol@example.com", xmpp.PresenceSubscribe) == 1
	})
	f.mu.Lock()
	created := len(f.createdEntries)
	f.mu.Unlock()
	if created != 0 {
		t.Fatalf("existing contact must not be re-created, got %d creates", created)
	}
}

func TestAddContactRejectsInvalidAddress(t *testing.T) {
	f := newFakeTransport()
	s := authedSession(t, f)

	if err := s.AddContact("not a jid", "x"); err == nil {
		t.Fatal("expected error for invalid address")
	}
}

func TestAddContactRequiresAuthentication(t *testing.T) {
	f := newFakeTransport()
	s := New(f, logging.Discard())

	if err := s.AddContact("carol@example.com", "Carol"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestRemoveContact(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "carol@example.com", "Carol", "both"),
	}
	s := authedSession(t, f)

	if err := s.RemoveContact("carol@example.com"); err != nil {
		t.Fatalf("remove contact returned error: %v", err)
	}
	waitUntil(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.removedEntries) == 1 && f.removedEntries[0] == "carol@example.com"
	})
}

func TestRemoveContactMissing(t *testing.T) {
	f := newFakeTransport()
	s := authedSession(t, f)

	if err := s.RemoveContact("ghost@example.com"); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("expected ErrContactNotFound, got %v", err)
	}
}

func TestPresenceFromUnknownSenderIsHarmless(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "carol@example.com", "Carol", "both"),
	}
	s := authedSession(t, f)

	roster, cancel := s.Roster().Subscribe()
	defer cancel()

	// Availability from someone not on the roster must not grow the
	// snapshot.
	available(t, f, "stranger@example.com/home")

	waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == 1 && snap[0].ID == "carol@example.com"
	})
}
