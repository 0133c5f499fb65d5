package session

import (
	"testing"
	"time"

	"github.com/monroy/montext/internal/xmpp"
)

func subscribeFrom(t *testing.T, f *fakeTransport, from string) {
	t.Helper()
	f.events().Presence(xmpp.Presence{
		From: mustJID(t, from),
		Type: xmpp.PresenceSubscribe,
	})
}

func TestSubscriptionAutoAcceptedAndEntryCreated(t *testing.T) {
	f := newFakeTransport()
	authedSession(t, f)

	subscribeFrom(t, f, "dave@example.com/phone")

	waitUntil(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.createdEntries) == 1
	})

	f.mu.Lock()
	created := append([]string(nil), f.createdEntries...)
	f.mu.Unlock()
	if created[0] != "dave@example.com" {
		t.Fatalf("expected entry for dave, got %v", created)
	}
	if n := f.presenceCount("dave@example.com", xmpp.PresenceSubscribed); n != 1 {
		t.Fatalf("expected exactly one subscribed reply, got %d", n)
	}
}

func TestSubscriptionFromPartialContactResendsSubscribe(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "dave@example.com", "Dave", "from"),
	}
	authedSession(t, f)

	subscribeFrom(t, f, "dave@example.com/phone")

	waitUntil(t, func() bool {
		return f.presenceCount("dave@example.com", xmpp.PresenceSubscribe) == 1
	})
	if n := f.presenceCount("dave@example.com", xmpp.PresenceSubscribed); n != 1 {
		t.Fatalf("expected one subscribed reply, got %d", n)
	}
	f.mu.Lock()
	created := len(f.createdEntries)
	f.mu.Unlock()
	if created != 0 {
		t.Fatalf("existing contact must not be re-created, got %d creates", created)
	}
}

func TestSubscriptionFromMutualContactOnlyAccepts(t *testing.T) {
	f := newFakeTransport()
	f.entries = []xmpp.RosterEntry{
		entry(t, "dave@example.com", "Dave", "both"),
	}
	authedSession(t, f)

	subscribeFrom(t, f, "dave@example.com/phone")

	waitUntil(t, func() bool {
		return f.presenceCount("dave@example.com", xmpp.PresenceSubscribed) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if n := f.presenceCount("dave@example.com", xmpp.PresenceSubscribe); n != 0 {
		t.Fatalf("mutual contact must not receive a new subscribe, got %d", n)
	}
	f.mu.Lock()
	created := len(f.createdEntries)
	f.mu.Unlock()
	if created != 0 {
		t.Fatalf("mutual contact must not be re-created, got %d creates", created)
	}
}

func TestSubscriptionEntryConflictIsSwallowed(t *testing.T) {
	f := newFakeTransport()
	f.createErr = &xmpp.StanzaError{Condition: "conflict"}
	s := authedSession(t, f)

	roster, cancel := s.Roster().Subscribe()
	defer cancel()
	<-roster

	subscribeFrom(t, f, "dave@example.com/phone")

	waitUntil(t, func() bool {
		return f.presenceCount("dave@example.com", xmpp.PresenceSubscribed) == 1
	})

	// The session stays healthy: a later roster push is still applied.
	f.events().RosterPush(entry(t, "dave@example.com", "dave", "none"))
	waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == 1 && snap[0].ID == "dave@example.com"
	})
}

func TestDuplicateSubscriptionRequests(t *testing.T) {
	f := newFakeTransport()
	s := authedSession(t, f)

	roster, cancel := s.Roster().Subscribe()
	defer cancel()

	subscribeFrom(t, f, "dave@example.com/phone")
	waitUntil(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.createdEntries) == 1
	})

	// The server confirms the new entry with a push; a duplicate
	// request after that is accepted again but creates nothing.
	f.events().RosterPush(entry(t, "dave@example.com", "dave", "none"))
	waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == 1
	})

	subscribeFrom(t, f, "dave@example.com/tablet")
	waitUntil(t, func() bool {
		return f.presenceCount("dave@example.com", xmpp.PresenceSubscribed) == 2
	})
	f.mu.Lock()
	created := len(f.createdEntries)
	f.mu.Unlock()
	if created != 1 {
		t.Fatalf("expected one created entry across duplicate requests, got %d", created)
	}
	if n := f.presenceCount("dave@example.com", xmpp.PresenceSubscribe); n != 1 {
		t.Fatalf("expected one subscribe re-send for the partial entry, got %d", n)
	}
}
