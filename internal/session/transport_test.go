package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/monroy/montext/internal/logging"
	"github.com/monroy/montext/internal/xmpp"
)

// fakeTransport is a scriptable in-memory Transport. Tests drive the
// server side by firing events and inspecting recorded calls.
type fakeTransport struct {
	mu sync.Mutex
	ev xmpp.Events

	local jid.JID

	connectErr  error
	loginErr    error
	supports    bool
	supportsErr error
	registerErr error
	createErr   error
	removeErr   error
	fetchErr    error
	profileErr  error

	entries  []xmpp.RosterEntry
	profiles map[string]*xmpp.Profile

	// registerGate, when set, blocks the registration-support probe
	// until released.
	registerGate chan struct{}
	// profileGate, when set, blocks profile fetches until released.
	profileGate chan struct{}

	open bool

	connectCalls  int
	loginCalls    int
	registerCalls int
	fetchCalls    int

	sentPresences  []sentPresence
	createdEntries []string
	removedEntries []string
	profileFetches []string
	savedProfiles  []*xmpp.Profile
}

type sentPresence struct {
	to  string
	typ xmpp.PresenceType
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		supports: true,
		profiles: make(map[string]*xmpp.Profile),
	}
}

func (f *fakeTransport) SetEvents(ev xmpp.Events) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ev = ev
}

func (f *fakeTransport) events() xmpp.Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev
}

func (f *fakeTransport) Connect(ctx context.Context, host string, port int, domain string) error {
	f.mu.Lock()
	f.connectCalls++
	err := f.connectErr
	if err == nil {
		f.open = true
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if ev := f.events(); ev.Connected != nil {
		ev.Connected()
	}
	return nil
}

func (f *fakeTransport) Login(ctx context.Context, username, password string) error {
	f.mu.Lock()
	f.loginCalls++
	err := f.loginErr
	if err == nil {
		f.local, _ = jid.New(username, "example.com", "montext")
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if ev := f.events(); ev.Authenticated != nil {
		ev.Authenticated()
	}
	return nil
}

func (f *fakeTransport) SupportsRegistration(ctx context.Context) (bool, error) {
	f.mu.Lock()
	gate := f.registerGate
	supports, err := f.supports, f.supportsErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return supports, err
}

func (f *fakeTransport) Register(ctx context.Context, username, password string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	return f.registerErr
}

// Disconnect fires Closed when something was open, mirroring the real
// transport's locally-initiated close.
func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	wasOpen := f.open
	f.open = false
	f.mu.Unlock()
	if wasOpen {
		if ev := f.events(); ev.Closed != nil {
			ev.Closed()
		}
	}
	return nil
}

func (f *fakeTransport) SendPresence(ctx context.Context, to jid.JID, typ xmpp.PresenceType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentPresences = append(f.sentPresences, sentPresence{to: to.Bare().String(), typ: typ})
	return nil
}

func (f *fakeTransport) FetchRoster(ctx context.Context) ([]xmpp.RosterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]xmpp.RosterEntry(nil), f.entries...), nil
}

func (f *fakeTransport) CreateRosterEntry(ctx context.Context, address jid.JID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.createdEntries = append(f.createdEntries, address.Bare().String())
	return nil
}

func (f *fakeTransport) RemoveRosterEntry(ctx context.Context, address jid.JID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removedEntries = append(f.removedEntries, address.Bare().String())
	return nil
}

func (f *fakeTransport) FetchProfile(ctx context.Context, address jid.JID) (*xmpp.Profile, error) {
	f.mu.Lock()
	f.fetchCalls++
	bare := address.Bare().String()
	f.profileFetches = append(f.profileFetches, bare)
	gate := f.profileGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	if p, ok := f.profiles[bare]; ok {
		copied := *p
		return &copied, nil
	}
	return &xmpp.Profile{Address: address.Bare()}, nil
}

func (f *fakeTransport) SaveProfile(ctx context.Context, p *xmpp.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *p
	f.savedProfiles = append(f.savedProfiles, &copied)
	return nil
}

func (f *fakeTransport) LocalAddr() jid.JID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeTransport) presenceCount(to string, typ xmpp.PresenceType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.sentPresences {
		if p.to == to && p.typ == typ {
			n++
		}
	}
	return n
}

func (f *fakeTransport) fetchCountFor(bare string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.profileFetches {
		if j == bare {
			n++
		}
	}
	return n
}

var _ xmpp.Transport = (*fakeTransport)(nil)

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("failed to parse jid %q: %v", s, err)
	}
	return j
}

// waitState drains a state channel until the wanted value arrives.
func waitState[T comparable](t *testing.T, ch <-chan T, want T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

// waitSnapshot drains the roster channel until a snapshot satisfies the
// predicate.
func waitSnapshot(t *testing.T, ch <-chan []Contact, ok func([]Contact) bool) []Contact {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for roster snapshot")
			return nil
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

// authedSession connects and logs a session in over the fake transport
// and waits for the first published snapshot.
func authedSession(t *testing.T, f *fakeTransport) *Session {
	t.Helper()
	s := New(f, logging.Discard())

	roster, cancel := s.Roster().Subscribe()
	defer cancel()
	<-roster // replayed empty snapshot

	s.Connect("10.0.0.5", 5222, "example.com")
	conn, cancelConn := s.ConnectionStates().Subscribe()
	waitState(t, conn, Connected)
	cancelConn()

	if err := s.Login("alice", "secret"); err != nil {
		t.Fatalf("login returned error: %v", err)
	}
	login, cancelLogin := s.LoginStates().Subscribe()
	waitState(t, login, LoggedIn)
	cancelLogin()

	// Initial roster load publishes one snapshot.
	waitSnapshot(t, roster, func(snap []Contact) bool {
		return len(snap) == len(f.entries)
	})
	return s
}

func entry(t *testing.T, address, name, sub string) xmpp.RosterEntry {
	t.Helper()
	return xmpp.RosterEntry{
		Address:      mustJID(t, address),
		Name:         name,
		Subscription: sub,
	}
}
