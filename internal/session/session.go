// Package session is the long-lived core of the client: it owns the
// single server connection, drives login and registration, keeps the
// local roster mirror synchronized with server pushes, negotiates
// mutual presence subscriptions, resolves contact avatars and exposes
// all of it as latest-value-replay state feeds.
package session

import (
	"context"
	"sync"

	"github.com/monroy/montext/internal/logging"
	"github.com/monroy/montext/internal/xmpp"
	"github.com/monroy/montext/internal/xmpp/presence"
	"github.com/monroy/montext/internal/xmpp/roster"
)

// Session is an explicitly constructed session object; callers inject
// the transport, so independent instances can coexist (and be tested)
// in one process.
//
// Lifecycle: Connect opens the transport, Login authenticates,
// Disconnect (or any stream failure) resets every piece of
// session-scoped state. Roster mirror, presence book and avatar cache
// live strictly within one authenticated session; they are cleared on
// every teardown so no stale entry can outlive its session.
type Session struct {
	mu sync.Mutex

	tr  xmpp.Transport
	log *logging.Logger

	connState  *Feed[ConnectionState]
	loginState *Feed[LoginState]
	regState   *Feed[RegistrationState]
	rosterFeed *Feed[[]Contact]

	// generation increases on every authentication and every teardown.
	// Asynchronous work tags itself with the generation it was started
	// under and publishes nothing once the tag is stale; this is what
	// keeps a torn-down session from being resurrected by in-flight
	// resyncs or late callbacks.
	generation uint64

	entries  *roster.Book
	presence *presence.Book
	avatars  *avatarCache

	// resyncMu serializes roster resynchronizations so every published
	// snapshot reflects one complete, self-consistent pass.
	resyncMu sync.Mutex

	authenticated bool
	registering   bool
	// active is set by Connect and cleared by teardown, making teardown
	// idempotent: a connection can only be torn down once.
	active bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session around the given transport. The transport must
// not be shared with another session.
func New(tr xmpp.Transport, log *logging.Logger) *Session {
	s := &Session{
		tr:         tr,
		log:        log,
		connState:  NewFeed(Disconnected),
		loginState: NewFeed(LoggedOut),
		regState:   NewFeed(RegistrationIdle),
		rosterFeed: NewFeed([]Contact(nil)),
		entries:    roster.NewBook(),
		presence:   presence.NewBook(),
	}
	s.avatars = newAvatarCache(tr, log)

	tr.SetEvents(xmpp.Events{
		Connected:     s.onConnected,
		Authenticated: s.onAuthenticated,
		Closed:        s.onClosed,
		ClosedErr:     s.onClosedErr,
		Presence:      s.onPresence,
		RosterPush:    s.onRosterPush,
	})
	return s
}

// ConnectionStates is the connection axis feed.
func (s *Session) ConnectionStates() *Feed[ConnectionState] { return s.connState }

// LoginStates is the authentication axis feed.
func (s *Session) LoginStates() *Feed[LoginState] { return s.loginState }

// RegistrationStates is the account-creation axis feed.
func (s *Session) RegistrationStates() *Feed[RegistrationState] { return s.regState }

// Roster is the snapshot feed; every value is a complete sorted
// snapshot replacing the previous one.
func (s *Session) Roster() *Feed[[]Contact] { return s.rosterFeed }

// Connect opens the connection. It is idempotent while a connection is
// being established or already up. The outcome is observed on the
// connection state feed.
func (s *Session) Connect(host string, port int, domain string) {
	s.mu.Lock()
	switch s.connState.Get() {
	case Connecting, Connected:
		s.mu.Unlock()
		s.log.Debug("connect ignored, already %s", s.connState.Get())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	s.active = true
	s.connState.Set(Connecting)
	s.mu.Unlock()

	go func() {
		if err := s.tr.Connect(ctx, host, port, domain); err != nil {
			s.log.Error("connection to %s:%d failed: %v", host, port, err)
			s.teardown(false)
		}
	}()
}

// Login authenticates asynchronously. It fails fast with
// ErrNotConnected (and flips the login feed to LoginFailed) when no
// connection is up; when already authenticated it reports LoggedIn and
// does nothing. The asynchronous outcome is observed on the login
// state feed.
func (s *Session) Login(username, password string) error {
	s.mu.Lock()
	if s.connState.Get() != Connected {
		s.mu.Unlock()
		s.log.Error("cannot login: not connected")
		s.loginState.Set(LoginFailed)
		return ErrNotConnected
	}
	if s.authenticated {
		s.mu.Unlock()
		s.loginState.Set(LoggedIn)
		return nil
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.loginState.Set(LoggingIn)

	go func() {
		if err := s.tr.Login(ctx, username, password); err != nil {
			s.log.Error("login failed: %v", err)
			s.loginState.Set(LoginFailed)
		}
	}()
	return nil
}

// Register creates an account asynchronously. It fails fast when not
// connected, ignores a second attempt while one is in flight and
// refuses (RegistrationFailed, no account-creation call) when the
// server lacks in-band registration. The asynchronous outcome is
// observed on the registration state feed.
func (s *Session) Register(username, password, displayName, email string) error {
	s.mu.Lock()
	if s.connState.Get() != Connected {
		s.mu.Unlock()
		s.log.Error("cannot register: not connected")
		s.regState.Set(RegistrationFailed)
		return ErrNotConnected
	}
	if s.registering {
		s.mu.Unlock()
		s.log.Debug("registration already in flight")
		return nil
	}
	s.registering = true
	ctx := s.ctx
	s.mu.Unlock()

	s.regState.Set(Registering)

	go func() {
		ok, err := s.tr.SupportsRegistration(ctx)
		if err != nil {
			s.log.Error("registration support check failed: %v", err)
			s.finishRegistration(RegistrationFailed)
			return
		}
		if !ok {
			s.log.Error("registration refused: %v", ErrRegistrationUnsupported)
			s.finishRegistration(RegistrationFailed)
			return
		}

		fields := make(map[string]string)
		if displayName != "" {
			fields["name"] = displayName
		}
		if email != "" {
			fields["email"] = email
		}

		if err := s.tr.Register(ctx, username, password, fields); err != nil {
			s.log.Error("registration failed: %v", err)
			s.finishRegistration(RegistrationFailed)
			return
		}
		s.log.Info("account %q registered", username)
		s.finishRegistration(RegistrationSuccess)
	}()
	return nil
}

func (s *Session) finishRegistration(outcome RegistrationState) {
	s.mu.Lock()
	s.registering = false
	s.mu.Unlock()
	s.regState.Set(outcome)
}

// Disconnect closes the connection and resets all session-scoped state.
// Safe to call at any time.
func (s *Session) Disconnect() {
	if err := s.tr.Disconnect(); err != nil {
		s.log.Warn("disconnect: %v", err)
	}
	// The transport fires Closed when something was actually open, which
	// already ran teardown; this call covers a transport with nothing
	// open and is a no-op otherwise.
	s.teardown(true)
}

// onConnected runs when the transport establishes the connection.
func (s *Session) onConnected() {
	s.log.Info("connection established")
	s.connState.Set(Connected)
}

// onAuthenticated runs when login completes, including a login
// immediately after registration. It opens a new session generation:
// all per-session state starts clean, and work tagged with an older
// generation can no longer publish.
func (s *Session) onAuthenticated() {
	s.mu.Lock()
	s.authenticated = true
	s.generation++
	gen := s.generation
	ctx := s.ctx
	s.entries.Clear()
	s.presence.Clear()
	s.avatars.clear()
	s.mu.Unlock()

	s.loginState.Set(LoggedIn)
	if s.regState.Get() == Registering {
		s.finishRegistration(RegistrationSuccess)
	}

	// Roster state is only valid after authentication: load the full
	// server roster before the first resync so the first published
	// snapshot is complete rather than empty.
	go s.initRoster(ctx, gen)
}

func (s *Session) onClosed() {
	s.log.Info("connection closed")
	s.teardown(true)
}

func (s *Session) onClosedErr(err error) {
	s.log.Error("connection closed on error: %v", err)
	s.teardown(false)
}

// teardown resets every piece of session-scoped state. A graceful close
// ends in LoggedOut/RegistrationIdle, an errored one in
// LoginFailed/RegistrationFailed; both clear the roster mirror and the
// avatar cache, publish an empty snapshot and cancel supervised work.
// It runs at most once per Connect.
func (s *Session) teardown(graceful bool) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.authenticated = false
	s.registering = false
	s.generation++
	s.entries.Clear()
	s.presence.Clear()
	s.avatars.clear()
	s.mu.Unlock()

	s.connState.Set(Disconnected)
	if graceful {
		s.loginState.Set(LoggedOut)
		s.regState.Set(RegistrationIdle)
	} else {
		s.loginState.Set(LoginFailed)
		s.regState.Set(RegistrationFailed)
	}

	// The generation bump above stops any in-flight resync from
	// publishing; taking resyncMu here orders the empty snapshot after
	// one that already passed its staleness check, so the cleared
	// roster is always what subscribers end up with.
	s.resyncMu.Lock()
	s.rosterFeed.Set(nil)
	s.resyncMu.Unlock()
}

// current returns the live generation and context for tagging
// asynchronous work, and whether the session is authenticated at all.
func (s *Session) current() (uint64, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation, s.ctx, s.authenticated
}

// stale reports whether a generation tag no longer matches the live
// session.
func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.generation
}
