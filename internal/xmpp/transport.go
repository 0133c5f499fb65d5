package xmpp

import (
	"context"
	"errors"
	"fmt"

	"mellium.im/xmpp/jid"
)

// PresenceType mirrors the RFC 6121 presence type attribute. The empty
// string means available.
type PresenceType string

const (
	PresenceAvailable    PresenceType = ""
	PresenceUnavailable  PresenceType = "unavailable"
	PresenceSubscribe    PresenceType = "subscribe"
	PresenceSubscribed   PresenceType = "subscribed"
	PresenceUnsubscribe  PresenceType = "unsubscribe"
	PresenceUnsubscribed PresenceType = "unsubscribed"
	PresenceError        PresenceType = "error"
)

// Presence is a received presence stanza, reduced to the fields the
// session layer consumes.
type Presence struct {
	From     jid.JID
	To       jid.JID
	Type     PresenceType
	Show     string
	Status   string
	Priority int
}

// RosterEntry is one server-side roster item.
type RosterEntry struct {
	Address      jid.JID
	Name         string
	Subscription string
	Pending      bool
}

// Profile is a user's server-stored vCard, reduced to the fields this
// client reads and writes.
type Profile struct {
	Address    jid.JID
	FullName   string
	Email      string
	Avatar     []byte
	AvatarMIME string
}

// Events holds the callbacks a Transport fires as the connection moves
// through its lifecycle and as stanzas arrive. Unset callbacks are
// skipped. Callbacks for a single connection are never invoked
// concurrently with each other.
type Events struct {
	// Connected fires once the TCP connection is established.
	Connected func()
	// Authenticated fires once login (or a post-registration login) has
	// completed and the stream is ready for stanzas.
	Authenticated func()
	// Closed fires on a graceful stream close, local or remote.
	Closed func()
	// ClosedErr fires when the connection is torn down by a transport or
	// protocol failure.
	ClosedErr func(err error)
	// Presence fires for every inbound presence stanza.
	Presence func(p Presence)
	// RosterPush fires for every server-initiated roster change. An
	// entry with subscription "remove" signals deletion.
	RosterPush func(e RosterEntry)
}

// Transport is the single network connection to the server. The session
// layer is the only caller of Connect, Login, Register and Disconnect;
// the remaining methods send stanzas or run IQ round-trips on the
// established stream.
type Transport interface {
	Connect(ctx context.Context, host string, port int, domain string) error
	Login(ctx context.Context, username, password string) error
	SupportsRegistration(ctx context.Context) (bool, error)
	Register(ctx context.Context, username, password string, fields map[string]string) error
	Disconnect() error

	SendPresence(ctx context.Context, to jid.JID, typ PresenceType) error
	FetchRoster(ctx context.Context) ([]RosterEntry, error)
	CreateRosterEntry(ctx context.Context, address jid.JID, name string) error
	RemoveRosterEntry(ctx context.Context, address jid.JID) error
	FetchProfile(ctx context.Context, address jid.JID) (*Profile, error)
	SaveProfile(ctx context.Context, p *Profile) error

	LocalAddr() jid.JID
	SetEvents(ev Events)
}

// StanzaError is a server-returned error condition attached to a
// stanza, e.g. "conflict" or "service-unavailable".
type StanzaError struct {
	Condition string
	Text      string
}

func (e *StanzaError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stanza error: %s (%s)", e.Condition, e.Text)
	}
	return fmt.Sprintf("stanza error: %s", e.Condition)
}

// IsConflict reports whether err is a server conflict condition, e.g. a
// roster entry or account that already exists.
func IsConflict(err error) bool {
	var se *StanzaError
	return errors.As(err, &se) && se.Condition == "conflict"
}

// IsServiceUnavailable reports whether err is the condition servers
// return for unsupported queries, such as in-band registration on a
// server without it.
func IsServiceUnavailable(err error) bool {
	var se *StanzaError
	return errors.As(err, &se) && se.Condition == "service-unavailable"
}
