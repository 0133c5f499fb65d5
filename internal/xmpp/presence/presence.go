package presence

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// Mode is the presence <show/> value. The empty string means plain
// online.
type Mode string

const (
	ModeOnline Mode = ""
	ModeAway   Mode = "away"
	ModeChat   Mode = "chat"
	ModeDND    Mode = "dnd"
	ModeXA     Mode = "xa"
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	if m == ModeOnline {
		return "online"
	}
	return string(m)
}

// Status is one resource's live presence.
type Status struct {
	JID      jid.JID
	Mode     Mode
	Text     string
	Priority int
}

// Book tracks live presence per contact. A contact may be online from
// several resources at once; queries resolve to the highest-priority
// one.
type Book struct {
	mu       sync.RWMutex
	statuses map[string]map[string]*Status // bare JID -> resource -> status
}

// NewBook creates an empty presence book.
func NewBook() *Book {
	return &Book{
		statuses: make(map[string]map[string]*Status),
	}
}

// Set records the presence of one resource.
func (b *Book) Set(status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bare := status.JID.Bare().String()
	resource := status.JID.Resourcepart()

	if b.statuses[bare] == nil {
		b.statuses[bare] = make(map[string]*Status)
	}
	b.statuses[bare][resource] = &status
}

// Remove drops presence for a JID: one resource if the JID carries one,
// otherwise the whole contact.
func (b *Book) Remove(j jid.JID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bare := j.Bare().String()
	resource := j.Resourcepart()

	if resource == "" {
		delete(b.statuses, bare)
	} else if b.statuses[bare] != nil {
		delete(b.statuses[bare], resource)
		if len(b.statuses[bare]) == 0 {
			delete(b.statuses, bare)
		}
	}
}

// Get returns the highest-priority presence for a contact, nil when
// every resource is offline.
func (b *Book) Get(j jid.JID) *Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	resources := b.statuses[j.Bare().String()]
	if resources == nil {
		return nil
	}

	var best *Status
	for _, status := range resources {
		if best == nil || status.Priority > best.Priority {
			best = status
		}
	}
	return best
}

// IsOnline reports whether any resource of the contact is online.
func (b *Book) IsOnline(j jid.JID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.statuses[j.Bare().String()]) > 0
}

// Clear drops all tracked presence.
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = make(map[string]map[string]*Status)
}
