package session

import (
	"context"
	"fmt"

	"mellium.im/xmpp/jid"

	"github.com/monroy/montext/internal/xmpp"
	"github.com/monroy/montext/internal/xmpp/presence"
	"github.com/monroy/montext/internal/xmpp/roster"
)

// initRoster force-loads the server roster into the local mirror and
// publishes the first snapshot of the session.
func (s *Session) initRoster(ctx context.Context, gen uint64) {
	entries, err := s.tr.FetchRoster(ctx)
	if err != nil {
		s.log.Error("roster load failed: %v", err)
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	for _, e := range entries {
		s.entries.Set(itemFromEntry(e))
	}
	s.mu.Unlock()

	s.log.Debug("roster loaded, %d entries", len(entries))
	s.resync(ctx, gen)
}

// onRosterPush applies one server-initiated roster change to the local
// mirror and resynchronizes.
func (s *Session) onRosterPush(e xmpp.RosterEntry) {
	gen, ctx, ok := s.current()
	if !ok {
		return
	}

	if e.Subscription == string(roster.SubscriptionRemove) {
		s.entries.Remove(e.Address)
	} else {
		s.entries.Set(itemFromEntry(e))
	}
	go s.resync(ctx, gen)
}

// resync rebuilds the published snapshot from scratch: every roster
// entry combined with live presence and a resolved avatar, sorted
// online-first then by case-insensitive display name. Resyncs are
// serialized; the snapshot is replaced atomically and never while the
// generation that started this pass is stale.
func (s *Session) resync(ctx context.Context, gen uint64) {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	if s.stale(gen) {
		return
	}
	items := s.entries.All()

	contacts := make([]Contact, 0, len(items))
	for _, item := range items {
		c := Contact{
			ID:          contactID(item.Address),
			DisplayName: displayName(item),
			Online:      s.presence.IsOnline(item.Address),
			Avatar:      s.avatars.resolve(ctx, item.Address),
		}
		if status := s.presence.Get(item.Address); status != nil {
			c.Mode = status.Mode
		}
		contacts = append(contacts, c)
	}
	sortContacts(contacts)

	if s.stale(gen) {
		return
	}
	s.rosterFeed.Set(contacts)
	s.log.Debug("roster snapshot published, %d contacts", len(contacts))
}

// AddContact adds an address to the roster. When the contact already
// exists with full mutual subscription this is a no-op; with a partial
// subscription the subscribe request is re-sent to push the
// relationship toward "both". Requires authentication.
func (s *Session) AddContact(address, nickname string) error {
	gen, ctx, ok := s.current()
	if !ok {
		s.log.Error("cannot add contact: not authenticated")
		return ErrNotAuthenticated
	}

	addr, err := jid.Parse(address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	addr = addr.Bare()

	if item := s.entries.Get(addr); item != nil {
		if item.Subscription == roster.SubscriptionBoth {
			s.log.Debug("contact %s already mutually subscribed", addr)
			return nil
		}
		go func() {
			if err := s.tr.SendPresence(ctx, addr, xmpp.PresenceSubscribe); err != nil {
				s.log.Error("failed to re-send subscribe to %s: %v", addr, err)
			}
			s.resync(ctx, gen)
		}()
		return nil
	}

	go func() {
		if err := s.tr.CreateRosterEntry(ctx, addr, nickname); err != nil {
			s.log.Error("failed to add contact %s: %v", addr, err)
			return
		}
		// The authoritative entry arrives as a roster push; mirror it
		// eagerly so the contact shows up as pending right away.
		if s.stale(gen) {
			return
		}
		s.entries.Set(roster.Item{
			Address:      addr,
			Name:         nickname,
			Subscription: roster.SubscriptionNone,
			Pending:      true,
		})
		s.resync(ctx, gen)
	}()
	return nil
}

// RemoveContact requests server-side removal of a contact. A missing
// entry is reported via ErrContactNotFound but is not an error
// condition for the session. Requires authentication.
func (s *Session) RemoveContact(id ContactID) error {
	_, ctx, ok := s.current()
	if !ok {
		s.log.Error("cannot remove contact: not authenticated")
		return ErrNotAuthenticated
	}

	addr, err := jid.Parse(string(id))
	if err != nil {
		return fmt.Errorf("invalid contact id %q: %w", id, err)
	}
	addr = addr.Bare()

	if s.entries.Get(addr) == nil {
		s.log.Warn("contact %s not found in roster", addr)
		return ErrContactNotFound
	}

	go func() {
		if err := s.tr.RemoveRosterEntry(ctx, addr); err != nil {
			s.log.Error("failed to remove contact %s: %v", addr, err)
		}
		// Local mirror update and resync follow from the roster push.
	}()
	return nil
}

// onPresence dispatches inbound presence: availability changes feed the
// presence book and trigger a resync, subscription stanzas go to the
// negotiator.
func (s *Session) onPresence(p xmpp.Presence) {
	gen, ctx, ok := s.current()
	if !ok {
		return
	}

	switch p.Type {
	case xmpp.PresenceAvailable:
		s.presence.Set(presence.Status{
			JID:      p.From,
			Mode:     presence.Mode(p.Show),
			Text:     p.Status,
			Priority: p.Priority,
		})
		go s.resync(ctx, gen)
	case xmpp.PresenceUnavailable:
		s.presence.Remove(p.From)
		go s.resync(ctx, gen)
	case xmpp.PresenceSubscribe:
		go s.negotiateSubscription(ctx, gen, p)
	case xmpp.PresenceUnsubscribed:
		// The authoritative removal arrives via a roster push; just
		// resynchronize.
		s.log.Debug("unsubscribed by %s", p.From.Bare())
		go s.resync(ctx, gen)
	case xmpp.PresenceError:
		s.log.Error("presence error from %s", p.From)
	default:
		// subscribed/unsubscribe acknowledgements carry no local state;
		// the roster push does.
	}
}

func itemFromEntry(e xmpp.RosterEntry) roster.Item {
	sub := roster.Subscription(e.Subscription)
	if sub == "" {
		sub = roster.SubscriptionNone
	}
	return roster.Item{
		Address:      e.Address,
		Name:         e.Name,
		Subscription: sub,
		Pending:      e.Pending,
	}
}
