package session

import (
	"context"

	"github.com/monroy/montext/internal/xmpp"
	"github.com/monroy/montext/internal/xmpp/roster"
)

// negotiateSubscription handles one inbound subscription request. The
// policy is auto-accept-all: every request gets an immediate
// "subscribed" reply, then the roster is driven toward a mutual
// ("both") relationship — creating the entry if the contact is new,
// re-sending our own subscribe if the relationship is still partial.
// Failures on this path are logged and swallowed; an inbound stanza
// must never take the session down.
func (s *Session) negotiateSubscription(ctx context.Context, gen uint64, p xmpp.Presence) {
	from := p.From.Bare()
	s.log.Info("subscription request from %s", from)

	if err := s.tr.SendPresence(ctx, from, xmpp.PresenceSubscribed); err != nil {
		s.log.Error("failed to accept subscription from %s: %v", from, err)
		return
	}

	if item := s.entries.Get(from); item == nil {
		// New contact: create the entry with the localpart as default
		// name. Creation also sends our subscribe, so the relationship
		// converges to "both" once the contact's server processes it.
		if err := s.tr.CreateRosterEntry(ctx, from, from.Localpart()); err != nil {
			if xmpp.IsConflict(err) {
				s.log.Warn("roster entry for %s already exists", from)
			} else {
				s.log.Error("failed to create roster entry for %s: %v", from, err)
			}
		}
	} else if item.Subscription != roster.SubscriptionBoth {
		if err := s.tr.SendPresence(ctx, from, xmpp.PresenceSubscribe); err != nil {
			s.log.Error("failed to re-send subscribe to %s: %v", from, err)
		}
	}

	s.resync(ctx, gen)
}
