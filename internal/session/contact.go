package session

import (
	"image"
	"sort"
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/monroy/montext/internal/xmpp/presence"
	"github.com/monroy/montext/internal/xmpp/roster"
)

// ContactID is the canonicalized bare address of a contact
// (localpart@domain). Two contacts are the same contact exactly when
// their IDs are equal.
type ContactID string

// Contact is one entry of a published roster snapshot. Values are
// immutable: every resynchronization builds fresh ones, so observers
// may hold them without synchronization.
type Contact struct {
	ID          ContactID
	DisplayName string
	// Mode is the presence <show/> value; only meaningful while Online.
	Mode   presence.Mode
	Online bool
	Avatar image.Image
}

// sortContacts orders a snapshot online-first, then case-insensitively
// by display name.
func sortContacts(cs []Contact) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Online != cs[j].Online {
			return cs[i].Online
		}
		return strings.ToLower(cs[i].DisplayName) < strings.ToLower(cs[j].DisplayName)
	})
}

// displayName resolves a roster item's visible name: the explicit
// nickname when set, otherwise the localpart of the address.
func displayName(item roster.Item) string {
	if item.Name != "" {
		return item.Name
	}
	return item.Address.Localpart()
}

func contactID(addr jid.JID) ContactID {
	return ContactID(addr.Bare().String())
}
