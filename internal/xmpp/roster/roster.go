package roster

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// Subscription is the directional presence relationship recorded on a
// roster item.
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// Item is a local mirror of one server roster entry.
type Item struct {
	Address      jid.JID
	Name         string
	Subscription Subscription
	// Pending is set while an outbound subscription request awaits the
	// contact's approval (the "ask" attribute).
	Pending bool
}

// Book is the local mirror of the server-side roster, keyed by bare
// address.
type Book struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewBook creates an empty roster book.
func NewBook() *Book {
	return &Book{
		items: make(map[string]*Item),
	}
}

// Set inserts or replaces an item.
func (b *Book) Set(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item.Address = item.Address.Bare()
	b.items[item.Address.String()] = &item
}

// Get returns the item for a bare address, nil when absent.
func (b *Book) Get(j jid.JID) *Item {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.items[j.Bare().String()]
}

// Remove deletes the item for a bare address.
func (b *Book) Remove(j jid.JID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, j.Bare().String())
}

// All returns a copy of every item.
func (b *Book) All() []Item {
	b.mu.RLock()
	defer b.mu.RUnlock()

	items := make([]Item, 0, len(b.items))
	for _, item := range b.items {
		items = append(items, *item)
	}
	return items
}

// Count returns the number of items.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Clear removes every item.
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]*Item)
}
