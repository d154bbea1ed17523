package wire

import (
	"net"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// AddressResolver maps network addresses to peer ids.
type AddressResolver interface {
	// ResolvePeerID returns the peer id for addr, assigning one if needed.
	ResolvePeerID(addr net.Addr) uint32
	// PeerAddr returns the address registered for peerID.
	PeerAddr(peerID uint32) (net.Addr, bool)
}

// AddressBook is the default AddressResolver. Unknown senders are assigned
// the next free peer id on first contact.
type AddressBook struct {
	mu     sync.RWMutex
	byID   map[uint32]net.Addr
	byAddr map[string]uint32
	nextID uint32
}

// NewAddressBook creates an empty address book.
func NewAddressBook() *AddressBook {
	return &AddressBook{
		byID:   make(map[uint32]net.Addr),
		byAddr: make(map[string]uint32),
	}
}

// Add registers addr and returns its peer id. Adding a known address
// returns the existing id.
func (b *AddressBook) Add(addr net.Addr) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := addr.String()
	if id, ok := b.byAddr[key]; ok {
		return id
	}

	id := b.nextID
	b.nextID++
	b.byID[id] = addr
	b.byAddr[key] = id

	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"peer_id":  id,
		"address":  key,
	}).Debug("Peer address registered")

	return id
}

// Remove forgets peerID.
func (b *AddressBook) Remove(peerID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if addr, ok := b.byID[peerID]; ok {
		delete(b.byAddr, addr.String())
		delete(b.byID, peerID)
	}
}

// ResolvePeerID implements AddressResolver.
func (b *AddressBook) ResolvePeerID(addr net.Addr) uint32 {
	b.mu.RLock()
	id, ok := b.byAddr[addr.String()]
	b.mu.RUnlock()
	if ok {
		return id
	}
	return b.Add(addr)
}

// PeerAddr implements AddressResolver.
func (b *AddressBook) PeerAddr(peerID uint32) (net.Addr, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	addr, ok := b.byID[peerID]
	return addr, ok
}

// Peers returns every registered peer id in ascending order.
func (b *AddressBook) Peers() []uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint32, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
