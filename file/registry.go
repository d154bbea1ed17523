package file

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry owns the outgoing and incoming buckets. A record never moves
// between them. Registry performs no locking; Tracker serialises access.
type Registry struct {
	outgoing *Bucket
	incoming *Bucket
}

// NewRegistry creates a registry with two empty buckets.
func NewRegistry() *Registry {
	return &Registry{
		outgoing: NewBucket(),
		incoming: NewBucket(),
	}
}

func (r *Registry) bucket(direction TransferDirection) *Bucket {
	if direction == TransferDirectionOutgoing {
		return r.outgoing
	}
	return r.incoming
}

// RegisterOutgoing adds t to the outgoing bucket.
func (r *Registry) RegisterOutgoing(t *Transfer) error {
	return r.register(r.outgoing, t)
}

// RegisterIncoming adds t to the incoming bucket.
func (r *Registry) RegisterIncoming(t *Transfer) error {
	return r.register(r.incoming, t)
}

// register rejects duplicates before touching the bucket. On error the
// bucket does not retain t and the caller still owns its storage.
func (r *Registry) register(b *Bucket, t *Transfer) error {
	if _, exists := b.Find(t.PeerID, t.TransferID); exists {
		return fmt.Errorf("%w: peer %d transfer %d (%s)", ErrDuplicateTransfer, t.PeerID, t.TransferID, t.Direction)
	}

	if _, err := b.Add(t); err != nil {
		return fmt.Errorf("register peer %d transfer %d: %w", t.PeerID, t.TransferID, err)
	}
	return nil
}

// Lookup returns the live record for (peerID, transferID) in direction.
func (r *Registry) Lookup(direction TransferDirection, peerID, transferID uint32) (*Transfer, bool) {
	b := r.bucket(direction)
	i, ok := b.Find(peerID, transferID)
	if !ok {
		return nil, false
	}
	return b.Get(i), true
}

// Remove releases and tombstones the record for (peerID, transferID). It
// returns the removed record, or nil when none was tracked.
func (r *Registry) Remove(direction TransferDirection, peerID, transferID uint32) *Transfer {
	b := r.bucket(direction)
	i, ok := b.Find(peerID, transferID)
	if !ok {
		return nil
	}
	return b.Remove(i)
}

// PurgePeer removes every record of peerID from both buckets.
func (r *Registry) PurgePeer(peerID uint32) []*Transfer {
	match := func(t *Transfer) bool { return t.PeerID == peerID }

	removed := r.outgoing.PurgeFunc(match)
	removed = append(removed, r.incoming.PurgeFunc(match)...)

	logrus.WithFields(logrus.Fields{
		"function": "PurgePeer",
		"peer_id":  peerID,
		"removed":  len(removed),
	}).Debug("Purged peer transfers")

	return removed
}

// PurgeExpired removes every record idle longer than its timeout at now.
// Each bucket is compacted once.
func (r *Registry) PurgeExpired(now time.Time) []*Transfer {
	match := func(t *Transfer) bool { return t.expired(now) }

	removed := r.outgoing.PurgeFunc(match)
	return append(removed, r.incoming.PurgeFunc(match)...)
}

// ClearAll releases every record unconditionally and empties both buckets.
func (r *Registry) ClearAll() int {
	all := func(*Transfer) bool { return true }
	return len(r.outgoing.PurgeFunc(all)) + len(r.incoming.PurgeFunc(all))
}

// Count returns the number of live records in direction.
func (r *Registry) Count(direction TransferDirection) int {
	return r.bucket(direction).Occupied()
}

// CountPeer returns the number of live records of peerID in direction.
func (r *Registry) CountPeer(direction TransferDirection, peerID uint32) int {
	n := 0
	r.bucket(direction).Range(func(_ int, t *Transfer) bool {
		if t.PeerID == peerID {
			n++
		}
		return true
	})
	return n
}
