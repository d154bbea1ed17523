package file

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrBucketFull indicates that a bucket cannot grow to hold another record.
var ErrBucketFull = errors.New("transfer bucket cannot grow")

// initialBucketCapacity is the capacity allocated on first insertion.
const initialBucketCapacity = 4

// MaxBucketCapacity bounds how far a bucket may grow.
const MaxBucketCapacity = 1 << 20

// Bucket is an insertion-ordered collection of transfers of one direction.
// Removed records leave a nil tombstone in place until Compact squeezes it
// out, so removal never shifts neighbours.
//
// Bucket performs no locking; callers serialise access.
type Bucket struct {
	slots    []*Transfer // len(slots) is the capacity
	index    int         // logical length, including tombstones
	maxSlots int
}

// NewBucket creates an empty bucket.
func NewBucket() *Bucket {
	return &Bucket{maxSlots: MaxBucketCapacity}
}

// Len returns the logical length, tombstones included.
func (b *Bucket) Len() int { return b.index }

// Cap returns the physical capacity.
func (b *Bucket) Cap() int { return len(b.slots) }

// Occupied returns the number of live records.
func (b *Bucket) Occupied() int {
	n := 0
	for i := 0; i < b.index; i++ {
		if b.slots[i] != nil {
			n++
		}
	}
	return n
}

// Add appends t at the next logical slot and returns its index. A full
// bucket holding tombstones is compacted instead of grown. When the bucket
// cannot grow it returns ErrBucketFull and does not retain t.
func (b *Bucket) Add(t *Transfer) (int, error) {
	if b.index == len(b.slots) && b.Occupied() < b.index {
		b.Compact()
	}
	if b.index == len(b.slots) {
		if err := b.grow(); err != nil {
			return -1, err
		}
	}

	i := b.index
	b.slots[i] = t
	b.index++
	return i, nil
}

// grow doubles the capacity, starting from initialBucketCapacity.
func (b *Bucket) grow() error {
	newCap := initialBucketCapacity
	if len(b.slots) > 0 {
		newCap = len(b.slots) * 2
	}
	if newCap > b.maxSlots {
		logrus.WithFields(logrus.Fields{
			"function":     "grow",
			"capacity":     len(b.slots),
			"max_capacity": b.maxSlots,
		}).Error("Transfer bucket reached maximum capacity")
		return ErrBucketFull
	}

	slots := make([]*Transfer, newCap)
	copy(slots, b.slots[:b.index])
	b.slots = slots
	return nil
}

// Find returns the index of the live record for (peerID, transferID). The
// index is valid until the next mutating call.
func (b *Bucket) Find(peerID, transferID uint32) (int, bool) {
	for i := 0; i < b.index; i++ {
		t := b.slots[i]
		if t != nil && t.PeerID == peerID && t.TransferID == transferID {
			return i, true
		}
	}
	return -1, false
}

// Get returns the record at index i, or nil for a tombstone.
func (b *Bucket) Get(i int) *Transfer {
	if i < 0 || i >= b.index {
		return nil
	}
	return b.slots[i]
}

// Remove releases the record's storage and tombstones its slot. It returns
// the removed record, or nil when the slot was already empty.
func (b *Bucket) Remove(i int) *Transfer {
	t := b.Get(i)
	if t == nil {
		return nil
	}

	t.release()
	b.slots[i] = nil
	return t
}

// Compact moves every live record left over the tombstones, preserving
// relative order, and truncates the logical length to the survivors.
func (b *Bucket) Compact() {
	w := 0
	for r := 0; r < b.index; r++ {
		if b.slots[r] == nil {
			continue
		}
		if w != r {
			b.slots[w] = b.slots[r]
		}
		w++
	}

	for i := w; i < b.index; i++ {
		b.slots[i] = nil
	}
	b.index = w
}

// PurgeFunc removes every record matching match and compacts once at the
// end, which also reclaims tombstones left by earlier removals. The removed
// records are returned in bucket order.
func (b *Bucket) PurgeFunc(match func(*Transfer) bool) []*Transfer {
	var removed []*Transfer
	for i := 0; i < b.index; i++ {
		t := b.slots[i]
		if t == nil || !match(t) {
			continue
		}
		removed = append(removed, b.Remove(i))
	}

	b.Compact()
	return removed
}

// Range calls fn for every live record in order until fn returns false.
func (b *Bucket) Range(fn func(i int, t *Transfer) bool) {
	for i := 0; i < b.index; i++ {
		if t := b.slots[i]; t != nil {
			if !fn(i, t) {
				return
			}
		}
	}
}
