package file

import (
	"time"

	"github.com/sirupsen/logrus"
)

// SweepTimeouts reclaims every transfer idle longer than its timeout at now:
// the engine is told to cancel it, its storage is released and it is
// reported as OutcomeTimeout. Each bucket is compacted once per sweep. The
// host calls this on a coarse cadence, not every iteration.
func (tr *Tracker) SweepTimeouts(now time.Time) int {
	tr.mu.Lock()
	expired := tr.registry.PurgeExpired(now)
	tr.updateActive()
	tr.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	events := make([]event, 0, len(expired))
	for _, t := range expired {
		logrus.WithFields(logrus.Fields{
			"function":    "SweepTimeouts",
			"peer_id":     t.PeerID,
			"transfer_id": t.TransferID,
			"direction":   t.Direction,
			"timeout":     t.timeout,
			"idle":        now.Sub(t.checkpoint),
			"offset":      t.offset,
			"size":        t.size,
		}).Warn("Transfer stalled: no chunk within timeout period")

		events = append(events, event{
			peerID:     t.PeerID,
			transferID: t.TransferID,
			direction:  t.Direction,
			outcome:    OutcomeTimeout,
			err:        ErrTransferTimedOut,
			cancel:     true,
		})
	}

	tr.dispatch(events)
	return len(expired)
}
