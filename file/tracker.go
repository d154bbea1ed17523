package file

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

// TrackerConfig configures a Tracker. Zero values select defaults.
type TrackerConfig struct {
	// DefaultTimeout applies to transfers registered without a timeout.
	DefaultTimeout time.Duration
	// Clock stamps checkpoints. Defaults to the wall clock.
	Clock clock.Clock
	// Scope receives transfer metrics. Defaults to tally.NoopScope.
	Scope tally.Scope
}

// TransferInfo is a point-in-time copy of a tracked transfer.
type TransferInfo struct {
	PeerID     uint32
	TransferID uint32
	Direction  TransferDirection
	Kind       Kind
	FileID     [FileIDLength]byte
	Offset     uint64
	Size       uint64
	Checkpoint time.Time
	Timeout    time.Duration
	Started    bool
}

// Tracker owns the transfer registry and performs chunk I/O on behalf of the
// protocol engine. Every entry point is serialised through one mutex; outcome
// notifications and cancel commands are dispatched after it is released, so a
// Sink may call back into the Tracker.
type Tracker struct {
	engine         Engine
	sink           Sink
	clock          clock.Clock
	defaultTimeout time.Duration
	metrics        *trackerMetrics

	mu       sync.Mutex
	registry *Registry
}

// event is a terminal notification queued while the lock is held.
type event struct {
	peerID     uint32
	transferID uint32
	direction  TransferDirection
	outcome    Outcome
	err        error
	cancel     bool
}

// NewTracker creates a tracker that sends chunks through engine and reports
// to sink. A nil sink discards events.
func NewTracker(engine Engine, sink Sink, config TrackerConfig) *Tracker {
	if sink == nil {
		sink = NopSink{}
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}

	logrus.WithFields(logrus.Fields{
		"function":        "NewTracker",
		"default_timeout": config.DefaultTimeout,
	}).Info("Creating file transfer tracker")

	return &Tracker{
		engine:         engine,
		sink:           sink,
		clock:          config.Clock,
		defaultTimeout: config.DefaultTimeout,
		metrics:        newTrackerMetrics(config.Scope),
		registry:       NewRegistry(),
	}
}

// RegisterOutgoing starts tracking a transfer this process sends. On error
// nothing is tracked and the caller keeps ownership of storage.
func (tr *Tracker) RegisterOutgoing(spec TransferSpec, storage Storage) error {
	return tr.register(TransferDirectionOutgoing, spec, storage)
}

// RegisterIncoming starts tracking a transfer this process receives. On
// error nothing is tracked and the caller keeps ownership of storage.
func (tr *Tracker) RegisterIncoming(spec TransferSpec, storage Storage) error {
	return tr.register(TransferDirectionIncoming, spec, storage)
}

func (tr *Tracker) register(direction TransferDirection, spec TransferSpec, storage Storage) error {
	if storage == nil {
		return errors.New("transfer storage is nil")
	}
	if spec.Timeout <= 0 {
		spec.Timeout = tr.defaultTimeout
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	t := newTransfer(spec, direction, storage, tr.clock.Now())

	var err error
	if direction == TransferDirectionOutgoing {
		err = tr.registry.RegisterOutgoing(t)
	} else {
		err = tr.registry.RegisterIncoming(t)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "register",
			"peer_id":     spec.PeerID,
			"transfer_id": spec.TransferID,
			"direction":   direction,
			"error":       err.Error(),
		}).Error("Failed to register transfer")
		return err
	}

	tr.updateActive()

	logrus.WithFields(logrus.Fields{
		"function":    "register",
		"peer_id":     spec.PeerID,
		"transfer_id": spec.TransferID,
		"direction":   direction,
		"kind":        spec.Kind,
		"size":        spec.Size,
		"timeout":     spec.Timeout,
	}).Info("Transfer registered")

	return nil
}

// Transfer returns a snapshot of the tracked transfer, if any.
func (tr *Tracker) Transfer(direction TransferDirection, peerID, transferID uint32) (TransferInfo, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.registry.Lookup(direction, peerID, transferID)
	if !ok {
		return TransferInfo{}, false
	}
	return TransferInfo{
		PeerID:     t.PeerID,
		TransferID: t.TransferID,
		Direction:  t.Direction,
		Kind:       t.Kind,
		FileID:     t.FileID,
		Offset:     t.offset,
		Size:       t.size,
		Checkpoint: t.checkpoint,
		Timeout:    t.timeout,
		Started:    t.started,
	}, true
}

// Count returns the number of tracked transfers in direction.
func (tr *Tracker) Count(direction TransferDirection) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.registry.Count(direction)
}

// CountPeer returns the number of tracked transfers of peerID in direction.
func (tr *Tracker) CountPeer(direction TransferDirection, peerID uint32) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.registry.CountPeer(direction, peerID)
}

// Seek moves the start offset of an incoming transfer before any chunk has
// arrived. A transfer may be seeked once; a second call fails with
// ErrAlreadySeeked and a call after data has flowed with ErrTransferActive.
func (tr *Tracker) Seek(peerID, transferID uint32, position uint64) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.registry.Lookup(TransferDirectionIncoming, peerID, transferID)
	if !ok {
		return fmt.Errorf("%w: peer %d transfer %d", ErrTransferNotFound, peerID, transferID)
	}
	if t.started {
		return ErrTransferActive
	}
	if t.seeked {
		return fmt.Errorf("%w: peer %d transfer %d", ErrAlreadySeeked, peerID, transferID)
	}
	if position > t.size {
		return fmt.Errorf("%w: seek to %d, size %d", ErrOutOfBounds, position, t.size)
	}

	if err := tr.reposition(t, position); err != nil {
		return err
	}
	t.seeked = true

	logrus.WithFields(logrus.Fields{
		"function":    "Seek",
		"peer_id":     peerID,
		"transfer_id": transferID,
		"position":    position,
	}).Info("Incoming transfer start offset moved")

	return nil
}

// HandleControl applies a control command received from the peer to the
// local transfer in direction. A cancel ends the transfer as
// OutcomeCancelled; a resume refreshes its checkpoint.
func (tr *Tracker) HandleControl(peerID, transferID uint32, direction TransferDirection, control Control) error {
	tr.mu.Lock()

	t, ok := tr.registry.Lookup(direction, peerID, transferID)
	if !ok {
		tr.mu.Unlock()
		return fmt.Errorf("%w: peer %d transfer %d", ErrTransferNotFound, peerID, transferID)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "HandleControl",
		"peer_id":     peerID,
		"transfer_id": transferID,
		"direction":   direction,
		"control":     control,
	}).Debug("Control received for tracked transfer")

	var events []event
	switch control {
	case ControlCancel:
		tr.registry.Remove(direction, peerID, transferID)
		tr.updateActive()
		events = append(events, event{
			peerID:     peerID,
			transferID: transferID,
			direction:  direction,
			outcome:    OutcomeCancelled,
			err:        ErrTransferCancelled,
		})
	case ControlResume:
		t.checkpoint = tr.clock.Now()
	case ControlPause:
	default:
		tr.mu.Unlock()
		return fmt.Errorf("unknown control: %d", control)
	}
	tr.mu.Unlock()

	tr.dispatch(events)
	return nil
}

// PurgePeer reclaims every transfer of a disconnected peer. Each one is
// reported as OutcomeError wrapping ErrPeerDisconnected; no cancel is sent
// since the engine has already dropped the peer.
func (tr *Tracker) PurgePeer(peerID uint32) int {
	tr.mu.Lock()
	removed := tr.registry.PurgePeer(peerID)
	tr.updateActive()
	tr.mu.Unlock()

	events := make([]event, 0, len(removed))
	for _, t := range removed {
		events = append(events, event{
			peerID:     t.PeerID,
			transferID: t.TransferID,
			direction:  t.Direction,
			outcome:    OutcomeError,
			err:        ErrPeerDisconnected,
		})
	}

	if len(removed) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PurgePeer",
			"peer_id":  peerID,
			"removed":  len(removed),
		}).Info("Reclaimed transfers of disconnected peer")
	}

	tr.dispatch(events)
	return len(removed)
}

// Shutdown releases every open storage handle without notifying anyone.
func (tr *Tracker) Shutdown() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	n := tr.registry.ClearAll()
	tr.updateActive()

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
		"released": n,
	}).Info("File transfer tracker shut down")

	return n
}

// reposition seeks t's storage to position and records the result.
func (tr *Tracker) reposition(t *Transfer, position uint64) error {
	if position > math.MaxInt64 {
		return fmt.Errorf("%w: seek position %d", ErrOutOfBounds, position)
	}

	off, err := t.storage.Seek(int64(position), io.SeekStart)
	tr.metrics.seeks.Inc(1)
	if err != nil {
		return fmt.Errorf("seek to %d: %w", position, err)
	}

	t.offset = uint64(off)
	return nil
}

// finish removes t and builds its terminal event. Must hold tr.mu.
func (tr *Tracker) finish(t *Transfer, outcome Outcome, err error) event {
	tr.registry.Remove(t.Direction, t.PeerID, t.TransferID)
	tr.updateActive()

	return event{
		peerID:     t.PeerID,
		transferID: t.TransferID,
		direction:  t.Direction,
		outcome:    outcome,
		err:        err,
		cancel:     outcome == OutcomeError || outcome == OutcomeTimeout,
	}
}

// updateActive refreshes the active transfer gauge. Must hold tr.mu.
func (tr *Tracker) updateActive() {
	n := tr.registry.Count(TransferDirectionOutgoing) + tr.registry.Count(TransferDirectionIncoming)
	tr.metrics.active.Update(float64(n))
}

// dispatch issues queued cancel commands and outcome notifications. Must
// not hold tr.mu.
func (tr *Tracker) dispatch(events []event) {
	for _, ev := range events {
		if ev.cancel && tr.engine != nil {
			if err := tr.engine.CancelTransfer(ev.peerID, ev.transferID, ev.direction); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "dispatch",
					"peer_id":     ev.peerID,
					"transfer_id": ev.transferID,
					"direction":   ev.direction,
					"error":       err.Error(),
				}).Warn("Failed to send cancel to protocol engine")
			}
		}

		tr.metrics.outcome(ev.direction, ev.outcome)

		fields := logrus.Fields{
			"function":    "dispatch",
			"peer_id":     ev.peerID,
			"transfer_id": ev.transferID,
			"direction":   ev.direction,
			"outcome":     ev.outcome,
		}
		if ev.err != nil {
			fields["error"] = ev.err.Error()
		}
		if ev.outcome == OutcomeCompleted {
			logrus.WithFields(fields).Info("Transfer finished")
		} else {
			logrus.WithFields(fields).Warn("Transfer finished")
		}

		tr.sink.OnTransferOutcome(ev.peerID, ev.transferID, ev.direction, ev.outcome, ev.err)
	}
}
