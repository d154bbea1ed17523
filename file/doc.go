// Package file tracks the file transfers in flight between this process and
// its peers and performs the storage I/O for every chunk event.
//
// # Overview
//
// The package sits between a protocol engine, which moves chunks over the
// network, and local storage:
//
//   - Transfer: the bookkeeping record of one transfer (storage handle,
//     offset, declared size, checkpoint, timeout)
//   - Bucket: a dense slot array of transfers with tombstones and
//     order-preserving compaction
//   - Registry: one bucket of outgoing and one of incoming transfers
//   - Tracker: the entry point the host and the engine call
//
// # Registering Transfers
//
//	tracker := file.NewTracker(engine, sink, file.TrackerConfig{})
//
//	storage, size, err := file.OpenForSend("photo.jpg")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = tracker.RegisterOutgoing(file.TransferSpec{
//	    PeerID:     peerID,
//	    TransferID: transferID,
//	    Size:       size,
//	}, storage)
//
// On success the tracker owns the storage handle and closes it when the
// transfer ends. On error the caller keeps it.
//
// # Chunk Events
//
// The engine calls HandleChunkRequest for outgoing transfers and HandleChunk
// for incoming ones. A chunk at the tracked offset is read or written
// without a seek; any other position seeks first. A zero-length chunk at the
// tracked offset completes the transfer. Completion is never inferred from
// the byte count, so streamed transfers of UnknownSize work the same way.
//
// Events for transfers the tracker does not know are forwarded to the Sink
// unchanged, so the host can serve them itself.
//
// # Outcomes
//
// Every tracked transfer ends with exactly one Sink.OnTransferOutcome call:
//
//   - OutcomeCompleted: terminal zero-length chunk observed
//   - OutcomeTimeout: reclaimed by SweepTimeouts
//   - OutcomeError: bounds, I/O or engine failure, or peer disconnect
//   - OutcomeCancelled: cancel control received
//
// Errors and timeouts also tell the engine to cancel the transfer. Shutdown
// releases every transfer without notifications.
//
// # Timeouts
//
// SweepTimeouts(now) reclaims every transfer idle for longer than its
// timeout. The host drives it on a coarse cadence; the Tracker stamps
// checkpoints from the clock.Clock in TrackerConfig so tests can use
// clock.NewMock.
//
// # Thread Safety
//
// Tracker methods are safe for concurrent use and are serialised by one
// mutex. Sink callbacks and engine cancels run after the mutex is released,
// so a Sink may call back into the Tracker. Engine methods must not.
//
// # Metrics
//
// Counters and gauges are reported to the tally.Scope in TrackerConfig under
// the "file_transfer" sub-scope.
package file
