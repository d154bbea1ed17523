package file

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// HandleChunkRequest services the engine's request for length bytes at
// position of an outgoing transfer. Requests for untracked transfers are
// forwarded to the Sink unchanged. A zero-length request at the tracked
// offset completes the transfer; any failure ends it with OutcomeError.
func (tr *Tracker) HandleChunkRequest(peerID, transferID uint32, position uint64, length int) {
	tr.mu.Lock()
	t, ok := tr.registry.Lookup(TransferDirectionOutgoing, peerID, transferID)
	if !ok {
		tr.mu.Unlock()
		tr.metrics.passthrough.Inc(1)
		tr.sink.OnChunkRequested(peerID, transferID, position, length)
		return
	}

	ev, done := tr.serveChunk(t, position, length)
	tr.mu.Unlock()

	if done {
		tr.dispatch([]event{ev})
	}
}

// HandleChunk absorbs data delivered for position of an incoming transfer.
// Chunks for untracked transfers are forwarded to the Sink unchanged. An
// empty chunk at the tracked offset completes the transfer; any failure ends
// it with OutcomeError.
func (tr *Tracker) HandleChunk(peerID, transferID uint32, position uint64, data []byte) {
	tr.mu.Lock()
	t, ok := tr.registry.Lookup(TransferDirectionIncoming, peerID, transferID)
	if !ok {
		tr.mu.Unlock()
		tr.metrics.passthrough.Inc(1)
		tr.sink.OnChunkReceived(peerID, transferID, position, data)
		return
	}

	ev, done := tr.absorbChunk(t, position, data)
	tr.mu.Unlock()

	if done {
		tr.dispatch([]event{ev})
	}
}

// serveChunk reads the requested range and hands it to the engine. It
// returns the terminal event when the transfer ends. Must hold tr.mu.
func (tr *Tracker) serveChunk(t *Transfer, position uint64, length int) (event, bool) {
	if err := tr.checkChunk(t, position, length); err != nil {
		return tr.fail(t, "serveChunk", err), true
	}
	if length == 0 {
		return tr.finish(t, OutcomeCompleted, nil), true
	}

	if t.offset != position {
		if err := tr.reposition(t, position); err != nil {
			return tr.fail(t, "serveChunk", err), true
		}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(t.storage, data); err != nil {
		return tr.fail(t, "serveChunk", fmt.Errorf("read %d bytes at %d: %w", length, position, err)), true
	}

	if tr.engine == nil {
		return tr.fail(t, "serveChunk", fmt.Errorf("%w: no engine attached", ErrTransportRejected)), true
	}
	if err := tr.engine.SendChunk(t.PeerID, t.TransferID, position, data); err != nil {
		return tr.fail(t, "serveChunk", fmt.Errorf("%w: %w", ErrTransportRejected, err)), true
	}

	tr.advance(t, length)

	logrus.WithFields(logrus.Fields{
		"function":    "serveChunk",
		"peer_id":     t.PeerID,
		"transfer_id": t.TransferID,
		"position":    position,
		"length":      length,
	}).Debug("Chunk sent")

	return event{}, false
}

// absorbChunk writes data at position. It returns the terminal event when
// the transfer ends. Must hold tr.mu.
func (tr *Tracker) absorbChunk(t *Transfer, position uint64, data []byte) (event, bool) {
	if err := tr.checkChunk(t, position, len(data)); err != nil {
		return tr.fail(t, "absorbChunk", err), true
	}
	if len(data) == 0 {
		return tr.finish(t, OutcomeCompleted, nil), true
	}

	if t.offset != position {
		if err := tr.reposition(t, position); err != nil {
			return tr.fail(t, "absorbChunk", err), true
		}
	}

	if err := writeFull(t.storage, data); err != nil {
		return tr.fail(t, "absorbChunk", fmt.Errorf("write %d bytes at %d: %w", len(data), position, err)), true
	}

	tr.advance(t, len(data))

	logrus.WithFields(logrus.Fields{
		"function":    "absorbChunk",
		"peer_id":     t.PeerID,
		"transfer_id": t.TransferID,
		"position":    position,
		"length":      len(data),
	}).Debug("Chunk written")

	return event{}, false
}

// checkChunk validates a chunk event against the transfer's declared size
// and tracked offset.
func (tr *Tracker) checkChunk(t *Transfer, position uint64, length int) error {
	if length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrOutOfBounds, length)
	}
	if length > MaxChunkSize {
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, length, MaxChunkSize)
	}
	if !t.inBounds(position, length) {
		return fmt.Errorf("%w: position %d length %d size %d", ErrOutOfBounds, position, length, t.size)
	}
	if length == 0 && position != t.offset {
		return fmt.Errorf("%w: position %d offset %d", ErrMalformedTerminal, position, t.offset)
	}
	return nil
}

// advance records a successfully processed chunk.
func (tr *Tracker) advance(t *Transfer, n int) {
	t.offset += uint64(n)
	t.checkpoint = tr.clock.Now()
	t.started = true
	tr.metrics.chunk(t.Direction, n)
}

// fail logs err and ends t with OutcomeError. Must hold tr.mu.
func (tr *Tracker) fail(t *Transfer, function string, err error) event {
	logrus.WithFields(logrus.Fields{
		"function":    function,
		"peer_id":     t.PeerID,
		"transfer_id": t.TransferID,
		"direction":   t.Direction,
		"offset":      t.offset,
		"size":        t.size,
		"error":       err.Error(),
	}).Error("Chunk handling failed, dropping transfer")

	return tr.finish(t, OutcomeError, err)
}

// writeFull writes all of data, treating a short write without error as
// ErrShortWrite.
func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}
