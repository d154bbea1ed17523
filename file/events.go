package file

// Outcome is the terminal classification of a transfer.
type Outcome uint8

const (
	// OutcomeCompleted means the terminal zero-length chunk was observed.
	OutcomeCompleted Outcome = iota
	// OutcomeTimeout means the reaper reclaimed an idle transfer.
	OutcomeTimeout
	// OutcomeError means an I/O, bounds or transport failure ended the transfer.
	OutcomeError
	// OutcomeCancelled means the peer cancelled the transfer.
	OutcomeCancelled
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeError:
		return "error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Control is a transfer control command exchanged with a peer.
type Control uint8

const (
	ControlResume Control = iota
	ControlPause
	ControlCancel
)

// String returns a human-readable representation of the control.
func (c Control) String() string {
	switch c {
	case ControlResume:
		return "resume"
	case ControlPause:
		return "pause"
	case ControlCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Engine is the part of the protocol engine the tracker drives. Its methods
// must not call back into the Tracker synchronously.
type Engine interface {
	// SendChunk hands data for position to the peer.
	SendChunk(peerID, transferID uint32, position uint64, data []byte) error

	// CancelTransfer tells the peer the transfer is abandoned.
	CancelTransfer(peerID, transferID uint32, direction TransferDirection) error
}

// Sink receives transfer outcomes and chunk events for untracked transfers.
type Sink interface {
	// OnTransferOutcome is called exactly once per tracked transfer.
	OnTransferOutcome(peerID, transferID uint32, direction TransferDirection, outcome Outcome, err error)

	// OnChunkRequested forwards a chunk request for an untracked transfer.
	OnChunkRequested(peerID, transferID uint32, position uint64, length int)

	// OnChunkReceived forwards chunk data for an untracked transfer.
	OnChunkReceived(peerID, transferID uint32, position uint64, data []byte)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are ignored.
type SinkFuncs struct {
	Outcome        func(peerID, transferID uint32, direction TransferDirection, outcome Outcome, err error)
	ChunkRequested func(peerID, transferID uint32, position uint64, length int)
	ChunkReceived  func(peerID, transferID uint32, position uint64, data []byte)
}

// OnTransferOutcome implements Sink.
func (s SinkFuncs) OnTransferOutcome(peerID, transferID uint32, direction TransferDirection, outcome Outcome, err error) {
	if s.Outcome != nil {
		s.Outcome(peerID, transferID, direction, outcome, err)
	}
}

// OnChunkRequested implements Sink.
func (s SinkFuncs) OnChunkRequested(peerID, transferID uint32, position uint64, length int) {
	if s.ChunkRequested != nil {
		s.ChunkRequested(peerID, transferID, position, length)
	}
}

// OnChunkReceived implements Sink.
func (s SinkFuncs) OnChunkReceived(peerID, transferID uint32, position uint64, data []byte) {
	if s.ChunkReceived != nil {
		s.ChunkReceived(peerID, transferID, position, data)
	}
}

// NopSink discards every event.
type NopSink struct{}

// OnTransferOutcome implements Sink.
func (NopSink) OnTransferOutcome(uint32, uint32, TransferDirection, Outcome, error) {}

// OnChunkRequested implements Sink.
func (NopSink) OnChunkRequested(uint32, uint32, uint64, int) {}

// OnChunkReceived implements Sink.
func (NopSink) OnChunkReceived(uint32, uint32, uint64, []byte) {}
