package file

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrChunkTooLarge indicates that a chunk exceeds the maximum allowed size.
var ErrChunkTooLarge = errors.New("chunk size exceeds maximum allowed")

// ErrFileNameTooLong indicates that a file name exceeds the maximum allowed length.
var ErrFileNameTooLong = errors.New("file name too long")

// ErrDuplicateTransfer indicates that a (peer, transfer) pair is already tracked.
var ErrDuplicateTransfer = errors.New("transfer already registered")

// ErrTransferNotFound indicates that no tracked transfer matches the request.
var ErrTransferNotFound = errors.New("transfer not found")

// ErrOutOfBounds indicates a chunk that reaches past the declared transfer size.
var ErrOutOfBounds = errors.New("chunk exceeds declared transfer size")

// ErrMalformedTerminal indicates a zero-length chunk away from the tracked offset.
var ErrMalformedTerminal = errors.New("terminal chunk does not match tracked offset")

// ErrShortWrite indicates that storage accepted fewer bytes than delivered.
var ErrShortWrite = errors.New("short write to transfer storage")

// ErrTransportRejected indicates that the protocol engine refused a chunk.
var ErrTransportRejected = errors.New("protocol engine rejected chunk")

// ErrPeerDisconnected is reported for transfers reclaimed by a peer purge.
var ErrPeerDisconnected = errors.New("peer disconnected")

// ErrTransferActive indicates a seek after data has started flowing.
var ErrTransferActive = errors.New("transfer already active")

// ErrAlreadySeeked indicates a second seek on the same transfer.
var ErrAlreadySeeked = errors.New("transfer start offset already set")

// ErrTransferTimedOut is reported with OutcomeTimeout.
var ErrTransferTimedOut = errors.New("transfer stalled: no chunk within timeout period")

// ErrTransferCancelled is reported with OutcomeCancelled.
var ErrTransferCancelled = errors.New("transfer cancelled")

// TransferDirection indicates whether a transfer is incoming or outgoing.
type TransferDirection uint8

const (
	// TransferDirectionIncoming represents a file being received.
	TransferDirectionIncoming TransferDirection = iota
	// TransferDirectionOutgoing represents a file being sent.
	TransferDirectionOutgoing
)

// String returns a human-readable representation of the direction.
func (d TransferDirection) String() string {
	switch d {
	case TransferDirectionIncoming:
		return "incoming"
	case TransferDirectionOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Kind identifies what a transfer carries.
type Kind uint32

const (
	// KindData is a regular file.
	KindData Kind = iota
	// KindAvatar is a profile picture; its file id is the content hash.
	KindAvatar
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAvatar:
		return "avatar"
	default:
		return "unknown"
	}
}

// FileIDLength is the size of a transfer's content identifier.
const FileIDLength = 32

// UnknownSize marks a streamed transfer whose total length is not declared.
const UnknownSize uint64 = math.MaxUint64

// MaxChunkSize is the maximum allowed chunk size to prevent resource exhaustion.
const MaxChunkSize = 65536

// MaxFileNameLength is the maximum allowed file name length in bytes.
const MaxFileNameLength = 255

// DefaultTimeout is applied to transfers registered without a timeout.
const DefaultTimeout = 30 * time.Second

// TransferSpec describes a transfer at registration time.
type TransferSpec struct {
	PeerID     uint32
	TransferID uint32
	Kind       Kind
	FileID     [FileIDLength]byte
	Size       uint64
	// Timeout is the idle period after which the reaper reclaims the
	// transfer. Zero selects the tracker's default.
	Timeout time.Duration
}

// Transfer is the bookkeeping record of one active transfer. It is owned by
// the bucket that holds it and exclusively owns its storage handle.
type Transfer struct {
	PeerID     uint32
	TransferID uint32
	Direction  TransferDirection
	Kind       Kind
	FileID     [FileIDLength]byte

	storage    Storage
	offset     uint64
	size       uint64
	checkpoint time.Time
	timeout    time.Duration
	started    bool
	seeked     bool
}

func newTransfer(spec TransferSpec, direction TransferDirection, storage Storage, now time.Time) *Transfer {
	return &Transfer{
		PeerID:     spec.PeerID,
		TransferID: spec.TransferID,
		Direction:  direction,
		Kind:       spec.Kind,
		FileID:     spec.FileID,
		storage:    storage,
		size:       spec.Size,
		checkpoint: now,
		timeout:    spec.Timeout,
	}
}

// Offset returns the next expected byte position.
func (t *Transfer) Offset() uint64 { return t.offset }

// Size returns the declared total size, or UnknownSize.
func (t *Transfer) Size() uint64 { return t.size }

// Checkpoint returns the time of the last successful chunk.
func (t *Transfer) Checkpoint() time.Time { return t.checkpoint }

// Timeout returns the idle period after which the transfer is reclaimed.
func (t *Transfer) Timeout() time.Duration { return t.timeout }

// Started reports whether any chunk has been processed.
func (t *Transfer) Started() bool { return t.started }

// expired reports whether the transfer has been idle longer than its timeout.
func (t *Transfer) expired(now time.Time) bool {
	return now.Sub(t.checkpoint) > t.timeout
}

// inBounds reports whether [position, position+length) fits the declared size.
func (t *Transfer) inBounds(position uint64, length int) bool {
	end := position + uint64(length)
	if end < position {
		return false
	}
	return end <= t.size
}

// release closes the storage handle. The handle is dropped before Close so a
// second call is a no-op.
func (t *Transfer) release() {
	storage := t.storage
	if storage == nil {
		return
	}
	t.storage = nil

	if err := storage.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "release",
			"peer_id":     t.PeerID,
			"transfer_id": t.TransferID,
			"direction":   t.Direction,
			"error":       err.Error(),
		}).Warn("Failed to close transfer storage")
	}
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)

	for _, part := range strings.Split(cleanedPath, string(filepath.Separator)) {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	return cleanedPath, nil
}
