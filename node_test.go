package toxtransfer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/opd-ai/toxtransfer/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

const (
	senderAddress   = "10.0.0.1:1"
	receiverAddress = "10.0.0.2:1"
	nodeTimeout     = 10 * time.Second
)

type outcomeRecord struct {
	peerID     uint32
	transferID uint32
	direction  file.TransferDirection
	outcome    file.Outcome
	err        error
}

type offerRecord struct {
	peerID     uint32
	transferID uint32
	kind       file.Kind
	size       uint64
	name       string
}

// nodePair is two nodes on one in-memory network. Callbacks run on the
// test goroutine, inside Flush or Iterate.
type nodePair struct {
	network  *memNetwork
	clock    *clock.Mock
	sender   *Node
	receiver *Node

	// toReceiver is the receiver's peer id on the sender; the receiver
	// assigns the sender id 0 on first contact.
	toReceiver uint32

	senderOutcomes   []outcomeRecord
	receiverOutcomes []outcomeRecord
	offers           []offerRecord
}

func newNodePair(t *testing.T, mutateReceiver func(*Options)) *nodePair {
	t.Helper()

	p := &nodePair{
		network: newMemNetwork(),
		clock:   clock.NewMock(),
	}

	p.sender = newTestNode(t, p.network.endpoint(senderAddress), p.clock, nil)
	p.receiver = newTestNode(t, p.network.endpoint(receiverAddress), p.clock, mutateReceiver)

	p.sender.OnTransferOutcome(func(peerID, transferID uint32, direction file.TransferDirection, outcome file.Outcome, err error) {
		p.senderOutcomes = append(p.senderOutcomes, outcomeRecord{peerID, transferID, direction, outcome, err})
	})
	p.receiver.OnTransferOutcome(func(peerID, transferID uint32, direction file.TransferDirection, outcome file.Outcome, err error) {
		p.receiverOutcomes = append(p.receiverOutcomes, outcomeRecord{peerID, transferID, direction, outcome, err})
	})
	p.receiver.OnFileRecv(func(peerID, transferID uint32, kind file.Kind, size uint64, filename string) {
		p.offers = append(p.offers, offerRecord{peerID, transferID, kind, size, filename})
	})

	id, err := p.sender.AddPeerAddress(receiverAddress)
	require.NoError(t, err)
	p.toReceiver = id

	return p
}

func newTestNode(t *testing.T, transport *memTransport, clk clock.Clock, mutate func(*Options)) *Node {
	t.Helper()

	options := NewOptions()
	options.UDPEnabled = false
	options.Transport = transport
	options.ChunkSize = 16
	options.Window = 4
	options.SweepEvery = 1
	options.TransferTimeout = nodeTimeout
	options.Clock = clk
	if mutate != nil {
		mutate(options)
	}

	node, err := New(options)
	require.NoError(t, err)
	t.Cleanup(node.Kill)
	return node
}

// settle runs both event loops until the network has been idle for a few
// rounds.
func (p *nodePair) settle() {
	idle := 0
	for round := 0; round < 100 && idle < 3; round++ {
		p.sender.Iterate()
		p.receiver.Iterate()
		if p.network.Flush() == 0 {
			idle++
		} else {
			idle = 0
		}
	}
}

// offer sends path and delivers the announcement to the receiver.
func (p *nodePair) offer(t *testing.T, path string) uint32 {
	t.Helper()

	transferID, err := p.sender.SendFile(p.toReceiver, path)
	require.NoError(t, err)
	p.network.Flush()
	require.NotEmpty(t, p.offers, "receiver saw no offer")
	return transferID
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func nodePayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestNodeSendAndAccept(t *testing.T) {
	for _, size := range []int{0, 1, 16, 100, 1000} {
		size := size
		t.Run(fmt.Sprintf("%d_bytes", size), func(t *testing.T) {
			p := newNodePair(t, nil)
			payload := nodePayload(size)
			src := writeTempFile(t, "report.bin", payload)
			dst := filepath.Join(t.TempDir(), "received.bin")

			transferID := p.offer(t, src)

			offer := p.offers[0]
			assert.Equal(t, uint32(0), offer.peerID)
			assert.Equal(t, transferID, offer.transferID)
			assert.Equal(t, file.KindData, offer.kind)
			assert.Equal(t, uint64(size), offer.size)
			assert.Equal(t, "report.bin", offer.name)

			require.NoError(t, p.receiver.AcceptFile(offer.peerID, offer.transferID, dst))
			p.settle()

			require.Len(t, p.senderOutcomes, 1)
			assert.Equal(t, file.OutcomeCompleted, p.senderOutcomes[0].outcome)
			assert.Equal(t, file.TransferDirectionOutgoing, p.senderOutcomes[0].direction)
			assert.NoError(t, p.senderOutcomes[0].err)

			require.Len(t, p.receiverOutcomes, 1)
			assert.Equal(t, file.OutcomeCompleted, p.receiverOutcomes[0].outcome)
			assert.Equal(t, file.TransferDirectionIncoming, p.receiverOutcomes[0].direction)

			got, err := os.ReadFile(dst)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "received file differs")

			assert.Equal(t, 0, p.sender.Tracker().Count(file.TransferDirectionOutgoing))
			assert.Equal(t, 0, p.receiver.Tracker().Count(file.TransferDirectionIncoming))
		})
	}
}

func TestNodeRejectFile(t *testing.T) {
	p := newNodePair(t, nil)
	transferID := p.offer(t, writeTempFile(t, "a.txt", nodePayload(40)))

	require.NoError(t, p.receiver.RejectFile(0, transferID))
	p.settle()

	require.Len(t, p.senderOutcomes, 1)
	assert.Equal(t, file.OutcomeCancelled, p.senderOutcomes[0].outcome)
	assert.ErrorIs(t, p.senderOutcomes[0].err, file.ErrTransferCancelled)
	assert.Empty(t, p.receiverOutcomes, "an untracked offer has no outcome")

	err := p.receiver.RejectFile(0, transferID)
	assert.ErrorIs(t, err, ErrNoOffer)
}

func TestNodeAcceptUnknownOffer(t *testing.T) {
	p := newNodePair(t, nil)

	err := p.receiver.AcceptFile(0, 9, filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrNoOffer)
}

func TestNodeStalledTransferTimesOut(t *testing.T) {
	p := newNodePair(t, nil)
	transferID := p.offer(t, writeTempFile(t, "a.txt", nodePayload(40)))
	require.NoError(t, p.receiver.AcceptFile(0, transferID, filepath.Join(t.TempDir(), "out")))

	// Only the receiver runs, so no chunk ever arrives.
	p.clock.Add(nodeTimeout)
	p.receiver.Iterate()
	assert.Empty(t, p.receiverOutcomes, "idle time equal to the timeout is not a stall")

	p.clock.Add(time.Second)
	p.receiver.Iterate()
	require.Len(t, p.receiverOutcomes, 1)
	assert.Equal(t, file.OutcomeTimeout, p.receiverOutcomes[0].outcome)
	assert.ErrorIs(t, p.receiverOutcomes[0].err, file.ErrTransferTimedOut)

	// The reaper's cancel reaches the sender.
	p.network.Flush()
	require.Len(t, p.senderOutcomes, 1)
	assert.Equal(t, file.OutcomeCancelled, p.senderOutcomes[0].outcome)
	assert.Equal(t, 0, p.sender.Tracker().Count(file.TransferDirectionOutgoing))
}

func TestNodePeerDisconnected(t *testing.T) {
	p := newNodePair(t, nil)
	transferID := p.offer(t, writeTempFile(t, "a.txt", nodePayload(40)))
	require.NoError(t, p.receiver.AcceptFile(0, transferID, filepath.Join(t.TempDir(), "out")))
	p.network.Flush()

	assert.Equal(t, 1, p.sender.PeerDisconnected(p.toReceiver))

	require.Len(t, p.senderOutcomes, 1)
	assert.Equal(t, file.OutcomeError, p.senderOutcomes[0].outcome)
	assert.True(t, errors.Is(p.senderOutcomes[0].err, file.ErrPeerDisconnected))

	_, err := p.sender.SendFile(p.toReceiver, writeTempFile(t, "b.txt", nodePayload(4)))
	assert.Error(t, err, "address is forgotten with the peer")
}

func TestNodeRejectsOversizedOffer(t *testing.T) {
	p := newNodePair(t, func(o *Options) { o.MaxFileSize = 10 })

	_, err := p.sender.SendFile(p.toReceiver, writeTempFile(t, "big.bin", nodePayload(100)))
	require.NoError(t, err)
	p.settle()

	assert.Empty(t, p.offers, "oversized offer must not reach the callback")
	require.Len(t, p.senderOutcomes, 1)
	assert.Equal(t, file.OutcomeCancelled, p.senderOutcomes[0].outcome)
}

func TestNodeKillAnnouncesDeparture(t *testing.T) {
	p := newNodePair(t, nil)
	transferID := p.offer(t, writeTempFile(t, "a.txt", nodePayload(40)))
	require.NoError(t, p.receiver.AcceptFile(0, transferID, filepath.Join(t.TempDir(), "out")))
	p.network.Flush()

	p.receiver.Kill()
	assert.False(t, p.receiver.IsRunning())
	p.network.Flush()

	assert.Empty(t, p.receiverOutcomes, "shutdown is silent")
	require.Len(t, p.senderOutcomes, 1)
	assert.Equal(t, file.OutcomeError, p.senderOutcomes[0].outcome)
	assert.ErrorIs(t, p.senderOutcomes[0].err, file.ErrPeerDisconnected)

	_, err := p.receiver.SendFile(0, writeTempFile(t, "b.txt", nodePayload(4)))
	assert.ErrorIs(t, err, ErrNodeStopped)

	// A second Kill is a no-op.
	p.receiver.Kill()
}

func TestNodeSeekBeforeAccept(t *testing.T) {
	p := newNodePair(t, nil)
	payload := nodePayload(64)
	dst := filepath.Join(t.TempDir(), "partial.bin")
	transferID := p.offer(t, writeTempFile(t, "a.bin", payload))

	err := p.receiver.SeekFile(0, transferID, 65)
	assert.ErrorIs(t, err, file.ErrOutOfBounds)
	err = p.receiver.SeekFile(0, transferID+1, 0)
	assert.ErrorIs(t, err, ErrNoOffer)

	require.NoError(t, p.receiver.SeekFile(0, transferID, 32))
	err = p.receiver.SeekFile(0, transferID, 16)
	assert.ErrorIs(t, err, file.ErrAlreadySeeked)
	p.network.Flush()
	require.NoError(t, p.receiver.AcceptFile(0, transferID, dst))

	info, ok := p.receiver.Tracker().Transfer(file.TransferDirectionIncoming, 0, transferID)
	require.True(t, ok)
	assert.Equal(t, uint64(32), info.Offset)

	p.settle()

	require.Len(t, p.senderOutcomes, 1)
	assert.Equal(t, file.OutcomeCompleted, p.senderOutcomes[0].outcome)
	require.Len(t, p.receiverOutcomes, 1)
	assert.Equal(t, file.OutcomeCompleted, p.receiverOutcomes[0].outcome)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Len(t, got, 64)
	assert.Equal(t, payload[32:], got[32:])
}

func TestNodeSendAvatar(t *testing.T) {
	p := newNodePair(t, nil)
	payload := nodePayload(50)

	transferID, err := p.sender.SendAvatar(p.toReceiver, writeTempFile(t, "me.png", payload))
	require.NoError(t, err)
	p.network.Flush()

	require.Len(t, p.offers, 1)
	assert.Equal(t, file.KindAvatar, p.offers[0].kind)

	info, ok := p.sender.Tracker().Transfer(file.TransferDirectionOutgoing, p.toReceiver, transferID)
	require.True(t, ok)
	assert.Equal(t, file.KindAvatar, info.Kind)
	assert.Equal(t, [file.FileIDLength]byte(blake2b.Sum256(payload)), info.FileID)

	require.NoError(t, p.receiver.AcceptFile(0, transferID, filepath.Join(t.TempDir(), "avatar.png")))
	info, ok = p.receiver.Tracker().Transfer(file.TransferDirectionIncoming, 0, transferID)
	require.True(t, ok)
	assert.Equal(t, [file.FileIDLength]byte(blake2b.Sum256(payload)), info.FileID)
}

func TestNodeUntrackedChunksReachCallback(t *testing.T) {
	p := newNodePair(t, nil)
	payload := nodePayload(40)

	type chunk struct {
		position uint64
		data     []byte
	}
	var chunks []chunk
	p.receiver.OnFileRecvChunk(func(peerID, transferID uint32, position uint64, data []byte) {
		chunks = append(chunks, chunk{position: position, data: data})
	})

	transferID := p.offer(t, writeTempFile(t, "a.bin", payload))

	// Resume without AcceptFile: the application stores chunks itself.
	require.NoError(t, p.receiver.Control(0, transferID, file.TransferDirectionIncoming, file.ControlResume))
	p.settle()

	require.NotEmpty(t, chunks)
	var assembled []byte
	for _, c := range chunks[:len(chunks)-1] {
		assert.Equal(t, uint64(len(assembled)), c.position)
		assembled = append(assembled, c.data...)
	}
	assert.Equal(t, payload, assembled)

	last := chunks[len(chunks)-1]
	assert.Empty(t, last.data, "end of transfer is an empty chunk")
	assert.Equal(t, uint64(len(payload)), last.position)

	assert.Empty(t, p.receiverOutcomes)
	require.Len(t, p.senderOutcomes, 1)
	assert.Equal(t, file.OutcomeCompleted, p.senderOutcomes[0].outcome)
}

func TestNodeFailedSendEndsQuietly(t *testing.T) {
	p := newNodePair(t, nil)

	var requests []uint64
	p.sender.OnFileChunkRequest(func(peerID, transferID uint32, position uint64, length int) {
		requests = append(requests, position)
	})

	src := writeTempFile(t, "shrinking.bin", nodePayload(64))
	transferID := p.offer(t, src)

	// The file loses its tail after the offer, so the first read comes up short.
	require.NoError(t, os.Truncate(src, 8))
	require.NoError(t, p.receiver.AcceptFile(0, transferID, filepath.Join(t.TempDir(), "out")))
	p.settle()

	require.Len(t, p.senderOutcomes, 1)
	assert.Equal(t, file.OutcomeError, p.senderOutcomes[0].outcome)
	assert.Empty(t, requests, "a failed transfer must not fall through to untracked chunk requests")

	require.Len(t, p.receiverOutcomes, 1)
	assert.Equal(t, file.OutcomeCancelled, p.receiverOutcomes[0].outcome)
}

func TestNodeCancelOutgoing(t *testing.T) {
	p := newNodePair(t, nil)
	transferID := p.offer(t, writeTempFile(t, "a.bin", nodePayload(40)))
	require.NoError(t, p.receiver.AcceptFile(0, transferID, filepath.Join(t.TempDir(), "out")))
	p.network.Flush()

	require.NoError(t, p.sender.Control(p.toReceiver, transferID, file.TransferDirectionOutgoing, file.ControlCancel))
	p.settle()

	require.Len(t, p.senderOutcomes, 1)
	assert.Equal(t, file.OutcomeCancelled, p.senderOutcomes[0].outcome)
	require.Len(t, p.receiverOutcomes, 1)
	assert.Equal(t, file.OutcomeCancelled, p.receiverOutcomes[0].outcome)
	assert.Equal(t, file.TransferDirectionIncoming, p.receiverOutcomes[0].direction)
}

func TestNodeJournalRecordsOutcomes(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "journal")
	p := newNodePair(t, func(o *Options) { o.JournalPath = journalPath })
	require.NotNil(t, p.receiver.Journal())
	assert.Nil(t, p.sender.Journal())

	transferID := p.offer(t, writeTempFile(t, "a.bin", nodePayload(20)))
	require.NoError(t, p.receiver.AcceptFile(0, transferID, filepath.Join(t.TempDir(), "out")))
	p.settle()

	records, err := p.receiver.Journal().List(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, transferID, records[0].TransferID)
	assert.Equal(t, file.OutcomeCompleted.String(), records[0].Outcome)
	assert.Equal(t, file.TransferDirectionIncoming.String(), records[0].Direction)
	assert.True(t, records[0].FinishedAt.Equal(p.clock.Now()), "records are stamped from the node clock")

	// Outcomes still reach the callback behind the journal.
	require.Len(t, p.receiverOutcomes, 1)
}

func TestNewWithoutTransport(t *testing.T) {
	options := NewOptions()
	options.UDPEnabled = false

	node, err := New(options)
	assert.Error(t, err)
	assert.Nil(t, node)
}

func TestNewUDPNode(t *testing.T) {
	options := NewOptions()
	options.ListenHost = "127.0.0.1"
	options.StartPort = 0
	options.EndPort = 0

	node, err := New(options)
	require.NoError(t, err)
	defer node.Kill()

	assert.True(t, node.IsRunning())
	assert.NotNil(t, node.LocalAddr())
	assert.Equal(t, 50*time.Millisecond, node.IterationInterval())
}
