// Package toxtransfer moves files between peers over a lightweight UDP
// protocol and keeps track of every transfer in flight.
//
// Example:
//
//	options := toxtransfer.NewOptions()
//	options.StartPort = 33445
//
//	node, err := toxtransfer.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node.OnFileRecv(func(peerID, transferID uint32, kind file.Kind, size uint64, filename string) {
//	    node.AcceptFile(peerID, transferID, filepath.Join("downloads", filename))
//	})
//
//	node.OnTransferOutcome(func(peerID, transferID uint32, direction file.TransferDirection, outcome file.Outcome, err error) {
//	    fmt.Printf("Transfer %d with %d: %s\n", transferID, peerID, outcome)
//	})
//
//	for node.IsRunning() {
//	    node.Iterate()
//	    time.Sleep(node.IterationInterval())
//	}
package toxtransfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/opd-ai/toxtransfer/file"
	"github.com/opd-ai/toxtransfer/history"
	"github.com/opd-ai/toxtransfer/transport"
	"github.com/opd-ai/toxtransfer/wire"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

// ErrNoOffer indicates that no pending incoming transfer matches the request.
var ErrNoOffer = errors.New("no pending file offer")

// ErrNodeStopped indicates a call on a node that has been killed.
var ErrNodeStopped = errors.New("node is not running")

// Options contains configuration options for creating a Node.
type Options struct {
	// UDPEnabled creates a UDP transport bound to the first free port in
	// [StartPort, EndPort] when Transport is nil.
	UDPEnabled bool
	ListenHost string
	StartPort  uint16
	EndPort    uint16

	// Transport overrides the UDP transport.
	Transport transport.Transport

	ChunkSize           int
	Window              int
	TransferTimeout     time.Duration
	IterationInterval   time.Duration
	SweepEvery          int
	MaxTransfersPerPeer int
	// MaxFileSize rejects larger incoming offers. Zero disables the check.
	MaxFileSize uint64

	// JournalPath enables the outcome journal when set.
	JournalPath string

	Clock        clock.Clock
	MetricsScope tally.Scope
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		UDPEnabled:          true,
		ListenHost:          "0.0.0.0",
		StartPort:           33445,
		EndPort:             33545,
		ChunkSize:           wire.DefaultChunkSize,
		Window:              wire.DefaultWindow,
		TransferTimeout:     file.DefaultTimeout,
		IterationInterval:   50 * time.Millisecond,
		SweepEvery:          20,
		MaxTransfersPerPeer: wire.MaxTransfersPerPeer,
	}
}

// FileRecvCallback is called when a peer offers a file.
type FileRecvCallback func(peerID, transferID uint32, kind file.Kind, size uint64, filename string)

// TransferOutcomeCallback is called once when a tracked transfer ends.
type TransferOutcomeCallback func(peerID, transferID uint32, direction file.TransferDirection, outcome file.Outcome, err error)

// FileChunkRequestCallback is called for chunk requests of transfers the
// node does not track.
type FileChunkRequestCallback func(peerID, transferID uint32, position uint64, length int)

// FileRecvChunkCallback is called for chunks of transfers the node does not
// track.
type FileRecvChunkCallback func(peerID, transferID uint32, position uint64, data []byte)

type offerKey struct {
	peerID     uint32
	transferID uint32
}

// offer is an announced incoming transfer awaiting AcceptFile or RejectFile.
type offer struct {
	kind     file.Kind
	size     uint64
	fileID   [file.FileIDLength]byte
	position uint64
	seeked   bool
}

// Node ties a transport, the protocol engine and the transfer tracker into
// one event loop.
type Node struct {
	options   *Options
	transport transport.Transport
	book      *wire.AddressBook
	engine    *wire.Engine
	tracker   *file.Tracker
	journal   *history.Journal
	clock     clock.Clock

	// State
	running    bool
	iterations int
	runMutex   sync.Mutex

	offers      map[offerKey]*offer
	offersMutex sync.Mutex

	// Callbacks
	callbackMutex            sync.RWMutex
	fileRecvCallback         FileRecvCallback
	outcomeCallback          TransferOutcomeCallback
	fileChunkRequestCallback FileChunkRequestCallback
	fileRecvChunkCallback    FileRecvChunkCallback
}

// New creates a new Node with the given options.
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.SweepEvery <= 0 {
		options.SweepEvery = 1
	}
	if options.IterationInterval <= 0 {
		options.IterationInterval = 50 * time.Millisecond
	}
	if options.MaxTransfersPerPeer <= 0 || options.MaxTransfersPerPeer > wire.MaxTransfersPerPeer {
		options.MaxTransfersPerPeer = wire.MaxTransfersPerPeer
	}

	t := options.Transport
	if t == nil {
		if !options.UDPEnabled {
			return nil, errors.New("no transport configured")
		}
		udp, err := bindUDP(options.ListenHost, options.StartPort, options.EndPort)
		if err != nil {
			return nil, err
		}
		t = udp
	}

	n := &Node{
		options:   options,
		transport: t,
		book:      wire.NewAddressBook(),
		clock:     options.Clock,
		running:   true,
		offers:    make(map[offerKey]*offer),
	}

	var sink file.Sink = file.SinkFuncs{
		Outcome:        n.notifyOutcome,
		ChunkRequested: n.notifyChunkRequested,
		ChunkReceived:  n.notifyChunkReceived,
	}
	if options.JournalPath != "" {
		journal, err := history.Open(options.JournalPath, sink, options.Clock)
		if err != nil {
			if options.Transport == nil {
				t.Close()
			}
			return nil, err
		}
		n.journal = journal
		sink = journal
	}

	n.engine = wire.NewEngine(t, n.book, wire.Config{
		ChunkSize: options.ChunkSize,
		Window:    options.Window,
	})
	n.tracker = file.NewTracker(n.engine, sink, file.TrackerConfig{
		DefaultTimeout: options.TransferTimeout,
		Clock:          options.Clock,
		Scope:          options.MetricsScope,
	})
	n.engine.SetHandler(n.tracker)
	n.engine.OnFileRecv(n.handleFileOffer)
	n.engine.OnPeerLeave(func(peerID uint32) { n.forgetPeer(peerID) })

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"local_addr": addrString(t.LocalAddr()),
		"journal":    options.JournalPath != "",
	}).Info("Node created")

	return n, nil
}

// bindUDP binds to the first free port in [start, end].
func bindUDP(host string, start, end uint16) (*transport.UDPTransport, error) {
	if end < start {
		end = start
	}
	for port := int(start); port <= int(end); port++ {
		udp, err := transport.NewUDPTransport(net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return udp, nil
		}
	}
	return nil, fmt.Errorf("failed to bind to any UDP port in %d-%d", start, end)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Tracker returns the node's transfer tracker.
func (n *Node) Tracker() *file.Tracker {
	return n.tracker
}

// Journal returns the outcome journal, or nil when it is disabled.
func (n *Node) Journal() *history.Journal {
	return n.journal
}

// LocalAddr returns the address the node listens on.
func (n *Node) LocalAddr() net.Addr {
	return n.transport.LocalAddr()
}

// Iterate performs a single iteration of the event loop: outgoing
// transfers are pumped and, every SweepEvery iterations, stalled
// transfers are reclaimed.
func (n *Node) Iterate() {
	n.runMutex.Lock()
	if !n.running {
		n.runMutex.Unlock()
		return
	}
	n.iterations++
	sweep := n.iterations%n.options.SweepEvery == 0
	n.runMutex.Unlock()

	n.engine.Pump()

	if sweep {
		n.tracker.SweepTimeouts(n.clock.Now())
	}
}

// IterationInterval returns the recommended interval between iterations.
func (n *Node) IterationInterval() time.Duration {
	return n.options.IterationInterval
}

// IsRunning checks if the node is still running.
func (n *Node) IsRunning() bool {
	n.runMutex.Lock()
	defer n.runMutex.Unlock()
	return n.running
}

// Kill stops the node and releases all resources. Peers are told that the
// node is leaving; open transfers are released without outcome
// notifications.
func (n *Node) Kill() {
	n.runMutex.Lock()
	if !n.running {
		n.runMutex.Unlock()
		return
	}
	n.running = false
	n.runMutex.Unlock()

	n.engine.Leave(n.book.Peers())
	released := n.tracker.Shutdown()

	if err := n.transport.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
			"error":    err.Error(),
		}).Warn("Failed to close transport")
	}
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Kill",
				"error":    err.Error(),
			}).Warn("Failed to close journal")
		}
	}

	n.offersMutex.Lock()
	n.offers = make(map[offerKey]*offer)
	n.offersMutex.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
		"released": released,
	}).Info("Node stopped")
}

// AddPeer registers a peer address and returns its peer id.
func (n *Node) AddPeer(addr net.Addr) uint32 {
	return n.book.Add(addr)
}

// AddPeerAddress resolves a UDP host:port and registers it.
func (n *Node) AddPeerAddress(address string) (uint32, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return 0, fmt.Errorf("resolve peer address %q: %w", address, err)
	}
	return n.book.Add(addr), nil
}

// PeerDisconnected reclaims every transfer of peerID. Each tracked one is
// reported as an error outcome.
func (n *Node) PeerDisconnected(peerID uint32) int {
	n.engine.DropPeer(peerID)
	return n.forgetPeer(peerID)
}

// forgetPeer purges tracker state, pending offers and the address of peerID.
func (n *Node) forgetPeer(peerID uint32) int {
	n.offersMutex.Lock()
	for key := range n.offers {
		if key.peerID == peerID {
			delete(n.offers, key)
		}
	}
	n.offersMutex.Unlock()

	removed := n.tracker.PurgePeer(peerID)
	n.book.Remove(peerID)
	return removed
}

// SendFile offers the file at path to peerID and returns the transfer
// number. Chunks flow once the peer accepts.
func (n *Node) SendFile(peerID uint32, path string) (uint32, error) {
	return n.send(peerID, file.KindData, path)
}

// SendAvatar offers the image at path to peerID as an avatar. Its file id is
// the content hash so receivers can skip avatars they already have.
func (n *Node) SendAvatar(peerID uint32, path string) (uint32, error) {
	return n.send(peerID, file.KindAvatar, path)
}

func (n *Node) send(peerID uint32, kind file.Kind, path string) (uint32, error) {
	if !n.IsRunning() {
		return 0, ErrNodeStopped
	}

	storage, size, err := file.OpenForSend(path)
	if err != nil {
		return 0, err
	}

	fileID, err := file.ContentID(storage)
	if err == nil {
		_, err = storage.Seek(0, io.SeekStart)
	}
	if err != nil {
		storage.Close()
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}

	transferID, err := n.engine.OpenTransfer(peerID, kind, size, fileID, filepath.Base(path))
	if err != nil {
		storage.Close()
		return 0, err
	}

	spec := file.TransferSpec{
		PeerID:     peerID,
		TransferID: transferID,
		Kind:       kind,
		FileID:     fileID,
		Size:       size,
		Timeout:    n.options.TransferTimeout,
	}
	if err := n.tracker.RegisterOutgoing(spec, storage); err != nil {
		storage.Close()
		if cerr := n.engine.CancelTransfer(peerID, transferID, file.TransferDirectionOutgoing); cerr != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "send",
				"peer_id":     peerID,
				"transfer_id": transferID,
				"error":       cerr.Error(),
			}).Warn("Failed to cancel unregistered transfer")
		}
		return 0, err
	}

	return transferID, nil
}

// OnFileRecv sets the callback for file offers.
func (n *Node) OnFileRecv(callback FileRecvCallback) {
	n.callbackMutex.Lock()
	defer n.callbackMutex.Unlock()
	n.fileRecvCallback = callback
}

// OnTransferOutcome sets the callback for finished transfers.
func (n *Node) OnTransferOutcome(callback TransferOutcomeCallback) {
	n.callbackMutex.Lock()
	defer n.callbackMutex.Unlock()
	n.outcomeCallback = callback
}

// OnFileChunkRequest sets the callback for chunk requests of untracked
// transfers.
func (n *Node) OnFileChunkRequest(callback FileChunkRequestCallback) {
	n.callbackMutex.Lock()
	defer n.callbackMutex.Unlock()
	n.fileChunkRequestCallback = callback
}

// OnFileRecvChunk sets the callback for chunks of untracked transfers.
func (n *Node) OnFileRecvChunk(callback FileRecvChunkCallback) {
	n.callbackMutex.Lock()
	defer n.callbackMutex.Unlock()
	n.fileRecvChunkCallback = callback
}

// handleFileOffer applies the accept policy and passes the offer on.
func (n *Node) handleFileOffer(peerID, transferID uint32, kind file.Kind, size uint64, fileID [file.FileIDLength]byte, name string) {
	reason := ""
	switch {
	case n.options.MaxFileSize > 0 && size > n.options.MaxFileSize:
		reason = "file too large"
	case n.pendingCount(peerID)+n.tracker.CountPeer(file.TransferDirectionIncoming, peerID) >= n.options.MaxTransfersPerPeer:
		reason = "too many transfers"
	}
	if reason != "" {
		logrus.WithFields(logrus.Fields{
			"function":    "handleFileOffer",
			"peer_id":     peerID,
			"transfer_id": transferID,
			"size":        size,
			"reason":      reason,
		}).Warn("Rejecting file offer")
		if err := n.engine.Control(peerID, transferID, file.TransferDirectionIncoming, file.ControlCancel); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "handleFileOffer",
				"peer_id":     peerID,
				"transfer_id": transferID,
				"error":       err.Error(),
			}).Warn("Failed to reject file offer")
		}
		return
	}

	n.offersMutex.Lock()
	n.offers[offerKey{peerID: peerID, transferID: transferID}] = &offer{
		kind:   kind,
		size:   size,
		fileID: fileID,
	}
	n.offersMutex.Unlock()

	n.callbackMutex.RLock()
	cb := n.fileRecvCallback
	n.callbackMutex.RUnlock()

	if cb != nil {
		cb(peerID, transferID, kind, size, name)
	}
}

func (n *Node) pendingCount(peerID uint32) int {
	n.offersMutex.Lock()
	defer n.offersMutex.Unlock()

	count := 0
	for key := range n.offers {
		if key.peerID == peerID {
			count++
		}
	}
	return count
}

func (n *Node) takeOffer(peerID, transferID uint32) (*offer, bool) {
	n.offersMutex.Lock()
	defer n.offersMutex.Unlock()

	key := offerKey{peerID: peerID, transferID: transferID}
	o, ok := n.offers[key]
	delete(n.offers, key)
	return o, ok
}

// AcceptFile stores the offered transfer at path and asks the peer to start
// sending.
func (n *Node) AcceptFile(peerID, transferID uint32, path string) error {
	o, ok := n.takeOffer(peerID, transferID)
	if !ok {
		return fmt.Errorf("%w: peer %d transfer %d", ErrNoOffer, peerID, transferID)
	}

	storage, err := file.CreateForReceive(path)
	if err != nil {
		n.reject(peerID, transferID)
		return err
	}

	spec := file.TransferSpec{
		PeerID:     peerID,
		TransferID: transferID,
		Kind:       o.kind,
		FileID:     o.fileID,
		Size:       o.size,
		Timeout:    n.options.TransferTimeout,
	}
	if err := n.tracker.RegisterIncoming(spec, storage); err != nil {
		storage.Close()
		n.reject(peerID, transferID)
		return err
	}

	if o.position > 0 {
		if err := n.tracker.Seek(peerID, transferID, o.position); err != nil {
			n.tracker.HandleControl(peerID, transferID, file.TransferDirectionIncoming, file.ControlCancel)
			n.reject(peerID, transferID)
			return err
		}
	}

	if err := n.engine.Control(peerID, transferID, file.TransferDirectionIncoming, file.ControlResume); err != nil {
		n.tracker.HandleControl(peerID, transferID, file.TransferDirectionIncoming, file.ControlCancel)
		return err
	}
	return nil
}

// RejectFile declines an offered transfer.
func (n *Node) RejectFile(peerID, transferID uint32) error {
	if _, ok := n.takeOffer(peerID, transferID); !ok {
		return fmt.Errorf("%w: peer %d transfer %d", ErrNoOffer, peerID, transferID)
	}
	return n.engine.Control(peerID, transferID, file.TransferDirectionIncoming, file.ControlCancel)
}

func (n *Node) reject(peerID, transferID uint32) {
	if err := n.engine.Control(peerID, transferID, file.TransferDirectionIncoming, file.ControlCancel); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "reject",
			"peer_id":     peerID,
			"transfer_id": transferID,
			"error":       err.Error(),
		}).Warn("Failed to cancel file offer")
	}
}

// SeekFile asks the peer to start an offered transfer at position, for
// resuming a partial download. It must be called before AcceptFile and at
// most once per offer.
func (n *Node) SeekFile(peerID, transferID uint32, position uint64) error {
	n.offersMutex.Lock()
	o, ok := n.offers[offerKey{peerID: peerID, transferID: transferID}]
	if !ok {
		n.offersMutex.Unlock()
		return fmt.Errorf("%w: peer %d transfer %d", ErrNoOffer, peerID, transferID)
	}
	if o.seeked {
		n.offersMutex.Unlock()
		return fmt.Errorf("%w: peer %d transfer %d", file.ErrAlreadySeeked, peerID, transferID)
	}
	if position > o.size {
		n.offersMutex.Unlock()
		return fmt.Errorf("%w: seek to %d, size %d", file.ErrOutOfBounds, position, o.size)
	}
	o.seeked = true
	n.offersMutex.Unlock()

	err := n.engine.Seek(peerID, transferID, position)

	n.offersMutex.Lock()
	if err != nil {
		o.seeked = false
	} else {
		o.position = position
	}
	n.offersMutex.Unlock()
	return err
}

// Control sends a pause, resume or cancel for a transfer. Cancelling a
// tracked transfer from this side is reported to the peer only; the local
// record is reclaimed as cancelled.
func (n *Node) Control(peerID, transferID uint32, direction file.TransferDirection, control file.Control) error {
	if err := n.engine.Control(peerID, transferID, direction, control); err != nil {
		return err
	}
	if control == file.ControlCancel {
		if err := n.tracker.HandleControl(peerID, transferID, direction, control); err != nil && !errors.Is(err, file.ErrTransferNotFound) {
			return err
		}
	}
	return nil
}

func (n *Node) notifyOutcome(peerID, transferID uint32, direction file.TransferDirection, outcome file.Outcome, err error) {
	n.callbackMutex.RLock()
	cb := n.outcomeCallback
	n.callbackMutex.RUnlock()

	if cb != nil {
		cb(peerID, transferID, direction, outcome, err)
	}
}

func (n *Node) notifyChunkRequested(peerID, transferID uint32, position uint64, length int) {
	n.callbackMutex.RLock()
	cb := n.fileChunkRequestCallback
	n.callbackMutex.RUnlock()

	if cb != nil {
		cb(peerID, transferID, position, length)
	}
}

func (n *Node) notifyChunkReceived(peerID, transferID uint32, position uint64, data []byte) {
	n.callbackMutex.RLock()
	cb := n.fileRecvChunkCallback
	n.callbackMutex.RUnlock()

	if cb != nil {
		cb(peerID, transferID, position, data)
	}
}
