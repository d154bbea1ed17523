// Package wire is a minimal file-transfer protocol engine over a
// transport.Transport. It announces transfers, exchanges control commands,
// paces outgoing transfers into chunk requests, and delivers every chunk
// event to a Handler (normally a *file.Tracker).
package wire

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/opd-ai/toxtransfer/file"
	"github.com/opd-ai/toxtransfer/transport"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize matches the largest file data payload of the Tox protocol.
const DefaultChunkSize = 1371

// MaxChunkData is the largest chunk that fits a single data packet.
const MaxChunkData = transport.MaxPacketSize - 1 - 12

// DefaultWindow is the number of chunks requested per transfer per Pump.
const DefaultWindow = 16

// MaxTransfersPerPeer is the number of concurrent transfers per peer per
// direction.
const MaxTransfersPerPeer = 256

var (
	// ErrUnknownPeer indicates a peer id without a registered address.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrUnknownTransfer indicates a transfer number the engine does not know.
	ErrUnknownTransfer = errors.New("unknown transfer")
	// ErrTooManyTransfers indicates that a peer has no free transfer numbers.
	ErrTooManyTransfers = errors.New("too many ongoing transfers")
	// ErrSeekNotAllowed indicates a seek after the transfer was resumed.
	ErrSeekNotAllowed = errors.New("transfer cannot be seeked in its current state")
)

// Handler consumes chunk and control events. *file.Tracker implements it.
type Handler interface {
	HandleChunkRequest(peerID, transferID uint32, position uint64, length int)
	HandleChunk(peerID, transferID uint32, position uint64, data []byte)
	HandleControl(peerID, transferID uint32, direction file.TransferDirection, control file.Control) error
}

// FileRecvCallback is called when a peer announces a transfer.
type FileRecvCallback func(peerID, transferID uint32, kind file.Kind, size uint64, fileID [file.FileIDLength]byte, name string)

// PeerLeaveCallback is called when a peer announces it is going away.
type PeerLeaveCallback func(peerID uint32)

// Config configures an Engine. Zero values select defaults.
type Config struct {
	ChunkSize int
	Window    int
}

type transferKey struct {
	peerID uint32
	number uint32
}

// sendState paces one outgoing transfer.
type sendState struct {
	size     uint64
	position uint64
	accepted bool
	paused   bool
}

// recvState records one announced incoming transfer.
type recvState struct {
	size     uint64
	accepted bool
}

// chunkRequest is a request queued by Pump for delivery outside the lock.
type chunkRequest struct {
	key      transferKey
	position uint64
	length   int
}

// Engine implements file.Engine over a transport.Transport.
type Engine struct {
	transport transport.Transport
	resolver  AddressResolver
	chunkSize int
	window    int

	mu        sync.Mutex
	handler   Handler
	outgoing  map[transferKey]*sendState
	incoming  map[transferKey]*recvState
	fileRecv  FileRecvCallback
	peerLeave PeerLeaveCallback
}

// NewEngine creates an engine and registers its packet handlers on t.
func NewEngine(t transport.Transport, resolver AddressResolver, config Config) *Engine {
	if resolver == nil {
		resolver = NewAddressBook()
	}
	if config.ChunkSize <= 0 || config.ChunkSize > MaxChunkData {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}

	e := &Engine{
		transport: t,
		resolver:  resolver,
		chunkSize: config.ChunkSize,
		window:    config.Window,
		outgoing:  make(map[transferKey]*sendState),
		incoming:  make(map[transferKey]*recvState),
	}

	t.RegisterHandler(transport.PacketFileRequest, e.handleFileRequest)
	t.RegisterHandler(transport.PacketFileControl, e.handleFileControl)
	t.RegisterHandler(transport.PacketFileSeek, e.handleFileSeek)
	t.RegisterHandler(transport.PacketFileData, e.handleFileData)
	t.RegisterHandler(transport.PacketPeerLeave, e.handlePeerLeave)

	logrus.WithFields(logrus.Fields{
		"function":   "NewEngine",
		"chunk_size": config.ChunkSize,
		"window":     config.Window,
	}).Info("File transfer engine created with handlers registered")

	return e
}

// SetHandler sets the consumer of chunk and control events.
func (e *Engine) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// OnFileRecv sets the callback for transfer announcements.
func (e *Engine) OnFileRecv(cb FileRecvCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fileRecv = cb
}

// OnPeerLeave sets the callback for peer departure.
func (e *Engine) OnPeerLeave(cb PeerLeaveCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerLeave = cb
}

// OpenTransfer announces a new outgoing transfer to peerID and returns its
// transfer number. Chunk requests start once the peer resumes it.
func (e *Engine) OpenTransfer(peerID uint32, kind file.Kind, size uint64, fileID [file.FileIDLength]byte, name string) (uint32, error) {
	if len(name) > file.MaxFileNameLength {
		return 0, file.ErrFileNameTooLong
	}
	addr, ok := e.resolver.PeerAddr(peerID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPeer, peerID)
	}

	e.mu.Lock()
	number, ok := e.freeNumber(peerID)
	if !ok {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: peer %d", ErrTooManyTransfers, peerID)
	}
	key := transferKey{peerID: peerID, number: number}
	e.outgoing[key] = &sendState{size: size}
	e.mu.Unlock()

	packet := &transport.Packet{
		PacketType: transport.PacketFileRequest,
		Data: serializeFileRequest(fileRequest{
			number: number,
			kind:   kind,
			size:   size,
			fileID: fileID,
			name:   name,
		}),
	}
	if err := e.transport.Send(packet, addr); err != nil {
		e.mu.Lock()
		delete(e.outgoing, key)
		e.mu.Unlock()
		return 0, fmt.Errorf("failed to send file request: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "OpenTransfer",
		"peer_id":     peerID,
		"transfer_id": number,
		"kind":        kind,
		"size":        size,
		"file_name":   name,
	}).Info("File transfer request sent")

	return number, nil
}

// freeNumber returns the lowest unused outgoing number for peerID. Must
// hold e.mu.
func (e *Engine) freeNumber(peerID uint32) (uint32, bool) {
	for n := uint32(0); n < MaxTransfersPerPeer; n++ {
		if _, used := e.outgoing[transferKey{peerID: peerID, number: n}]; !used {
			return n, true
		}
	}
	return 0, false
}

// Control sends control for the local transfer in direction and applies it
// to the engine's own state.
func (e *Engine) Control(peerID, transferID uint32, direction file.TransferDirection, control file.Control) error {
	addr, ok := e.resolver.PeerAddr(peerID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peerID)
	}

	key := transferKey{peerID: peerID, number: transferID}
	e.mu.Lock()
	if !e.applyControl(key, direction, control) {
		e.mu.Unlock()
		return fmt.Errorf("%w: peer %d transfer %d", ErrUnknownTransfer, peerID, transferID)
	}
	e.mu.Unlock()

	packet := &transport.Packet{
		PacketType: transport.PacketFileControl,
		Data:       serializeFileControl(transferID, direction == file.TransferDirectionOutgoing, control),
	}
	return e.transport.Send(packet, addr)
}

// applyControl updates engine state for a control on the local transfer.
// It reports whether the transfer was known. Must hold e.mu.
func (e *Engine) applyControl(key transferKey, direction file.TransferDirection, control file.Control) bool {
	if direction == file.TransferDirectionOutgoing {
		s, ok := e.outgoing[key]
		if !ok {
			return false
		}
		switch control {
		case file.ControlCancel:
			delete(e.outgoing, key)
		case file.ControlPause:
			s.paused = true
		case file.ControlResume:
			s.accepted = true
			s.paused = false
		}
		return true
	}

	r, ok := e.incoming[key]
	if !ok {
		return false
	}
	switch control {
	case file.ControlCancel:
		delete(e.incoming, key)
	case file.ControlResume:
		r.accepted = true
	}
	return true
}

// CancelTransfer implements file.Engine.
func (e *Engine) CancelTransfer(peerID, transferID uint32, direction file.TransferDirection) error {
	return e.Control(peerID, transferID, direction, file.ControlCancel)
}

// Seek asks the sender of an incoming transfer to start at position. Only
// allowed before the transfer is resumed.
func (e *Engine) Seek(peerID, transferID uint32, position uint64) error {
	addr, ok := e.resolver.PeerAddr(peerID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peerID)
	}

	e.mu.Lock()
	r, ok := e.incoming[transferKey{peerID: peerID, number: transferID}]
	switch {
	case !ok:
		e.mu.Unlock()
		return fmt.Errorf("%w: peer %d transfer %d", ErrUnknownTransfer, peerID, transferID)
	case r.accepted:
		e.mu.Unlock()
		return ErrSeekNotAllowed
	case position > r.size:
		e.mu.Unlock()
		return fmt.Errorf("%w: seek to %d, size %d", file.ErrOutOfBounds, position, r.size)
	}
	e.mu.Unlock()

	packet := &transport.Packet{
		PacketType: transport.PacketFileSeek,
		Data:       serializeFileSeek(transferID, position),
	}
	return e.transport.Send(packet, addr)
}

// SendChunk implements file.Engine.
func (e *Engine) SendChunk(peerID, transferID uint32, position uint64, data []byte) error {
	if len(data) > MaxChunkData {
		return fmt.Errorf("%w: %d > %d", file.ErrChunkTooLarge, len(data), MaxChunkData)
	}
	addr, ok := e.resolver.PeerAddr(peerID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peerID)
	}

	e.mu.Lock()
	_, ok = e.outgoing[transferKey{peerID: peerID, number: transferID}]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: peer %d transfer %d", ErrUnknownTransfer, peerID, transferID)
	}

	packet := &transport.Packet{
		PacketType: transport.PacketFileData,
		Data:       serializeFileData(transferID, position, data),
	}
	return e.transport.Send(packet, addr)
}

// Leave tells every known peer in peerIDs that this process is going away.
func (e *Engine) Leave(peerIDs []uint32) {
	for _, peerID := range peerIDs {
		addr, ok := e.resolver.PeerAddr(peerID)
		if !ok {
			continue
		}
		packet := &transport.Packet{PacketType: transport.PacketPeerLeave, Data: []byte{}}
		if err := e.transport.Send(packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Leave",
				"peer_id":  peerID,
				"error":    err.Error(),
			}).Debug("Failed to announce departure")
		}
	}
}

// Pump turns accepted outgoing transfers into chunk requests for the
// handler, up to the window per transfer. A transfer that has handed out
// its last byte gets a zero-length terminal request and an end marker is
// sent to the peer.
func (e *Engine) Pump() {
	e.mu.Lock()
	handler := e.handler

	keys := make([]transferKey, 0, len(e.outgoing))
	for key := range e.outgoing {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].peerID != keys[j].peerID {
			return keys[i].peerID < keys[j].peerID
		}
		return keys[i].number < keys[j].number
	})

	var requests []chunkRequest
	var finished []chunkRequest
	for _, key := range keys {
		s := e.outgoing[key]
		if !s.accepted || s.paused {
			continue
		}
		for n := 0; n < e.window && s.position < s.size; n++ {
			length := uint64(e.chunkSize)
			if remaining := s.size - s.position; remaining < length {
				length = remaining
			}
			requests = append(requests, chunkRequest{key: key, position: s.position, length: int(length)})
			s.position += length
		}
		if s.position >= s.size {
			finished = append(finished, chunkRequest{key: key, position: s.size})
		}
	}
	e.mu.Unlock()

	if handler == nil {
		return
	}

	for _, r := range requests {
		// A failed chunk cancels its transfer; skip the rest of its window.
		if !e.live(r.key) {
			continue
		}
		handler.HandleChunkRequest(r.key.peerID, r.key.number, r.position, r.length)
	}

	for _, r := range finished {
		e.mu.Lock()
		_, live := e.outgoing[r.key]
		delete(e.outgoing, r.key)
		e.mu.Unlock()
		if !live {
			continue
		}

		if addr, ok := e.resolver.PeerAddr(r.key.peerID); ok {
			packet := &transport.Packet{
				PacketType: transport.PacketFileData,
				Data:       serializeFileData(r.key.number, r.position, nil),
			}
			if err := e.transport.Send(packet, addr); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "Pump",
					"peer_id":     r.key.peerID,
					"transfer_id": r.key.number,
					"error":       err.Error(),
				}).Warn("Failed to send end of transfer")
			}
		}
		handler.HandleChunkRequest(r.key.peerID, r.key.number, r.position, 0)
	}
}

// live reports whether the outgoing transfer is still open.
func (e *Engine) live(key transferKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.outgoing[key]
	return ok
}

// DropPeer forgets every transfer of peerID.
func (e *Engine) DropPeer(peerID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.outgoing {
		if key.peerID == peerID {
			delete(e.outgoing, key)
		}
	}
	for key := range e.incoming {
		if key.peerID == peerID {
			delete(e.incoming, key)
		}
	}
}

// handleFileRequest processes incoming file transfer announcements.
func (e *Engine) handleFileRequest(packet *transport.Packet, addr net.Addr) error {
	req, err := deserializeFileRequest(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileRequest",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Error("Failed to deserialize file request")
		return err
	}

	peerID := e.resolver.ResolvePeerID(addr)
	key := transferKey{peerID: peerID, number: req.number}

	e.mu.Lock()
	if _, exists := e.incoming[key]; exists {
		e.mu.Unlock()
		return fmt.Errorf("duplicate file request for peer %d transfer %d", peerID, req.number)
	}
	e.incoming[key] = &recvState{size: req.size}
	cb := e.fileRecv
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "handleFileRequest",
		"peer_id":     peerID,
		"transfer_id": req.number,
		"kind":        req.kind,
		"size":        req.size,
		"file_name":   req.name,
	}).Info("Incoming file transfer announced")

	if cb != nil {
		cb(peerID, req.number, req.kind, req.size, req.fileID, req.name)
	}
	return nil
}

// handleFileControl processes control commands from the peer.
func (e *Engine) handleFileControl(packet *transport.Packet, addr net.Addr) error {
	number, senderSending, control, err := deserializeFileControl(packet.Data)
	if err != nil {
		return err
	}

	// The packet names the sender's side; ours is the opposite.
	direction := file.TransferDirectionOutgoing
	if senderSending {
		direction = file.TransferDirectionIncoming
	}

	peerID := e.resolver.ResolvePeerID(addr)
	key := transferKey{peerID: peerID, number: number}

	e.mu.Lock()
	known := e.applyControl(key, direction, control)
	handler := e.handler
	e.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: peer %d transfer %d", ErrUnknownTransfer, peerID, number)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "handleFileControl",
		"peer_id":     peerID,
		"transfer_id": number,
		"direction":   direction,
		"control":     control,
	}).Debug("File control received")

	if handler != nil {
		if err := handler.HandleControl(peerID, number, direction, control); err != nil && !errors.Is(err, file.ErrTransferNotFound) {
			return err
		}
	}
	return nil
}

// handleFileSeek moves the start of an outgoing transfer that has not been
// resumed yet.
func (e *Engine) handleFileSeek(packet *transport.Packet, addr net.Addr) error {
	number, position, err := deserializeFileSeek(packet.Data)
	if err != nil {
		return err
	}

	peerID := e.resolver.ResolvePeerID(addr)

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.outgoing[transferKey{peerID: peerID, number: number}]
	if !ok {
		return fmt.Errorf("%w: peer %d transfer %d", ErrUnknownTransfer, peerID, number)
	}
	if s.accepted || position > s.size {
		return ErrSeekNotAllowed
	}
	s.position = position

	logrus.WithFields(logrus.Fields{
		"function":    "handleFileSeek",
		"peer_id":     peerID,
		"transfer_id": number,
		"position":    position,
	}).Debug("Outgoing transfer start moved by peer")

	return nil
}

// handleFileData delivers a chunk of an accepted incoming transfer.
func (e *Engine) handleFileData(packet *transport.Packet, addr net.Addr) error {
	number, position, chunk, err := deserializeFileData(packet.Data)
	if err != nil {
		return err
	}

	peerID := e.resolver.ResolvePeerID(addr)
	key := transferKey{peerID: peerID, number: number}

	e.mu.Lock()
	r, ok := e.incoming[key]
	if ok && !r.accepted {
		ok = false
	}
	if ok && len(chunk) == 0 {
		delete(e.incoming, key)
	}
	handler := e.handler
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: peer %d transfer %d", ErrUnknownTransfer, peerID, number)
	}

	if handler != nil {
		handler.HandleChunk(peerID, number, position, chunk)
	}
	return nil
}

// handlePeerLeave drops all state of the departing peer.
func (e *Engine) handlePeerLeave(_ *transport.Packet, addr net.Addr) error {
	peerID := e.resolver.ResolvePeerID(addr)
	e.DropPeer(peerID)

	e.mu.Lock()
	cb := e.peerLeave
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handlePeerLeave",
		"peer_id":  peerID,
	}).Info("Peer left")

	if cb != nil {
		cb(peerID)
	}
	return nil
}
