package transport

import (
	"net"
	"sync"
)

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport moves packets between peers. UDPTransport is the network
// implementation; tests substitute an in-memory one.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}

// Handlers maps packet types to handlers. The zero value is ready to use
// and safe for concurrent registration and dispatch.
type Handlers struct {
	mu    sync.RWMutex
	table map[PacketType]PacketHandler
}

// Register sets the handler for packetType, replacing any previous one.
func (h *Handlers) Register(packetType PacketType, handler PacketHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.table == nil {
		h.table = make(map[PacketType]PacketHandler)
	}
	h.table[packetType] = handler
}

// Dispatch runs the handler registered for the packet's type on the calling
// goroutine. It reports false when no handler is registered.
func (h *Handlers) Dispatch(packet *Packet, addr net.Addr) (bool, error) {
	h.mu.RLock()
	handler, ok := h.table[packet.PacketType]
	h.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return true, handler(packet, addr)
}
