package wire

import (
	"net"
	"sync"

	"github.com/opd-ai/toxtransfer/file"
	"github.com/opd-ai/toxtransfer/transport"
)

const (
	testLocalAddr = "127.0.0.1:33445"
	testPeerAddr  = "127.0.0.1:33446"
)

// mockTransport implements transport.Transport for testing.
type mockTransport struct {
	mu      sync.Mutex
	packets []sentPacket
	handler map[transport.PacketType]transport.PacketHandler
	sendErr error
}

type sentPacket struct {
	packet *transport.Packet
	addr   net.Addr
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		handler: make(map[transport.PacketType]transport.PacketHandler),
	}
}

func (m *mockTransport) Send(packet *transport.Packet, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.packets = append(m.packets, sentPacket{packet: packet, addr: addr})
	return nil
}

func (m *mockTransport) Close() error {
	return nil
}

func (m *mockTransport) LocalAddr() net.Addr {
	addr, _ := net.ResolveUDPAddr("udp", testLocalAddr)
	return addr
}

func (m *mockTransport) RegisterHandler(packetType transport.PacketType, handler transport.PacketHandler) {
	m.handler[packetType] = handler
}

func (m *mockTransport) simulateReceive(packetType transport.PacketType, data []byte, addr net.Addr) error {
	handler, exists := m.handler[packetType]
	if !exists {
		return nil
	}
	return handler(&transport.Packet{PacketType: packetType, Data: data}, addr)
}

func (m *mockTransport) sent(packetType transport.PacketType) []sentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []sentPacket
	for _, p := range m.packets {
		if p.packet.PacketType == packetType {
			out = append(out, p)
		}
	}
	return out
}

type chunkCall struct {
	peerID     uint32
	transferID uint32
	position   uint64
	length     int
	data       []byte
}

type controlCall struct {
	peerID     uint32
	transferID uint32
	direction  file.TransferDirection
	control    file.Control
}

// recordingHandler implements Handler and records every call.
type recordingHandler struct {
	mu       sync.Mutex
	requests []chunkCall
	chunks   []chunkCall
	controls []controlCall
}

func (h *recordingHandler) HandleChunkRequest(peerID, transferID uint32, position uint64, length int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, chunkCall{peerID: peerID, transferID: transferID, position: position, length: length})
}

func (h *recordingHandler) HandleChunk(peerID, transferID uint32, position uint64, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks = append(h.chunks, chunkCall{peerID: peerID, transferID: transferID, position: position, data: data})
}

func (h *recordingHandler) HandleControl(peerID, transferID uint32, direction file.TransferDirection, control file.Control) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controls = append(h.controls, controlCall{peerID, transferID, direction, control})
	return nil
}
