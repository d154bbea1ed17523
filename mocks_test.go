package toxtransfer

import (
	"net"
	"sync"

	"github.com/opd-ai/toxtransfer/transport"
)

// memNetwork queues packets between memTransports until Flush delivers them.
type memNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*memTransport
	queue     []delivery
}

type delivery struct {
	to     *memTransport
	from   net.Addr
	packet *transport.Packet
}

func newMemNetwork() *memNetwork {
	return &memNetwork{endpoints: make(map[string]*memTransport)}
}

// endpoint creates a transport bound to address on the network.
func (n *memNetwork) endpoint(address string) *memTransport {
	addr, _ := net.ResolveUDPAddr("udp", address)
	t := &memTransport{
		network: n,
		addr:    addr,
	}

	n.mu.Lock()
	n.endpoints[addr.String()] = t
	n.mu.Unlock()
	return t
}

// Flush delivers queued packets, including the ones handlers send in
// response, until the network is idle.
func (n *memNetwork) Flush() int {
	delivered := 0
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return delivered
		}
		d := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		d.to.deliver(d.packet, d.from)
		delivered++
	}
}

// memTransport implements transport.Transport on a memNetwork.
type memTransport struct {
	network  *memNetwork
	addr     net.Addr
	handlers transport.Handlers

	mu     sync.Mutex
	closed bool
}

func (t *memTransport) Send(packet *transport.Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	parsed, err := transport.ParsePacket(data)
	if err != nil {
		return err
	}

	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	if to, ok := t.network.endpoints[addr.String()]; ok {
		t.network.queue = append(t.network.queue, delivery{to: to, from: t.addr, packet: parsed})
	}
	return nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.network.mu.Lock()
	delete(t.network.endpoints, t.addr.String())
	t.network.mu.Unlock()
	return nil
}

func (t *memTransport) LocalAddr() net.Addr {
	return t.addr
}

func (t *memTransport) RegisterHandler(packetType transport.PacketType, handler transport.PacketHandler) {
	t.handlers.Register(packetType, handler)
}

func (t *memTransport) deliver(packet *transport.Packet, from net.Addr) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if !closed {
		t.handlers.Dispatch(packet, from)
	}
}
