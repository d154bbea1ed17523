// Package transport moves file-transfer packets between peers.
//
// # Packets
//
// Every datagram is a one-byte PacketType followed by a payload:
//
//	[packet type (1 byte)][data (variable length)]
//
// The payload layouts are owned by package wire; transport only frames and
// dispatches them.
//
// # Transports
//
// The Transport interface is the seam between the wire engine and the
// network:
//
//	type Transport interface {
//	    Send(packet *Packet, addr net.Addr) error
//	    Close() error
//	    LocalAddr() net.Addr
//	    RegisterHandler(packetType PacketType, handler PacketHandler)
//	}
//
// UDPTransport is the production implementation. It reads from a single
// goroutine and invokes handlers inline, so packets from one peer reach the
// file tracker in the order they arrived. Handlers must not block for long.
// Other implementations can reuse the same dispatch table, Handlers.
//
//	t, err := transport.NewUDPTransport(":33445")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Close()
//
//	t.RegisterHandler(transport.PacketFileData, func(p *transport.Packet, addr net.Addr) error {
//	    // decode and hand to the tracker
//	    return nil
//	})
package transport
