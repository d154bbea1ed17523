package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// UDPTransport implements Transport over a single UDP socket. Packets are
// dispatched to handlers from one reader goroutine, in arrival order.
type UDPTransport struct {
	conn     net.PacketConn
	handlers Handlers
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	go t.processPackets()

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.handlers.Register(packetType, handler)
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport and waits for the reader to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// processPackets reads and dispatches packets until the transport closes.
func (t *UDPTransport) processPackets() {
	defer close(t.done)

	buffer := make([]byte, MaxPacketSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and processes a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if t.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "processIncomingPacket",
				"error":    err.Error(),
			}).Debug("UDP read failed")
		}
		return
	}

	packet, err := ParsePacket(buffer[:n])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed packet")
		return
	}

	t.dispatchPacketToHandler(packet, addr)
}

// dispatchPacketToHandler runs the handler inline so per-peer ordering is
// preserved.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	if _, err := t.handlers.Dispatch(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatchPacketToHandler",
			"packet_type": packet.PacketType,
			"from":        addr.String(),
			"error":       err.Error(),
		}).Debug("Packet handler returned error")
	}
}
