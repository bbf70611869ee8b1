// Package session implements the server-side per-client state machine:
// handshake phases, plug-in negotiation, the UDP ticket handshake, name
// uniquification, ping/pong, and the disconnect fan-out that notifies every
// participating plug-in exactly once, in reverse registration order.
package session

import (
	"context"
	"crypto/md5"
	"time"

	"vci/server/internal/plugin"
	"vci/server/internal/proto"
	"vci/server/internal/wire"
)

// Conn is the per-client transport a client's session state is built on
// top of: either internal/transport's WebTransport/QUIC wrapper (the
// primary dual-transport path) or internal/wsfallback's reliable-only
// websocket adapter. The core never depends on either package directly,
// only on this interface, so adding a third transport needs no change here.
//
// MessageKey/DatagramKey/CloseKey name the dispatcher events this Conn
// posts under; Accept reads them from the Conn itself rather than
// generating its own, since the Conn had to know them already to build the
// goroutines (or, for a synchronously-driven transport like wsfallback,
// the accept callback) that call dispatch.Dispatcher.Post.
type Conn interface {
	QueueMessage(m *wire.MessageBuffer)
	SendDatagram(payload []byte) error
	SetSwapOnRead(swap bool)
	SwapOnRead() bool
	Close()
	Start(ctx context.Context)
	MessageKey() string
	DatagramKey() string
	CloseKey() string
}

// phase enumerates a client connection's progress through the handshake.
type phase int

const (
	phaseAwaitingConnect phase = iota
	phaseAwaitingUDP
	phaseConnected
	phaseClosed
)

// client is one connected client's server-side session state. All fields
// are touched only from the dispatcher goroutine; the Conn's reader/writer/
// datagram pumps only ever Post events referencing this client, never
// mutate it directly.
type client struct {
	id    proto.ClientID
	name  string
	phase phase

	conn Conn

	nonce [proto.NonceLen]byte

	udpTicket    uint32
	udpAttempts  int
	udpConnected bool

	// participating lists, in registration order, the plug-ins
	// this client was admitted into during the handshake. Disconnect fan-
	// out walks this slice in reverse.
	participating []*plugin.Loaded

	connectedAt time.Time
}

// hashPassword computes MD5(nonce || password), the ConnectRequest.Hash
// value used for the shared-password check.
func hashPassword(nonce [proto.NonceLen]byte, password string) [proto.HashLen]byte {
	h := md5.New()
	h.Write(nonce[:])
	h.Write([]byte(password))
	var out [proto.HashLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// send queues m for delivery to this client's reliable stream.
func (c *client) send(m *wire.MessageBuffer) {
	c.conn.QueueMessage(m)
}
