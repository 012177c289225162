// Package transport defines the Transport interface consumed by channels
// (§6) and provides a local in-process implementation used by this
// package's tests. Remote-stream and websocket transports are
// the consuming application's responsibility.
package transport

import (
	"context"
	"fmt"

	"github.com/lattice-agents/fabric/envelope"
)

// Transport is the external collaborator a Channel sends bytes through.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	OnReceive(handler func([]byte))
	Close() error
}

// Local is an in-memory byte transport pairing two endpoints: Send hands the
// bytes synchronously to the peer's OnReceive handler. It does no encoding
// itself; wrapped in an EnvelopeTransport, it carries envelopes in their
// serialized wire form, and decoding is left to the receiving handler.
type Local struct {
	peer    *Local
	handler func([]byte)
	closed  bool
}

// NewLocalPair returns two Local transports wired to each other.
func NewLocalPair() (a, b *Local) {
	a = &Local{}
	b = &Local{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Local) Send(_ context.Context, data []byte) error {
	if l.closed {
		return fmt.Errorf("transport: closed")
	}
	if l.peer != nil && l.peer.handler != nil {
		l.peer.handler(data)
	}
	return nil
}

func (l *Local) OnReceive(handler func([]byte)) {
	l.handler = handler
}

func (l *Local) Close() error {
	l.closed = true
	return nil
}

// EnvelopeTransport adapts a byte-oriented Transport to the
// channel.Transport interface (Send(ctx, *envelope.Envelope) error) by
// serializing through the wire format.
type EnvelopeTransport struct {
	Underlying Transport
}

// Send serializes env and writes it to the underlying byte transport.
func (t *EnvelopeTransport) Send(ctx context.Context, env *envelope.Envelope) error {
	data, err := envelope.Serialize(env)
	if err != nil {
		return fmt.Errorf("transport: serialize: %w", err)
	}
	return t.Underlying.Send(ctx, data)
}
