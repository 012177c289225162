// Package channel implements the persistent bidirectional link between two
// agents: a state machine over connecting/open/reconnecting/closed, an
// ordered per-channel queue, and bounded retry with exponential backoff.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/lattice-agents/fabric/envelope"
	"github.com/lattice-agents/fabric/fabriterr"
	"github.com/lattice-agents/fabric/observability"
)

// State is one of the four channel lifecycle states.
type State string

const (
	StateConnecting  State = "connecting"
	StateOpen        State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed      State = "closed"
)

// maxRetries bounds channel send retries per §4.5 ("up to 3 attempts").
const maxRetries = 3

// Transport is the per-channel send primitive a remote channel delegates to.
// Local channels use a no-op transport that always succeeds; remote
// transports are supplied by the caller (see the transport package).
type Transport interface {
	Send(ctx context.Context, env *envelope.Envelope) error
}

// localTransport is used when a channel has no remote transport wired in —
// local channels transition straight to open and never fail a send at the
// transport layer.
type localTransport struct{}

func (localTransport) Send(context.Context, *envelope.Envelope) error { return nil }

// Deliver is invoked, in order, for every envelope that reaches open state.
type Deliver func(ctx context.Context, env *envelope.Envelope)

// Channel is a bidirectional link between a local and a remote agent.
type Channel struct {
	ID          string
	LocalAgent  string
	RemoteAgent string

	mu        sync.Mutex
	state     State
	transport Transport
	deliver   Deliver
	sink      *observability.Sink

	queue   chan queuedSend
	closeCh chan struct{}
	wg      sync.WaitGroup

	errLogMu sync.Mutex
	errLog   []error
}

type queuedSend struct {
	env   *envelope.Envelope
	onAck func(error)
}

// New constructs a channel in state "connecting". If transport is nil, the
// channel behaves as a local in-process link and opens immediately; a
// non-nil transport models a remote link whose open transition is driven by
// Open() being called once the transport acknowledges.
func New(id, localAgent, remoteAgent string, transport Transport, deliver Deliver) *Channel {
	return newChannel(id, localAgent, remoteAgent, transport, deliver, nil)
}

func newChannel(id, localAgent, remoteAgent string, transport Transport, deliver Deliver, sink *observability.Sink) *Channel {
	if transport == nil {
		transport = localTransport{}
	}
	c := &Channel{
		ID:          id,
		LocalAgent:  localAgent,
		RemoteAgent: remoteAgent,
		state:       StateConnecting,
		transport:   transport,
		deliver:     deliver,
		sink:        sink,
		queue:       make(chan queuedSend, 256),
		closeCh:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()

	if _, isLocal := transport.(localTransport); isLocal {
		c.Open()
	}
	return c
}

// SetSink wires the observability sink channel lifecycle and delivery
// failure events are emitted to. A nil sink (the default) disables emission.
func (c *Channel) SetSink(sink *observability.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Open transitions connecting (or reconnecting) -> open. It is a no-op if
// already open.
func (c *Channel) Open() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state == StateOpen
	c.state = StateOpen
	sink := c.sink
	c.mu.Unlock()

	if !wasOpen && sink != nil {
		sink.Emit(observability.Event{
			Type:      observability.EventChannelOpened,
			Sender:    c.LocalAgent,
			Recipient: c.RemoteAgent,
			Path:      c.ID,
			Success:   boolPtr(true),
		})
	}
}

// Reconnecting transitions open -> reconnecting, modelling a remote
// transport disconnect. No-op for channels already closed.
func (c *Channel) Reconnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateReconnecting
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send enqueues an envelope for in-order delivery. onAck, if non-nil, is
// invoked asynchronously once the send either succeeds or exhausts retries —
// it never blocks the caller.
func (c *Channel) Send(env *envelope.Envelope, onAck func(error)) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateClosed {
		return fabriterr.New(fabriterr.StateViolation, "channel %q is closed", c.ID)
	}

	select {
	case c.queue <- queuedSend{env: env, onAck: onAck}:
		return nil
	case <-c.closeCh:
		return fabriterr.New(fabriterr.StateViolation, "channel %q is closed", c.ID)
	}
}

// run is the channel's single consumer goroutine: it drains the queue
// strictly in order, guaranteeing the FIFO property (O1) without ever
// holding a lock across the retry/backoff suspension.
func (c *Channel) run() {
	defer c.wg.Done()
	for {
		select {
		case qs, ok := <-c.queue:
			if !ok {
				return
			}
			err := c.sendWithRetry(qs.env)
			if err != nil {
				c.recordError(err)
				c.emitDeliveryFailed(qs.env, err)
			}
			if qs.onAck != nil {
				qs.onAck(err)
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Channel) sendWithRetry(env *envelope.Envelope) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := c.transport.Send(context.Background(), env); err == nil {
			if c.deliver != nil {
				c.deliver(context.Background(), env)
			}
			return nil
		} else {
			lastErr = err
		}
		backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-c.closeCh:
			return fabriterr.New(fabriterr.DeliveryFailed, "channel %q closed mid-retry: %v", c.ID, lastErr)
		}
	}
	return fabriterr.New(fabriterr.DeliveryFailed, "channel %q: retries exhausted: %v", c.ID, lastErr)
}

func (c *Channel) recordError(err error) {
	c.errLogMu.Lock()
	defer c.errLogMu.Unlock()
	c.errLog = append(c.errLog, err)
}

// ErrorLog returns every delivery-failure error recorded so far.
func (c *Channel) ErrorLog() []error {
	c.errLogMu.Lock()
	defer c.errLogMu.Unlock()
	out := make([]error, len(c.errLog))
	copy(out, c.errLog)
	return out
}

// emitDeliveryFailed surfaces a retry-exhausted delivery as an observability
// event (§7), in addition to the ErrorLog every failure is already recorded to.
func (c *Channel) emitDeliveryFailed(env *envelope.Envelope, err error) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	sink.Emit(observability.Event{
		Type:        observability.EventDeliveryFailed,
		EnvelopeID:  env.ID,
		Sender:      c.LocalAgent,
		Recipient:   c.RemoteAgent,
		MessageType: string(env.Type),
		Path:        c.ID,
		Success:     boolPtr(false),
	})
}

// Close transitions the channel to closed, releasing buffered state. Future
// sends fail with a state-violation error; a send already in flight is not
// interrupted.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	sink := c.sink
	c.mu.Unlock()

	close(c.closeCh)
	c.wg.Wait()

	if sink != nil {
		sink.Emit(observability.Event{
			Type:      observability.EventChannelClosed,
			Sender:    c.LocalAgent,
			Recipient: c.RemoteAgent,
			Path:      c.ID,
			Success:   boolPtr(true),
		})
	}
}

func boolPtr(b bool) *bool { return &b }
