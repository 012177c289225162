// Package crdtsync implements the CRDT propagation channel: broadcasting
// local operations under a vector clock and merging incoming updates with
// causal-confluence guarantees.
package crdtsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lattice-agents/fabric/envelope"
	"github.com/lattice-agents/fabric/fabriterr"
	"github.com/lattice-agents/fabric/observability"
	"github.com/lattice-agents/fabric/router"
)

// Message is a CRDT Sync Message (§3).
type Message struct {
	OperationID string         `json:"operationId"`
	VectorClock map[string]int `json:"vectorClock"`
	Payload     any            `json:"payload"`
	LogName     string         `json:"logName"`
	Sequence    int            `json:"sequence"`
}

// UpdateHandler is notified for every successfully applied update.
type UpdateHandler func(msg Message)

// Channel is bound to a local agent id and holds its vector clock.
type Channel struct {
	selfID  string
	logName string
	factory *envelope.Factory
	router  *router.Router
	sink    *observability.Sink

	mu     sync.Mutex
	clock  map[string]int
	seq    int
	closed bool

	errLogMu sync.Mutex
	errLog   []string

	handlersMu sync.RWMutex
	handlers   map[int64]UpdateHandler
	nextID     int64
}

// New constructs a CRDT sync channel for the given log name, bound to
// selfID, with its vector clock initialized to the zero mapping.
func New(selfID, logName string, factory *envelope.Factory, r *router.Router, sink *observability.Sink) *Channel {
	return &Channel{
		selfID:   selfID,
		logName:  logName,
		factory:  factory,
		router:   r,
		sink:     sink,
		clock:    make(map[string]int),
		handlers: make(map[int64]UpdateHandler),
	}
}

// Broadcast increments clock[self], constructs a stream-data envelope
// carrying a vector-clock snapshot, and sends it as a broadcast.
func (c *Channel) Broadcast(ctx context.Context, payload any) (Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, fabriterr.New(fabriterr.StateViolation, "crdt channel %q is closed", c.logName)
	}
	c.clock[c.selfID]++
	c.seq++
	msg := Message{
		OperationID: uuid.New().String(),
		VectorClock: snapshot(c.clock),
		Payload:     payload,
		LogName:     c.logName,
		Sequence:    c.seq,
	}
	c.mu.Unlock()

	env, err := c.factory.CreateEnvelope(envelope.TypeStreamData, envelope.Broadcast, msg)
	if err != nil {
		return Message{}, fmt.Errorf("crdtsync: build broadcast envelope: %w", err)
	}
	result := c.router.Send(ctx, env)
	if result.Err != nil {
		return Message{}, fmt.Errorf("crdtsync: broadcast: %w", result.Err)
	}
	return msg, nil
}

// ApplyUpdate merges an incoming message's clock into the local clock and
// notifies handlers. A message failing schema validation is logged and
// returns false — it never panics or halts the caller.
func (c *Channel) ApplyUpdate(env *envelope.Envelope) bool {
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		c.logIngestError(fmt.Sprintf("decode: %v", err))
		return false
	}
	if msg.OperationID == "" || msg.VectorClock == nil {
		c.logIngestError("missing operationId or vectorClock")
		return false
	}

	c.mu.Lock()
	for k, v := range msg.VectorClock {
		if v > c.clock[k] {
			c.clock[k] = v
		}
	}
	c.mu.Unlock()

	c.sink.Emit(observability.Event{
		Type:        observability.EventCRDTMerge,
		EnvelopeID:  env.ID,
		Sender:      env.Sender,
		MessageType: string(env.Type),
		Success:     boolPtr(true),
	})

	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	for _, h := range c.handlers {
		h(msg)
	}
	return true
}

func (c *Channel) logIngestError(reason string) {
	c.errLogMu.Lock()
	c.errLog = append(c.errLog, reason)
	c.errLogMu.Unlock()
	c.sink.Emit(observability.Event{
		Type:    observability.EventCRDTIngestFail,
		Success: boolPtr(false),
	})
}

// ErrorLog returns every malformed-message reason logged by ApplyUpdate.
func (c *Channel) ErrorLog() []string {
	c.errLogMu.Lock()
	defer c.errLogMu.Unlock()
	out := make([]string, len(c.errLog))
	copy(out, c.errLog)
	return out
}

// Unsubscribe removes a previously-registered update handler.
type Unsubscribe func()

// OnUpdate registers a handler notified by every successful ApplyUpdate.
func (c *Channel) OnUpdate(h UpdateHandler) Unsubscribe {
	c.handlersMu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

// GetVectorClock returns a snapshot of the local clock.
func (c *Channel) GetVectorClock() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.clock)
}

// Close marks the channel closed; further broadcasts fail.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func snapshot(clock map[string]int) map[string]int {
	out := make(map[string]int, len(clock))
	for k, v := range clock {
		out[k] = v
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
