// Package envelope defines the immutable wire unit exchanged between agents
// and the factory that constructs it.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-agents/fabric/fabriterr"
)

// Type classifies the intent of an envelope.
type Type string

const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeTaskProposal Type = "task-proposal"
	TypeTaskAccept   Type = "task-accept"
	TypeTaskReject   Type = "task-reject"
	TypeStreamStart  Type = "stream-start"
	TypeStreamData   Type = "stream-data"
	TypeStreamEnd    Type = "stream-end"
	TypeHeartbeat    Type = "heartbeat"
	TypeError        Type = "error"
)

// Broadcast is the wildcard recipient meaning "every other registered agent".
const Broadcast = "*"

// SchemaVersion is the only envelope wire format this package understands.
const SchemaVersion = 1

// MetaTier, MetaSandboxID and MetaRoutingHint are the well-known metadata
// keys the router and factory read and write.
const (
	MetaTier               = "tier"
	MetaSandboxID          = "sandboxId"
	MetaRoutingHint        = "capability"
	MetaEscalationJustify  = "escalationJustification"
)

// Envelope is the immutable wire unit for inter-agent messages.
type Envelope struct {
	ID            string            `json:"id"`
	SchemaVersion int               `json:"schemaVersion"`
	Sender        string            `json:"sender"`
	Recipient     string            `json:"recipient"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Type          Type              `json:"type"`
	Timestamp     int64             `json:"timestamp"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// wireEnvelope mirrors the §6 JSON format, where tier/sandboxId/routingHint
// live nested under "metadata" rather than flat on the envelope.
type wireEnvelope struct {
	ID            string          `json:"id"`
	SchemaVersion int             `json:"schemaVersion"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Type          Type            `json:"type"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      *wireMetadata   `json:"metadata,omitempty"`
}

type wireMetadata struct {
	Tier        string `json:"tier,omitempty"`
	SandboxID   string `json:"sandboxId,omitempty"`
	RoutingHint string `json:"routingHint,omitempty"`
}

// Serialize renders the envelope in its §6 JSON wire form.
func Serialize(e *Envelope) ([]byte, error) {
	w := wireEnvelope{
		ID:            e.ID,
		SchemaVersion: e.SchemaVersion,
		Sender:        e.Sender,
		Recipient:     e.Recipient,
		CorrelationID: e.CorrelationID,
		Type:          e.Type,
		Timestamp:     e.Timestamp,
		Payload:       e.Payload,
	}
	if len(e.Metadata) > 0 {
		w.Metadata = &wireMetadata{
			Tier:        e.Metadata[MetaTier],
			SandboxID:   e.Metadata[MetaSandboxID],
			RoutingHint: e.Metadata[MetaRoutingHint],
		}
	}
	return json.Marshal(w)
}

// Deserialize parses the §6 JSON wire form back into an Envelope. An unknown
// schema version fails fast with a schema-mismatch error.
func Deserialize(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if w.SchemaVersion != SchemaVersion {
		return nil, fabriterr.New(fabriterr.SchemaMismatch, "envelope: unsupported schemaVersion %d", w.SchemaVersion)
	}
	e := &Envelope{
		ID:            w.ID,
		SchemaVersion: w.SchemaVersion,
		Sender:        w.Sender,
		Recipient:     w.Recipient,
		CorrelationID: w.CorrelationID,
		Type:          w.Type,
		Timestamp:     w.Timestamp,
		Payload:       w.Payload,
	}
	if w.Metadata != nil {
		e.Metadata = make(map[string]string, 3)
		if w.Metadata.Tier != "" {
			e.Metadata[MetaTier] = w.Metadata.Tier
		}
		if w.Metadata.SandboxID != "" {
			e.Metadata[MetaSandboxID] = w.Metadata.SandboxID
		}
		if w.Metadata.RoutingHint != "" {
			e.Metadata[MetaRoutingHint] = w.Metadata.RoutingHint
		}
	}
	return e, nil
}

// Factory constructs envelopes bound to a fixed sender agent, attaching
// sender tier and sandbox metadata when present.
type Factory struct {
	Sender    string
	SandboxID string
	Tier      string
}

// NewFactory returns a Factory bound to the given sender.
func NewFactory(sender, tier, sandboxID string) *Factory {
	return &Factory{Sender: sender, Tier: tier, SandboxID: sandboxID}
}

// Option customizes an envelope at construction time.
type Option func(*Envelope)

// WithCorrelationID overrides the correlation id the factory would otherwise
// generate or omit.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithRoutingHint marks the envelope's recipient field as a capability name
// rather than an agent id.
func WithRoutingHint(capability string) Option {
	return func(e *Envelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[MetaRoutingHint] = capability
	}
}

// WithEscalationJustification attaches the metadata field the router's L2→L0/L1
// gate checks for, sparing callers from knowing the exact key name.
func WithEscalationJustification(reason string) Option {
	return func(e *Envelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[MetaEscalationJustify] = reason
	}
}

// create assigns a fresh unique id, stamps the wall clock, and attaches
// sender tier/sandbox metadata.
func (f *Factory) create(typ Type, recipient string, payload any, opts ...Option) (*Envelope, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	e := &Envelope{
		ID:            uuid.New().String(),
		SchemaVersion: SchemaVersion,
		Sender:        f.Sender,
		Recipient:     recipient,
		Type:          typ,
		Timestamp:     time.Now().UnixMilli(),
		Payload:       body,
	}
	if f.Tier != "" || f.SandboxID != "" {
		e.Metadata = make(map[string]string, 2)
		if f.Tier != "" {
			e.Metadata[MetaTier] = f.Tier
		}
		if f.SandboxID != "" {
			e.Metadata[MetaSandboxID] = f.SandboxID
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// CreateEnvelope is the general constructor behind every convenience method.
func (f *Factory) CreateEnvelope(typ Type, recipient string, payload any, opts ...Option) (*Envelope, error) {
	return f.create(typ, recipient, payload, opts...)
}

// CreateRequest builds a request envelope.
func (f *Factory) CreateRequest(recipient string, payload any, opts ...Option) (*Envelope, error) {
	return f.create(TypeRequest, recipient, payload, opts...)
}

// CreateResponse builds a response envelope, requiring and preserving the
// correlation id of the request it answers (E2).
func (f *Factory) CreateResponse(recipient, correlationID string, payload any, opts ...Option) (*Envelope, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("envelope: create_response requires a correlation id")
	}
	opts = append([]Option{WithCorrelationID(correlationID)}, opts...)
	return f.create(TypeResponse, recipient, payload, opts...)
}

// CreateNotification builds a broadcast envelope (recipient fixed to "*").
func (f *Factory) CreateNotification(payload any, opts ...Option) (*Envelope, error) {
	return f.create(TypeNotification, Broadcast, payload, opts...)
}

// CreateTaskProposal builds a task-proposal envelope, generating a fresh
// correlation id unless one is supplied via WithCorrelationID.
func (f *Factory) CreateTaskProposal(recipient string, payload any, opts ...Option) (*Envelope, error) {
	e, err := f.create(TypeTaskProposal, recipient, payload, opts...)
	if err != nil {
		return nil, err
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}
	return e, nil
}
