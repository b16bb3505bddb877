// Package schema defines the envelope and payload types carried on the event log.
package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/5TFG4/Weaver-sub000/errs"
)

// Kind distinguishes events from commands on the log.
type Kind string

const (
	// KindEvent marks a fact that has already happened.
	KindEvent Kind = "evt"
	// KindCommand marks a request for something to happen.
	KindCommand Kind = "cmd"
)

// Type is a dotted event namespace such as "orders.Placed".
type Type string

// Namespace returns the segment before the first dot, or the whole type.
func (t Type) Namespace() string {
	if idx := strings.IndexByte(string(t), '.'); idx >= 0 {
		return string(t)[:idx]
	}
	return string(t)
}

// Suffix returns the segment after the first dot, or "".
func (t Type) Suffix() string {
	if idx := strings.IndexByte(string(t), '.'); idx >= 0 {
		return string(t)[idx+1:]
	}
	return ""
}

// SchemaVersion is stamped on every envelope produced by this process.
const SchemaVersion = "1"

// Envelope is the single transport unit crossing component boundaries.
// Envelopes are immutable once constructed; derived events get fresh ids.
type Envelope struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Type        Type              `json:"type"`
	Version     string            `json:"version"`
	RunID       string            `json:"runId,omitempty"`
	CorrID      string            `json:"corrId"`
	CausationID string            `json:"causationId,omitempty"`
	TraceID     string            `json:"traceId,omitempty"`
	TS          time.Time         `json:"ts"`
	Producer    string            `json:"producer"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

// Option customises an envelope under construction.
type Option func(*Envelope)

// WithRunID scopes the envelope to a run.
func WithRunID(runID string) Option {
	return func(e *Envelope) { e.RunID = runID }
}

// WithCorrID pins the correlation chain id instead of minting a fresh one.
func WithCorrID(corrID string) Option {
	return func(e *Envelope) { e.CorrID = corrID }
}

// WithTraceID attaches a distributed-tracing id.
func WithTraceID(traceID string) Option {
	return func(e *Envelope) { e.TraceID = traceID }
}

// WithTS overrides the creation instant (simulated time in backtests).
func WithTS(ts time.Time) Option {
	return func(e *Envelope) { e.TS = ts.UTC() }
}

// WithHeader adds one free-form header pair.
func WithHeader(key, value string) Option {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string, 1)
		}
		e.Headers[key] = value
	}
}

// New constructs a root envelope with a fresh id and correlation chain.
// The payload is encoded immediately so later mutation cannot leak in.
func New(kind Kind, typ Type, producer string, payload any, opts ...Option) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		ID:       uuid.NewString(),
		Kind:     kind,
		Type:     typ,
		Version:  SchemaVersion,
		CorrID:   uuid.NewString(),
		TS:       time.Now().UTC(),
		Producer: strings.TrimSpace(producer),
		Payload:  raw,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	if env.Type == "" {
		return Envelope{}, errs.New("schema/envelope", errs.CodeValidation, errs.WithMessage("event type required"))
	}
	return env, nil
}

// Derive constructs an envelope caused by source: fresh id, source's corr_id,
// causation_id = source.id, and the source's run and trace scope.
func Derive(source Envelope, kind Kind, typ Type, producer string, payload any, opts ...Option) (Envelope, error) {
	env, err := New(kind, typ, producer, payload, opts...)
	if err != nil {
		return Envelope{}, err
	}
	env.CorrID = source.CorrID
	env.CausationID = source.ID
	if env.RunID == "" {
		env.RunID = source.RunID
	}
	if env.TraceID == "" {
		env.TraceID = source.TraceID
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	return env, nil
}

// DecodePayload unmarshals the payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errs.New("schema/envelope", errs.CodeValidation, errs.WithMessage("empty payload"))
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return errs.New("schema/envelope", errs.CodeValidation,
			errs.WithMessage("decode payload"), errs.WithCause(err))
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errs.New("schema/envelope", errs.CodeValidation,
				errs.WithMessage("encode payload"), errs.WithCause(err))
		}
		return json.RawMessage(raw), nil
	}
}
