package flow

import (
	"context"

	"go.uber.org/zap"
)

// Event is an observability event describing one meaningful transition
// during flow execution, handed to an Emitter. It is distinct from
// store.Event: this is the live, in-process notification; store.Event is
// the durable, persisted record appended to a flow's event log.
type Event struct {
	FlowID   string
	FlowKind string
	StepName string
	Type     string
	Message  string
	Data     map[string]any
}

// Emitter receives observability events from the Executor. Implementations
// must be non-blocking and safe for concurrent use: many flows run at
// once, each with its own single-writer goroutine calling Emit.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}

// NullEmitter discards every event. It is the default when a host does not
// configure observability.
type NullEmitter struct{}

func (NullEmitter) Emit(Event)                             {}
func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }
func (NullEmitter) Flush(context.Context) error             { return nil }

// ZapEmitter writes every event as a structured log line through a
// zap.Logger, one log entry per event at Info level (Error level when
// Type indicates a failure).
type ZapEmitter struct {
	log *zap.Logger
}

// NewZapEmitter wraps an existing zap.Logger. A nil logger falls back to
// zap.NewNop() so callers never need a nil check.
func NewZapEmitter(log *zap.Logger) *ZapEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapEmitter{log: log}
}

func (z *ZapEmitter) Emit(event Event) {
	fields := []zap.Field{
		zap.String("flowId", event.FlowID),
		zap.String("flowKind", event.FlowKind),
		zap.String("step", event.StepName),
		zap.String("type", event.Type),
	}
	if len(event.Data) > 0 {
		fields = append(fields, zap.Any("data", event.Data))
	}
	if event.Type == "StepFailed" || event.Type == "FlowFailed" {
		z.log.Error(event.Message, fields...)
		return
	}
	z.log.Info(event.Message, fields...)
}

func (z *ZapEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		z.Emit(e)
	}
	return nil
}

func (z *ZapEmitter) Flush(_ context.Context) error {
	return z.log.Sync()
}

// BufferedEmitter captures events in memory, keyed by flow id, for tests
// and for short-lived debugging sessions that want to inspect what an
// Executor run emitted.
type BufferedEmitter struct {
	mu     chan struct{}
	events map[string][]Event
}

// NewBufferedEmitter constructs an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	b := &BufferedEmitter{mu: make(chan struct{}, 1), events: make(map[string][]Event)}
	b.mu <- struct{}{}
	return b
}

func (b *BufferedEmitter) Emit(event Event) {
	<-b.mu
	b.events[event.FlowID] = append(b.events[event.FlowID], event)
	b.mu <- struct{}{}
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

func (b *BufferedEmitter) Flush(context.Context) error { return nil }

// History returns a copy of every event recorded for flowID.
func (b *BufferedEmitter) History(flowID string) []Event {
	<-b.mu
	defer func() { b.mu <- struct{}{} }()
	out := make([]Event, len(b.events[flowID]))
	copy(out, b.events[flowID])
	return out
}
