package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge/engine/flow/store"
	"github.com/flowforge/engine/flow/value"
)

// ServiceLookup resolves a host-provided business service by name, letting
// step bodies reach collaborators (an exchange client, a KYC provider, a
// mailer) without the engine knowing anything about them.
type ServiceLookup func(name string) (any, bool)

// ecShared holds everything that must be genuinely shared (the same lock,
// the same record, the same runtime map) across every ExecutionContext
// derived for one flow run, including the parallel sub-step copies the
// Executor hands to concurrent dynamic-branch goroutines. ExecutionContext
// itself stays cheap to copy by value since it only ever holds a pointer
// to one of these.
type ecShared struct {
	record   *store.FlowRecord
	services ServiceLookup

	dataMu sync.Mutex

	runtimeMu sync.RWMutex
	runtime   map[string]any
}

// ExecutionContext is the per-call carrier a step body receives: a handle
// to the live flow snapshot, the step currently executing, a cancellation
// signal, host service lookup, and a non-persisted runtime store for
// handles that must never reach a snapshot.
//
// All mutation of the flow's data map happens through ExecutionContext's
// setters; concurrent sub-steps under a parallel branch each hold their
// own ExecutionContext value (distinct ctx, distinct currentStep) backed
// by one shared ecShared, so writes still serialize through a single
// mutex no matter how many copies exist.
type ExecutionContext struct {
	ctx         context.Context
	currentStep string
	shared      *ecShared
}

// newExecutionContext wraps a live record for a single Executor run. It is
// unexported: hosts never construct one directly, only step bodies that
// receive one as an argument.
func newExecutionContext(ctx context.Context, rec *store.FlowRecord, services ServiceLookup) *ExecutionContext {
	return &ExecutionContext{
		ctx: ctx,
		shared: &ecShared{
			record:   rec,
			services: services,
			runtime:  make(map[string]any),
		},
	}
}

// withContext returns a derived ExecutionContext sharing this one's record
// and locks but scoped to a different context.Context, used to apply a
// per-attempt timeout without racing concurrent sub-steps over a mutable
// field.
func (ec *ExecutionContext) withContext(ctx context.Context) *ExecutionContext {
	derived := *ec
	derived.ctx = ctx
	return &derived
}

// withStep returns a derived ExecutionContext reporting a different
// CurrentStep, used for sub-steps running inside a branch.
func (ec *ExecutionContext) withStep(name string) *ExecutionContext {
	derived := *ec
	derived.currentStep = name
	return &derived
}

// record exposes the underlying FlowRecord to package-internal callers
// (the Executor) that need direct access for bookkeeping beyond the
// data/runtime helpers exposed to step bodies.
func (ec *ExecutionContext) record() *store.FlowRecord { return ec.shared.record }

// Context returns the underlying context.Context, carrying cancellation and
// deadlines. Step bodies should select on Context().Done() during long I/O.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// FlowID returns the identity of the flow being executed.
func (ec *ExecutionContext) FlowID() string { return ec.shared.record.FlowID }

// CurrentStep returns the name of the step whose body is running.
func (ec *ExecutionContext) CurrentStep() string { return ec.currentStep }

// Service resolves a host-registered business service by name.
func (ec *ExecutionContext) Service(name string) (any, bool) {
	if ec.shared.services == nil {
		return nil, false
	}
	return ec.shared.services(name)
}

// HasData reports whether key is present in the flow's data map.
func (ec *ExecutionContext) HasData(key string) bool {
	ec.shared.dataMu.Lock()
	defer ec.shared.dataMu.Unlock()
	_, ok := ec.shared.record.Data[key]
	return ok
}

// SetData encodes v through the Safe Value Encoder and stores it under key
// in the flow's data map. Last writer wins.
func (ec *ExecutionContext) SetData(key string, v any) {
	ec.shared.dataMu.Lock()
	defer ec.shared.dataMu.Unlock()
	if ec.shared.record.Data == nil {
		ec.shared.record.Data = make(map[string]value.SafeValue)
	}
	ec.shared.record.Data[key] = value.Encode(v)
}

// setEncoded stores an already-encoded value, used internally to merge a
// step result's produced data without a decode/re-encode round trip.
func (ec *ExecutionContext) setEncoded(key string, sv value.SafeValue) {
	ec.shared.dataMu.Lock()
	defer ec.shared.dataMu.Unlock()
	if ec.shared.record.Data == nil {
		ec.shared.record.Data = make(map[string]value.SafeValue)
	}
	ec.shared.record.Data[key] = sv
}

// GetData decodes the value stored under key into T.
func GetData[T any](ec *ExecutionContext, key string) (T, error) {
	ec.shared.dataMu.Lock()
	sv, ok := ec.shared.record.Data[key]
	ec.shared.dataMu.Unlock()
	var zero T
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrMissingData, key)
	}
	out, err := value.DecodeAs[T](sv)
	if err != nil {
		return zero, fmt.Errorf("%w: %q: %v", ErrTypeMismatch, key, err)
	}
	return out, nil
}

// GetRuntime retrieves a non-persisted runtime handle stored under key.
func GetRuntime[T any](ec *ExecutionContext, key string) (T, bool) {
	ec.shared.runtimeMu.RLock()
	defer ec.shared.runtimeMu.RUnlock()
	var zero T
	v, ok := ec.shared.runtime[key]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// SetRuntime stores a non-persisted runtime handle (e.g. a live network
// client) under key. Runtime values never appear in a snapshot.
func (ec *ExecutionContext) SetRuntime(key string, v any) {
	ec.shared.runtimeMu.Lock()
	defer ec.shared.runtimeMu.Unlock()
	ec.shared.runtime[key] = v
}

// snapshotData returns a defensive copy of the flow's current data map.
func (ec *ExecutionContext) snapshotData() map[string]value.SafeValue {
	ec.shared.dataMu.Lock()
	defer ec.shared.dataMu.Unlock()
	out := make(map[string]value.SafeValue, len(ec.shared.record.Data))
	for k, v := range ec.shared.record.Data {
		out[k] = v
	}
	return out
}
