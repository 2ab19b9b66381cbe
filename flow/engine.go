package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/engine/flow/store"
	"github.com/flowforge/engine/flow/value"
)

// Options configures an Engine.
type Options struct {
	Store    store.Store
	Registry *Registry
	Services ServiceLookup
	Emitter  Emitter
	Metrics  *Metrics

	// MaxConcurrentSubSteps overrides DefaultMaxConcurrentSubSteps for
	// every dynamic-parallel branch that does not set its own cap.
	MaxConcurrentSubSteps int

	// RecoveryStaleAfter and RecoveryPurgeRetention configure the
	// background Recovery Service; both default to spec's suggested
	// values (30m, 0 meaning no purge) when zero.
	RecoveryStaleAfter     time.Duration
	RecoveryPurgeRetention time.Duration

	// ResumePollInterval is how often the host should call
	// Engine.PollResumeConditions (typically from a ticker at startup).
	ResumePollInterval time.Duration
}

// Health is the snapshot Engine.Health returns.
type Health struct {
	Running        int
	Paused         int
	RecentFailures int
	Healthy        bool
	CheckedAt      time.Time
}

// Statistics is the snapshot Engine.Statistics returns over a trailing
// window.
type Statistics struct {
	Total            int
	Completed        int
	Failed           int
	Running          int
	Paused           int
	Cancelled        int
	SuccessRate      float64
	ByKind           map[string]int
	FailuresByReason map[string]int
	AvgExecution     time.Duration
}

// Timeline is the ordered event history of one flow, suitable for
// rendering an audit trail.
type Timeline struct {
	FlowID string
	Events []store.Event
}

// Engine is the host-facing API wiring the Store, Registry, Executor,
// Pause/Resume Controller, and Recovery Service together,
// "Host ↔ Engine").
type Engine struct {
	store    store.Store
	registry *Registry
	executor *Executor
	ctrl     *Controller
	recovery *Recovery
	emitter  Emitter
	metrics  *Metrics

	runningMu sync.Mutex
	running   map[string]bool
}

// New wires an Engine from opts. A nil Emitter defaults to NullEmitter; a
// nil Metrics disables Prometheus instrumentation (every Metrics method is
// nil-safe).
func New(opts Options) *Engine {
	emitter := opts.Emitter
	if emitter == nil {
		emitter = NullEmitter{}
	}

	eng := &Engine{
		store:    opts.Store,
		registry: opts.Registry,
		emitter:  emitter,
		metrics:  opts.Metrics,
		running:  make(map[string]bool),
	}

	eng.executor = &Executor{
		Store:                 opts.Store,
		Emitter:               emitter,
		Metrics:               opts.Metrics,
		Services:              opts.Services,
		MaxConcurrentSubSteps: opts.MaxConcurrentSubSteps,
		Trigger:               eng.triggerChild,
	}

	eng.ctrl = &Controller{
		Store:    opts.Store,
		Registry: opts.Registry,
		Runner:   eng,
		Emitter:  emitter,
	}

	staleAfter := opts.RecoveryStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	eng.recovery = &Recovery{
		Store:          opts.Store,
		Runner:         eng,
		Emitter:        emitter,
		StaleAfter:     staleAfter,
		PurgeRetention: opts.RecoveryPurgeRetention,
	}

	return eng
}

// Submit creates a new Ready flow of the given kind and starts executing
// it in the background, returning its flow id immediately.
func (e *Engine) Submit(ctx context.Context, flowKind, principalID, correlationID string, initialData map[string]any) (string, error) {
	def, err := e.registry.Build(flowKind)
	if err != nil {
		return "", err
	}

	data := make(map[string]value.SafeValue, len(initialData))
	for k, v := range initialData {
		data[k] = value.Encode(v)
	}

	rec := &store.FlowRecord{
		FlowID:        uuid.NewString(),
		FlowKind:      flowKind,
		PrincipalID:   principalID,
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
		Status:        store.StatusReady,
		Data:          data,
		LastUpdatedAt: time.Now(),
	}
	if err := e.store.Save(ctx, rec, 0); err != nil {
		return "", err
	}

	go func() {
		runCtx := context.Background()
		e.runFlow(runCtx, def, rec)
	}()

	return rec.FlowID, nil
}

// triggerChild implements TriggerFunc for the Executor, submitting a child
// flow with plain any-typed initial data.
func (e *Engine) triggerChild(ctx context.Context, kind, principalID, correlationID string, data map[string]any) (string, error) {
	return e.Submit(ctx, kind, principalID, correlationID, data)
}

// resumeFlow re-enters the Executor for flowID, used by both the
// Pause/Resume Controller and the Recovery Service. It guards against
// double-adoption of the same flow id by two callers racing (e.g. a
// manual resume and a Recovery sweep observing the same flow).
func (e *Engine) resumeFlow(ctx context.Context, flowID string) error {
	rec, err := e.store.LoadByID(ctx, flowID)
	if err != nil {
		return err
	}
	def, err := e.registry.Build(rec.FlowKind)
	if err != nil {
		return err
	}
	if err := Rebind(def, rec); err != nil {
		return err
	}

	go e.runFlow(context.Background(), def, rec)
	return nil
}

func (e *Engine) runFlow(ctx context.Context, def *FlowDefinition, rec *store.FlowRecord) {
	e.runningMu.Lock()
	if e.running[rec.FlowID] {
		e.runningMu.Unlock()
		return
	}
	e.running[rec.FlowID] = true
	e.runningMu.Unlock()

	defer func() {
		e.runningMu.Lock()
		delete(e.running, rec.FlowID)
		e.runningMu.Unlock()
	}()

	if _, err := e.executor.Run(ctx, def, rec); err != nil {
		e.emitter.Emit(Event{FlowID: rec.FlowID, FlowKind: rec.FlowKind, Type: "ExecutorRunError", Message: err.Error()})
	}
}

// GetStatus returns the full snapshot for flowID.
func (e *Engine) GetStatus(ctx context.Context, flowID string) (*store.FlowRecord, error) {
	return e.store.LoadByID(ctx, flowID)
}

// Pause administratively pauses a Ready or Running flow (distinct from a
// step's own canPause gate). It marks the flow Paused with the given reason
// and saves it immediately, whether or not an Executor is running it. A
// running Executor still holds the older version, so its next save fails
// with store.ErrConcurrencyConflict and its run stops there.
func (e *Engine) Pause(ctx context.Context, flowID, reason, message string) error {
	rec, err := e.store.LoadByID(ctx, flowID)
	if err != nil {
		return err
	}
	if rec.Status != store.StatusRunning && rec.Status != store.StatusReady {
		return fmt.Errorf("flow: cannot pause flow in status %q", rec.Status)
	}
	rec.Status = store.StatusPaused
	now := time.Now()
	rec.PausedAt = &now
	rec.Pause = &store.PauseRecord{Reason: reason, Message: message}
	appendControllerEvent(rec, "FlowPaused", fmt.Sprintf("flow %s paused administratively: %s", flowID, reason))
	return e.store.Save(ctx, rec, rec.Version)
}

// Resume wakes a manually-paused flow, requiring actorRole to satisfy the
// paused step's RequiredRole, if any.
func (e *Engine) Resume(ctx context.Context, flowID, resumeReason, actorRole, message string) (bool, error) {
	if err := e.ctrl.ManualResume(ctx, flowID, actorRole, message); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel transitions flowID to Cancelled. If the flow is paused, it is
// cancelled immediately without resuming.
func (e *Engine) Cancel(ctx context.Context, flowID, reason string) (bool, error) {
	rec, err := e.store.LoadByID(ctx, flowID)
	if err != nil {
		return false, err
	}
	if rec.Status.Terminal() {
		return false, nil
	}
	rec.Status = store.StatusCancelled
	now := time.Now()
	rec.CompletedAt = &now
	rec.Pause = nil
	appendControllerEvent(rec, "FlowCancelled", fmt.Sprintf("flow %s cancelled: %s", flowID, reason))
	if err := e.store.Save(ctx, rec, rec.Version); err != nil {
		return false, err
	}
	_ = e.store.DeleteResumeCondition(ctx, flowID)
	e.metrics.flowEnded(rec.FlowKind, "cancelled", reason)
	return true, nil
}

// Query filters flows by criteria and returns a page of summaries.
func (e *Engine) Query(ctx context.Context, criteria store.Criteria, page, size int) (store.PagedResult, error) {
	return e.store.Query(ctx, criteria, page, size)
}

// Timeline returns the ordered event log for flowID.
func (e *Engine) Timeline(ctx context.Context, flowID string) (Timeline, error) {
	rec, err := e.store.LoadByID(ctx, flowID)
	if err != nil {
		return Timeline{}, err
	}
	return Timeline{FlowID: flowID, Events: rec.Events}, nil
}

// PublishEvent notifies paused flows awaiting eventType.
func (e *Engine) PublishEvent(ctx context.Context, eventType string, payload map[string]any) error {
	return e.ctrl.PublishEvent(ctx, eventType, payload)
}

// PollResumeConditions checks predicate-based resume conditions that are
// due. Hosts call this from a ticker at Options.ResumePollInterval.
func (e *Engine) PollResumeConditions(ctx context.Context) error {
	return e.ctrl.PollDue(ctx)
}

// RunRecoverySweep performs one Recovery Service pass immediately (in
// addition to any background loop started with StartRecoveryLoop).
func (e *Engine) RunRecoverySweep(ctx context.Context) (RecoveryResult, error) {
	return e.recovery.Sweep(ctx)
}

// StartRecoveryLoop launches the Recovery Service's periodic sweep in the
// background until ctx is cancelled.
func (e *Engine) StartRecoveryLoop(ctx context.Context, interval time.Duration) {
	go e.recovery.Run(ctx, interval)
}

// Health summarizes current engine load, grounded on a direct store query
// rather than in-process counters so it reflects reality across multiple
// engine processes sharing one Store.
func (e *Engine) Health(ctx context.Context) (Health, error) {
	running, err := e.store.LoadByStatuses(ctx, store.StatusRunning)
	if err != nil {
		return Health{}, err
	}
	paused, err := e.store.LoadByStatuses(ctx, store.StatusPaused)
	if err != nil {
		return Health{}, err
	}
	failed, err := e.store.Query(ctx, store.Criteria{Status: store.StatusFailed, CreatedAfter: time.Now().Add(-1 * time.Hour)}, 1, 1)
	if err != nil {
		return Health{}, err
	}
	return Health{
		Running:        len(running),
		Paused:         len(paused),
		RecentFailures: failed.TotalItems,
		Healthy:        failed.TotalItems == 0,
		CheckedAt:      time.Now(),
	}, nil
}

// Statistics aggregates counts over a trailing window by paging through
// Query; intended for dashboards, not high-frequency polling.
func (e *Engine) Statistics(ctx context.Context, window time.Duration) (Statistics, error) {
	stats := Statistics{ByKind: make(map[string]int), FailuresByReason: make(map[string]int)}
	createdAfter := time.Now().Add(-window)

	const pageSize = 200
	page := 1
	var totalExecMs float64
	var execSamples int

	for {
		result, err := e.store.Query(ctx, store.Criteria{CreatedAfter: createdAfter}, page, pageSize)
		if err != nil {
			return stats, err
		}
		for _, s := range result.Items {
			stats.Total++
			stats.ByKind[s.FlowKind]++
			switch s.Status {
			case store.StatusCompleted:
				stats.Completed++
				if s.CompletedAt != nil {
					totalExecMs += s.CompletedAt.Sub(s.CreatedAt).Seconds() * 1000
					execSamples++
				}
			case store.StatusFailed:
				stats.Failed++
				reason := s.FailureReason
				if reason == "" {
					reason = "Unknown"
				}
				stats.FailuresByReason[reason]++
			case store.StatusRunning:
				stats.Running++
			case store.StatusPaused:
				stats.Paused++
			case store.StatusCancelled:
				stats.Cancelled++
			}
		}
		if len(result.Items) < pageSize {
			break
		}
		page++
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total)
	}
	if execSamples > 0 {
		stats.AvgExecution = time.Duration(totalExecMs/float64(execSamples)) * time.Millisecond
	}
	return stats, nil
}
