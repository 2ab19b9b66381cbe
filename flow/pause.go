package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/flowforge/engine/flow/store"
	"github.com/flowforge/engine/flow/value"
)

// ResumeRunner is the subset of Engine the Pause/Resume Controller needs:
// re-entering a paused flow's Executor run. It is an interface rather than
// a direct Engine dependency so the controller can be tested against a
// stub.
type ResumeRunner interface {
	resumeFlow(ctx context.Context, flowID string) error
}

// PausedEvent pairs an event type with its payload, the two values that wake
// flows paused on ResumeOnEvent; Engine.PublishEvent takes them as separate
// arguments rather than as a PausedEvent.
type PausedEvent struct {
	Type    string
	Payload map[string]any
}

// Controller watches for resume triggers on paused flows: published
// events, manual resume requests, and polled predicates.
type Controller struct {
	Store    store.Store
	Registry *Registry
	Runner   ResumeRunner
	Emitter  Emitter

	// PollInterval is how often PollDue is invoked by the host's
	// background loop to check predicate-based resume conditions.
	PollInterval time.Duration
}

func (c *Controller) emit(e Event) {
	if c.Emitter != nil {
		c.Emitter.Emit(e)
	}
}

// PublishEvent matches name against every Paused flow whose current step
// declares ResumeOnEvent with a matching EventType, and resumes it.
func (c *Controller) PublishEvent(ctx context.Context, eventType string, payload map[string]any) error {
	flows, err := c.Store.LoadByStatuses(ctx, store.StatusPaused)
	if err != nil {
		return err
	}
	for _, rec := range flows {
		def, err := c.Registry.Build(rec.FlowKind)
		if err != nil {
			continue
		}
		step, ok := def.StepByName(rec.CurrentStepName)
		if !ok || step.Resume.Trigger != ResumeOnEvent || step.Resume.EventType != eventType {
			continue
		}
		if err := c.resume(ctx, rec, "event:"+eventType, ""); err != nil {
			c.emit(Event{FlowID: rec.FlowID, FlowKind: rec.FlowKind, Type: "ResumeFailed", Message: err.Error()})
		}
	}
	return nil
}

// ManualResume resumes flowID if its current step allows ResumeOnManual and
// actorRole satisfies RequiredRole (empty RequiredRole allows any actor).
func (c *Controller) ManualResume(ctx context.Context, flowID, actorRole, message string) error {
	rec, err := c.Store.LoadByID(ctx, flowID)
	if err != nil {
		return err
	}
	if rec.Status != store.StatusPaused {
		return ErrFlowNotPaused
	}
	def, err := c.Registry.Build(rec.FlowKind)
	if err != nil {
		return err
	}
	step, ok := def.StepByName(rec.CurrentStepName)
	if !ok || step.Resume.Trigger != ResumeOnManual {
		return fmt.Errorf("flow: step %q does not accept manual resume", rec.CurrentStepName)
	}
	if step.Resume.RequiredRole != "" && step.Resume.RequiredRole != actorRole {
		return ErrNotAuthorized
	}
	return c.resume(ctx, rec, "manual", message)
}

// PollDue evaluates every due predicate-based resume condition, resuming
// flows whose predicate returns true and failing flows that exhaust
// MaxRetries.
func (c *Controller) PollDue(ctx context.Context) error {
	due, err := c.Store.DueResumeConditions(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, cond := range due {
		if err := c.evaluateCondition(ctx, cond); err != nil {
			c.emit(Event{FlowID: cond.FlowID, Type: "ResumeFailed", Message: err.Error()})
		}
	}
	return nil
}

func (c *Controller) evaluateCondition(ctx context.Context, cond store.ResumeCondition) error {
	rec, err := c.Store.LoadByID(ctx, cond.FlowID)
	if err != nil {
		if err == store.ErrNotFound {
			return c.Store.DeleteResumeCondition(ctx, cond.FlowID)
		}
		return err
	}
	if rec.Status != store.StatusPaused {
		return c.Store.DeleteResumeCondition(ctx, cond.FlowID)
	}

	def, err := c.Registry.Build(rec.FlowKind)
	if err != nil {
		return err
	}
	step, ok := def.StepByName(rec.CurrentStepName)
	if !ok || step.Resume.Trigger != ResumeOnPredicate || step.Resume.Predicate == nil {
		return c.Store.DeleteResumeCondition(ctx, cond.FlowID)
	}

	ec := newExecutionContext(ctx, rec, nil).withStep(step.Name)
	if step.Resume.Predicate(ec) {
		return c.resume(ctx, rec, "predicate", "")
	}

	cond.CurrentRetries++
	if cond.CurrentRetries >= cond.MaxRetries && cond.MaxRetries > 0 {
		return c.failExhausted(ctx, rec)
	}
	cond.NextCheck = time.Now().Add(cond.CheckInterval)
	return c.Store.SaveResumeCondition(ctx, cond)
}

func (c *Controller) failExhausted(ctx context.Context, rec *store.FlowRecord) error {
	work := rec.Clone()
	work.Status = store.StatusFailed
	now := time.Now()
	work.CompletedAt = &now
	work.LastError = &store.EncodedError{Kind: "PausePredicateMaxRetries", Message: ErrPausePredicateMaxRetries.Error()}
	appendControllerEvent(work, "FlowFailed", "pause predicate exceeded max retries")
	if err := c.Store.Save(ctx, work, work.Version); err != nil {
		return err
	}
	return c.Store.DeleteResumeCondition(ctx, rec.FlowID)
}

func (c *Controller) resume(ctx context.Context, rec *store.FlowRecord, reason, message string) error {
	work, err := c.Store.LoadByID(ctx, rec.FlowID)
	if err != nil {
		return err
	}
	if work.Status != store.StatusPaused {
		return ErrFlowNotPaused
	}

	work.Status = store.StatusRunning
	work.Pause = nil
	work.PausedAt = nil
	data := map[string]value.SafeValue{"reason": value.Encode(reason)}
	if message != "" {
		data["message"] = value.Encode(message)
	}
	appendControllerEventWithData(work, "FlowResumed", fmt.Sprintf("flow %s resumed (%s)", work.FlowID, reason), data)

	if err := c.Store.Save(ctx, work, work.Version); err != nil {
		return err
	}
	if err := c.Store.DeleteResumeCondition(ctx, work.FlowID); err != nil && err != store.ErrNotFound {
		return err
	}

	if c.Runner != nil {
		return c.Runner.resumeFlow(ctx, work.FlowID)
	}
	return nil
}

func appendControllerEvent(rec *store.FlowRecord, eventType, description string) {
	appendControllerEventWithData(rec, eventType, description, nil)
}

func appendControllerEventWithData(rec *store.FlowRecord, eventType, description string, data map[string]value.SafeValue) {
	rec.Events = append(rec.Events, store.Event{
		ID:          eventID(),
		FlowID:      rec.FlowID,
		Type:        eventType,
		Description: description,
		Timestamp:   time.Now(),
		Data:        data,
	})
}
