package flow

import (
	"context"
	"time"

	"github.com/flowforge/engine/flow/store"
)

// RecoveryResult records the outcome of one Recovery Service sweep.
type RecoveryResult struct {
	Checked      int
	Recovered    int
	Failed       int
	RecoveredIDs []string
	Failures     map[string]error
	Duration     time.Duration
}

// RecoveryRunner is the subset of Engine Recovery needs to re-adopt a
// flow: rebuild its definition, rebind persisted state, and hand it back
// to an Executor.
type RecoveryRunner interface {
	resumeFlow(ctx context.Context, flowID string) error
}

// Recovery periodically scans for flows stuck in Running past a threshold
// (the owning process presumably crashed) and re-adopts them, and
// separately purges old terminal flows per a retention window.
type Recovery struct {
	Store   store.Store
	Runner  RecoveryRunner
	Emitter Emitter

	// StaleAfter is how long a flow may sit in Running without a snapshot
	// update before Recovery considers it abandoned. Spec default: 30m.
	StaleAfter time.Duration

	// PurgeRetention is how long a terminal flow is kept before
	// DeleteTerminalOlderThan removes it. Zero disables purging.
	PurgeRetention time.Duration
}

func (r *Recovery) emit(e Event) {
	if r.Emitter != nil {
		r.Emitter.Emit(e)
	}
}

// Sweep performs one Recovery pass: re-adopt stale Running flows, then (if
// configured) purge old terminal ones.
func (r *Recovery) Sweep(ctx context.Context) (RecoveryResult, error) {
	start := time.Now()
	result := RecoveryResult{Failures: make(map[string]error)}

	stale, err := r.findStale(ctx)
	if err != nil {
		return result, err
	}
	result.Checked = len(stale)

	for _, rec := range stale {
		if err := r.Runner.resumeFlow(ctx, rec.FlowID); err != nil {
			result.Failed++
			result.Failures[rec.FlowID] = err
			r.emit(Event{FlowID: rec.FlowID, FlowKind: rec.FlowKind, Type: "RecoveryFailed", Message: err.Error()})
			continue
		}
		result.Recovered++
		result.RecoveredIDs = append(result.RecoveredIDs, rec.FlowID)
		r.emit(Event{FlowID: rec.FlowID, FlowKind: rec.FlowKind, Type: "FlowRecovered", Message: "recovered by Recovery Service"})
	}

	if r.PurgeRetention > 0 {
		if _, err := r.Store.DeleteTerminalOlderThan(ctx, r.PurgeRetention); err != nil {
			return result, err
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (r *Recovery) findStale(ctx context.Context) ([]*store.FlowRecord, error) {
	running, err := r.Store.LoadByStatuses(ctx, store.StatusRunning)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-r.StaleAfter)
	stale := make([]*store.FlowRecord, 0, len(running))
	for _, rec := range running {
		if rec.LastUpdatedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}

// Run starts a background loop calling Sweep every interval until ctx is
// cancelled. It is meant to be launched with `go recovery.Run(ctx, interval)`
// from the host's startup path.
func (r *Recovery) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.emit(Event{Type: "RecoverySweepFailed", Message: err.Error()})
			}
		}
	}
}
