package flow

import (
	"context"

	"github.com/flowforge/engine/flow/store"
)

// Admin is a thin, role-gated surface over the engine for operators: list
// and paginate flows, cancel one, or force a resume past its configured
// RequiredRole. Every method requires a role from allowedRoles.
type Admin struct {
	engine       *Engine
	allowedRoles map[string]bool
}

// NewAdmin wraps engine, restricting every operation to actors whose role
// is in allowedRoles. An empty allowedRoles set allows any role through
// (useful for a single-operator deployment with no RBAC).
func NewAdmin(engine *Engine, allowedRoles ...string) *Admin {
	roles := make(map[string]bool, len(allowedRoles))
	for _, r := range allowedRoles {
		roles[r] = true
	}
	return &Admin{engine: engine, allowedRoles: roles}
}

func (a *Admin) authorize(role string) error {
	if len(a.allowedRoles) == 0 {
		return nil
	}
	if a.allowedRoles[role] {
		return nil
	}
	return ErrNotAuthorized
}

// List pages through flows matching criteria.
func (a *Admin) List(ctx context.Context, actorRole string, criteria store.Criteria, page, size int) (store.PagedResult, error) {
	if err := a.authorize(actorRole); err != nil {
		return store.PagedResult{}, err
	}
	return a.engine.Query(ctx, criteria, page, size)
}

// Cancel cancels flowID on behalf of actorRole.
func (a *Admin) Cancel(ctx context.Context, actorRole, flowID, reason string) (bool, error) {
	if err := a.authorize(actorRole); err != nil {
		return false, err
	}
	return a.engine.Cancel(ctx, flowID, reason)
}

// ForceResume resumes a paused flow regardless of its configured
// RequiredRole, provided actorRole is itself an authorized admin role.
// Controller.resume only needs the flow id; it reloads the live record
// itself before transitioning it.
func (a *Admin) ForceResume(ctx context.Context, actorRole, flowID, message string) (bool, error) {
	if err := a.authorize(actorRole); err != nil {
		return false, err
	}
	if err := a.engine.ctrl.resume(ctx, &store.FlowRecord{FlowID: flowID}, "admin-force", message); err != nil {
		return false, err
	}
	return true, nil
}
