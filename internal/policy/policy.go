// Package policy decides whether a user may reach a bot within a tenant.
//
// Checks run in a fixed order and the first failing one is reported:
// tenant active, tenant-bot link enabled, user-bot authorization enabled,
// tenant user's bot access flag. Super-admins are always granted.
package policy

import (
	"context"
	"errors"
	"fmt"

	"botgate.io/internal/tenancy"
)

// Reason names the precondition that denied access.
type Reason string

const (
	ReasonTenantInactive       Reason = "tenant_inactive"
	ReasonBotDisabledForTenant Reason = "bot_disabled_for_tenant"
	ReasonUserNotAuthorized    Reason = "user_not_authorized"
	ReasonBotAccessDisabled    Reason = "bot_access_disabled"
)

// ErrDenied matches every *DenyError.
var ErrDenied = errors.New("policy: access denied")

// Subject is the (user, tenant, bot) triple being evaluated.
type Subject struct {
	UserID   string
	TenantID string
	BotID    string
}

// Decision is the outcome of one evaluation. It is not persisted.
type Decision struct {
	Granted    bool
	Reason     Reason
	SuperAdmin bool
}

// DenyError carries the failing precondition.
type DenyError struct {
	Reason Reason
}

func (e *DenyError) Error() string       { return fmt.Sprintf("policy: access denied: %s", e.Reason) }
func (e *DenyError) Is(target error) bool { return target == ErrDenied }

// Evaluator is a pure decision function over the current directory state.
type Evaluator struct {
	dir         tenancy.Directory
	superAdmins map[string]struct{}
}

// Option configures Evaluator.
type Option func(*Evaluator)

// WithSuperAdmins marks user ids as super-admins in addition to the directory flag.
func WithSuperAdmins(ids ...string) Option {
	return func(e *Evaluator) {
		for _, id := range ids {
			if id != "" {
				e.superAdmins[id] = struct{}{}
			}
		}
	}
}

func NewEvaluator(dir tenancy.Directory, opts ...Option) *Evaluator {
	e := &Evaluator{dir: dir, superAdmins: make(map[string]struct{})}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsSuperAdmin reports whether userID holds the super-admin capability.
func (e *Evaluator) IsSuperAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if _, ok := e.superAdmins[userID]; ok {
		return true, nil
	}
	p, err := e.dir.Principal(ctx, userID)
	if errors.Is(err, tenancy.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("policy: load principal: %w", err)
	}
	return p.SuperAdmin, nil
}

// Evaluate returns Grant or Deny(reason). Missing rows count as disabled; store failures
// are returned as errors, never as a decision.
func (e *Evaluator) Evaluate(ctx context.Context, s Subject) (Decision, error) {
	admin, err := e.IsSuperAdmin(ctx, s.UserID)
	if err != nil {
		return Decision{}, err
	}
	if admin {
		return Decision{Granted: true, SuperAdmin: true}, nil
	}
	if s.UserID == "" || s.BotID == "" {
		return deny(ReasonUserNotAuthorized), nil
	}
	if s.TenantID == "" {
		return deny(ReasonTenantInactive), nil
	}

	tenant, err := e.dir.Tenant(ctx, s.TenantID)
	if ok, err := present(err); err != nil {
		return Decision{}, err
	} else if !ok || !tenant.Active {
		return deny(ReasonTenantInactive), nil
	}

	link, err := e.dir.TenantBotLink(ctx, s.TenantID, s.BotID)
	if ok, err := present(err); err != nil {
		return Decision{}, err
	} else if !ok || !link.Enabled {
		return deny(ReasonBotDisabledForTenant), nil
	}

	auth, err := e.dir.UserBotAuthorization(ctx, s.UserID, s.TenantID, s.BotID)
	if ok, err := present(err); err != nil {
		return Decision{}, err
	} else if !ok || !auth.Enabled {
		return deny(ReasonUserNotAuthorized), nil
	}

	member, err := e.dir.TenantUser(ctx, s.TenantID, s.UserID)
	if ok, err := present(err); err != nil {
		return Decision{}, err
	} else if !ok || !member.AllowBotAccess {
		return deny(ReasonBotAccessDisabled), nil
	}

	return Decision{Granted: true}, nil
}

// Require is Evaluate returning a *DenyError on Deny.
func (e *Evaluator) Require(ctx context.Context, s Subject) (Decision, error) {
	d, err := e.Evaluate(ctx, s)
	if err != nil {
		return d, err
	}
	if !d.Granted {
		return d, &DenyError{Reason: d.Reason}
	}
	return d, nil
}

func deny(r Reason) Decision { return Decision{Reason: r} }

func present(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, tenancy.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("policy: %w", err)
	}
}
