package capability

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
)

// Request asks whether subject may exercise Permission in Context under Policy.
type Request struct {
	Subject    Subject
	Permission string
	Context    interfaces.ContextID
	Policy     Policy
	NowMs      uint64
}

// AuditEntry records one evaluation, granted or not.
type AuditEntry struct {
	Subject     string
	Permission  string
	Context     interfaces.ContextID
	InputPolicy Policy
	Traversed   []Delegation
	Effective   Policy
	Granted     bool
	Reason      string
	AtMs        uint64
}

// Decision is the result of an evaluation.
type Decision struct {
	Granted   bool
	Effective Frontier
	Audit     AuditEntry
}

// Evaluator applies Caps_effective = Policy ⊓ ⋂(delegations) ⊓ ⋂(local checks)
// and keeps the audit trail.
type Evaluator struct {
	log    *slog.Logger
	checks *LocalChecks

	mu    sync.Mutex
	audit []AuditEntry
}

// NewEvaluator creates an evaluator. checks may be nil.
func NewEvaluator(log *slog.Logger, checks *LocalChecks) *Evaluator {
	return &Evaluator{log: common.OrDiscard(log), checks: checks}
}

// Evaluate checks req against a graph snapshot.
func (e *Evaluator) Evaluate(graph *AuthorityGraph, req Request) Decision {
	entry := AuditEntry{
		Subject:     req.Subject.Key(),
		Permission:  req.Permission,
		Context:     req.Context,
		InputPolicy: req.Policy,
		AtMs:        req.NowMs,
	}
	effective := req.Policy.Normalize()

	// Revoked ids never reach the effective set.
	held := graph.Capabilities(req.Subject).Without(graph.IsRevoked)
	frontier := Restrict(effective, held...)

	granted, reason := true, ""
	path, ok := graph.CapabilityPath(req.Subject, req.Permission)
	switch {
	case graph.IsRevoked(req.Permission):
		granted, reason = false, "revoked"
	case !ok:
		granted, reason = false, "no delegation chain to a root"
	}
	for _, d := range path {
		effective = effective.Meet(d.Attenuation)
	}
	entry.Traversed = path

	if granted {
		if failed := e.checks.Check(req.Subject, req.Permission, req.Context, req.NowMs); failed != "" {
			granted, reason = false, "local check: "+failed
			frontier.Permissions = frontier.Permissions.Without(func(p string) bool { return p == req.Permission })
		}
	}

	frontier.Policy = effective
	entry.Effective = effective
	entry.Granted = granted
	entry.Reason = reason
	e.record(entry)

	if !granted {
		e.log.Debug("capability denied",
			slog.String("subject", entry.Subject),
			slog.String("permission", req.Permission),
			slog.String("reason", reason))
	}
	return Decision{Granted: granted, Effective: frontier, Audit: entry}
}

// Authorize is Evaluate returning an error on denial.
func (e *Evaluator) Authorize(graph *AuthorityGraph, req Request) (Decision, error) {
	d := e.Evaluate(graph, req)
	if !d.Granted {
		return d, fmt.Errorf("%w: %s %s: %s", interfaces.ErrPermissionDenied, req.Subject.Key(), req.Permission, d.Audit.Reason)
	}
	return d, nil
}

func (e *Evaluator) record(entry AuditEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audit = append(e.audit, entry)
}

// AuditLog returns a copy of all audit entries.
func (e *Evaluator) AuditLog() []AuditEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]AuditEntry(nil), e.audit...)
}
