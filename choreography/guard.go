package choreography

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// FactDraft is a fact emitted atomically with a guarded send. Its type must
// be listed in the message guard.
type FactDraft struct {
	TypeID  string
	Context interfaces.ContextID
	Nonce   uint64
	Value   any
}

// Outbound is one guarded message to one recipient.
type Outbound struct {
	Kind     Kind
	Spec     MessageSpec
	Context  interfaces.ContextID
	Sender   capability.Subject
	To       Member
	Envelope Envelope
	Facts    []FactDraft
}

// GuardChain runs the outbound guard sequence: capability check, flow charge
// with fact emission, receipt attachment, wire send. A failing step leaves
// nothing on the wire.
type GuardChain struct {
	self      interfaces.DeviceID
	evaluator *capability.Evaluator
	journal   *effects.JournalEffect
	network   interfaces.Network
	time      interfaces.Time
	observer  Observer
	log       *slog.Logger
}

// NewGuardChain wires a guard chain for the local device.
func NewGuardChain(self interfaces.DeviceID, evaluator *capability.Evaluator, je *effects.JournalEffect, network interfaces.Network, clock interfaces.Time, observer Observer, log *slog.Logger) *GuardChain {
	if observer == nil {
		observer = NopObserver{}
	}
	return &GuardChain{
		self:      self,
		evaluator: evaluator,
		journal:   je,
		network:   network,
		time:      clock,
		observer:  observer,
		log:       common.OrDiscard(log),
	}
}

func (g *GuardChain) authorize(subject capability.Subject, perm string, c interfaces.ContextID) error {
	return g.journal.View(func(j *journal.Journal) error {
		_, err := g.evaluator.Authorize(j.Account.Graph(), capability.Request{
			Subject:    subject,
			Permission: perm,
			Context:    c,
			Policy:     capability.Any(),
			NowMs:      g.time.NowMs(),
		})
		return err
	})
}

// Send guards and transmits out, returning the receipt of the charge. A zero
// flow cost produces no receipt.
func (g *GuardChain) Send(ctx context.Context, out Outbound) (journal.Receipt, error) {
	guard := out.Spec.Guard

	if guard.Capability != "" {
		if err := g.authorize(out.Sender, guard.Capability, out.Context); err != nil {
			g.observer.MessageGuarded(out.Kind, GuardDenied)
			return journal.Receipt{}, err
		}
	}

	for _, f := range out.Facts {
		if !slices.Contains(guard.Facts, f.TypeID) {
			g.observer.MessageGuarded(out.Kind, GuardFailed)
			return journal.Receipt{}, fmt.Errorf("%w: %s does not emit %s facts", interfaces.ErrInvalidArgument, out.Spec.Name, f.TypeID)
		}
	}
	emit := func(j *journal.Journal) error {
		for _, f := range out.Facts {
			if _, err := j.Emit(f.TypeID, f.Context, f.Nonce, f.Value, g.self); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		receipt journal.Receipt
		err     error
	)
	switch {
	case guard.FlowCost > 0:
		receipt, err = g.journal.ChargeFlowBudget(ctx, out.Context, out.To.Authority(), guard.FlowCost, emit)
	case len(out.Facts) > 0:
		err = g.journal.Update(ctx, emit)
	}
	if err != nil {
		var budget *journal.BudgetExceededError
		if errors.As(err, &budget) {
			g.observer.MessageGuarded(out.Kind, GuardExhausted)
		} else {
			g.observer.MessageGuarded(out.Kind, GuardFailed)
		}
		return journal.Receipt{}, err
	}

	env := out.Envelope
	env.HasReceipt = guard.FlowCost > 0
	env.Receipt = receipt
	data, err := env.Encode()
	if err != nil {
		g.observer.MessageGuarded(out.Kind, GuardFailed)
		return journal.Receipt{}, err
	}
	if err := g.network.SendToPeer(ctx, out.To.Peer(), data); err != nil {
		g.observer.MessageGuarded(out.Kind, GuardFailed)
		return journal.Receipt{}, err
	}

	g.observer.MessageGuarded(out.Kind, GuardSent)
	g.log.Debug("ceremony message sent",
		slog.String("session_id", env.Session.String()),
		slog.String("message", env.Name),
		slog.String("to", string(out.To.Peer())),
		slog.Uint64("cost", guard.FlowCost))
	return receipt, nil
}

// Admit validates an inbound envelope against its spec: the receipt must be
// addressed to this device, or to the guardian it acts as, and cover the flow
// cost, and the sender must hold the guard capability in the local authority
// graph. A device that has not yet joined the account has no graph and skips
// the capability check.
func (g *GuardChain) Admit(spec MessageSpec, env *Envelope) error {
	if spec.Guard.FlowCost > 0 {
		r := env.Receipt
		switch {
		case !env.HasReceipt:
			return fmt.Errorf("%w: %s from %s carries no receipt", ErrBadReceipt, env.Name, env.From)
		case !r.Verify():
			return fmt.Errorf("%w: %s from %s: fingerprint mismatch", ErrBadReceipt, env.Name, env.From)
		case r.Cost < spec.Guard.FlowCost:
			return fmt.Errorf("%w: %s from %s paid %d, needs %d", ErrBadReceipt, env.Name, env.From, r.Cost, spec.Guard.FlowCost)
		case r.Peer != g.self.Authority() && r.Peer != interfaces.GuardianID(g.self).Authority():
			return fmt.Errorf("%w: %s from %s charged another peer", ErrBadReceipt, env.Name, env.From)
		}
	}

	if spec.Guard.Capability == "" {
		return nil
	}
	sender := Member{ID: env.From, Role: spec.From}
	var known bool
	_ = g.journal.View(func(j *journal.Journal) error {
		known = len(j.Account.Graph().Subjects()) > 0
		return nil
	})
	if !known {
		return nil
	}
	return g.authorize(sender.Subject(), spec.Guard.Capability, env.Receipt.Context)
}
