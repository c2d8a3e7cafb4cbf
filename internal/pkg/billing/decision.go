package billing

import (
	"fmt"
	"time"

	"github.com/ManuelReschke/LocalMarket/internal/pkg/gateway"
)

// TransitionKind is the subscription change implied by a payment status.
type TransitionKind string

const (
	TransitionNone          TransitionKind = "none"
	TransitionActivate      TransitionKind = "activate"
	TransitionPaymentFailed TransitionKind = "payment_failed"
	TransitionCancel        TransitionKind = "cancel"
)

// Transition is the decision taken for one fetched payment.
type Transition struct {
	Kind       TransitionKind
	BusinessID string
	Plan       Plan
	PaymentID  string
	Status     string
	// StatusAt orders decisions for the same business. Zero when the
	// provider sent no timestamps.
	StatusAt time.Time
	Reason   string
}

// Decide maps a payment onto a transition:
//
//	approved                               -> activate
//	rejected, cancelled                    -> payment failed (retry notice)
//	refunded, charged_back                 -> cancel
//	authorized, pending, in_process, other -> none
//
// An authorized payment is not captured yet and grants nothing.
//
// Payments without a business reference or with an unknown plan cannot be
// applied and return an error.
func Decide(p *gateway.Payment) (Transition, error) {
	if p == nil {
		return Transition{}, fmt.Errorf("%w: nil payment", ErrMissingBusiness)
	}
	t := Transition{
		Kind:      TransitionNone,
		PaymentID: p.ID.String(),
		Status:    p.NormalizedStatus(),
		StatusAt:  p.StatusTime(),
	}

	switch t.Status {
	case gateway.StatusApproved:
		t.Kind = TransitionActivate
	case gateway.StatusRejected, gateway.StatusCancelled:
		t.Kind = TransitionPaymentFailed
		t.Reason = "payment " + t.Status
	case gateway.StatusRefunded, gateway.StatusChargedBack:
		t.Kind = TransitionCancel
		t.Reason = "payment " + t.Status
	default:
		return t, nil
	}

	t.BusinessID = p.BusinessID()
	if t.BusinessID == "" {
		return t, fmt.Errorf("%w: payment %s", ErrMissingBusiness, t.PaymentID)
	}

	plan, err := LookupPlan(p.PlanType())
	if err != nil {
		// A refund or chargeback still has to revoke access even when the
		// plan reference is unusable.
		if t.Kind == TransitionCancel {
			return t, nil
		}
		return t, err
	}
	t.Plan = plan
	return t, nil
}
