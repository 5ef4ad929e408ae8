package worker

import (
	"context"
	"fmt"

	appPayment "github.com/openstall/marketplace-payments/internal/application/payment"
	domoutbox "github.com/openstall/marketplace-payments/internal/domain/outbox"
	"github.com/openstall/marketplace-payments/internal/domain/suborder"
	"github.com/openstall/marketplace-payments/internal/observability"
)

// CompensationWorker releases redundant funds holds at the gateway. It is
// strictly best effort: a failed cancel is logged and abandoned, because an
// unreleased hold expires on its own at the end of the validity window.
type CompensationWorker struct {
	gateway appPayment.Gateway
	log     observability.Logger
}

func NewCompensationWorker(gateway appPayment.Gateway, tel observability.Observability) *CompensationWorker {
	if tel == nil {
		tel = observability.Nop()
	}
	return &CompensationWorker{
		gateway: gateway,
		log:     tel.Logger().With(observability.F("component", "compensation-worker")),
	}
}

// Register subscribes the worker to cancel requests on the given bus.
func (w *CompensationWorker) Register(sub domoutbox.Subscriber) {
	sub.Subscribe(suborder.CancelAuthorizationRequestedEvent{}.EventName(), w.handle)
}

func (w *CompensationWorker) handle(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(suborder.CancelAuthorizationRequestedEvent)
	if !ok {
		return fmt.Errorf("compensation worker: unexpected event %T", e)
	}
	if evt.AuthorizationRef == "" {
		return nil
	}

	if err := w.gateway.CancelAuthorization(ctx, evt.AuthorizationRef); err != nil {
		// Not retried here; the hold expires at the gateway regardless.
		w.log.Warn("authorization_cancel_failed",
			observability.F("sub_order_id", evt.SubOrderID),
			observability.F("authorization_ref", evt.AuthorizationRef),
			observability.F("reason", evt.Reason),
			observability.F("error", err.Error()),
		)
		return nil
	}

	w.log.Info("authorization_canceled",
		observability.F("sub_order_id", evt.SubOrderID),
		observability.F("authorization_ref", evt.AuthorizationRef),
		observability.F("reason", evt.Reason),
	)
	return nil
}
