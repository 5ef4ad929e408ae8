package suborder

import "time"

// AuthorizationSucceededEvent is emitted when a funds hold is recorded for a
// sub-order.
type AuthorizationSucceededEvent struct {
	SubOrderID       string
	AuthorizationRef string
	AmountCents      int64
	OccurredAt       time.Time
}

func (AuthorizationSucceededEvent) EventName() string { return "payment.authorization_succeeded" }

func NewAuthorizationSucceededEvent(s *SubOrder) AuthorizationSucceededEvent {
	return AuthorizationSucceededEvent{
		SubOrderID:       s.ID,
		AuthorizationRef: s.AuthorizationReference,
		AmountCents:      s.SubTotalCents,
		OccurredAt:       time.Now().UTC(),
	}
}

// AuthorizationFailedEvent is emitted when an authorization attempt fails.
// Retryable distinguishes transient failures awaiting the scheduler from
// dead ends requiring client or operator action.
type AuthorizationFailedEvent struct {
	SubOrderID           string
	Code                 string
	Retryable            bool
	RequiresClientUpdate bool
	OccurredAt           time.Time
}

func (AuthorizationFailedEvent) EventName() string { return "payment.authorization_failed" }

func NewAuthorizationFailedEvent(s *SubOrder, retryable bool) AuthorizationFailedEvent {
	return AuthorizationFailedEvent{
		SubOrderID:           s.ID,
		Code:                 s.PaymentLastErrorCode,
		Retryable:            retryable,
		RequiresClientUpdate: s.RequiresClientUpdate,
		OccurredAt:           time.Now().UTC(),
	}
}

// CapturedEvent is emitted when a funds hold settles into a charge.
type CapturedEvent struct {
	SubOrderID       string
	AuthorizationRef string
	AmountCents      int64
	OccurredAt       time.Time
}

func (CapturedEvent) EventName() string { return "payment.captured" }

func NewCapturedEvent(s *SubOrder, amountCents int64) CapturedEvent {
	return CapturedEvent{
		SubOrderID:       s.ID,
		AuthorizationRef: s.AuthorizationReference,
		AmountCents:      amountCents,
		OccurredAt:       time.Now().UTC(),
	}
}

// CancelAuthorizationRequestedEvent asks the compensation worker to release
// a redundant or orphaned funds hold at the gateway. The cancel is best
// effort and must never block the orchestrator's reply.
type CancelAuthorizationRequestedEvent struct {
	SubOrderID       string
	AuthorizationRef string
	Reason           string
	OccurredAt       time.Time
}

func (CancelAuthorizationRequestedEvent) EventName() string {
	return "payment.cancel_authorization_requested"
}

func NewCancelAuthorizationRequestedEvent(subOrderID, ref, reason string) CancelAuthorizationRequestedEvent {
	return CancelAuthorizationRequestedEvent{
		SubOrderID:       subOrderID,
		AuthorizationRef: ref,
		Reason:           reason,
		OccurredAt:       time.Now().UTC(),
	}
}

// ReconciliationRequiredEvent flags a sub-order whose local record fell out
// of sync with the gateway after money already moved.
type ReconciliationRequiredEvent struct {
	SubOrderID       string
	AuthorizationRef string
	Reason           string
	OccurredAt       time.Time
}

func (ReconciliationRequiredEvent) EventName() string { return "payment.reconciliation_required" }

func NewReconciliationRequiredEvent(subOrderID, ref, reason string) ReconciliationRequiredEvent {
	return ReconciliationRequiredEvent{
		SubOrderID:       subOrderID,
		AuthorizationRef: ref,
		Reason:           reason,
		OccurredAt:       time.Now().UTC(),
	}
}
