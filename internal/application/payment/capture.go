package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	domoutbox "github.com/openstall/marketplace-payments/internal/domain/outbox"
	dompay "github.com/openstall/marketplace-payments/internal/domain/payment"
	"github.com/openstall/marketplace-payments/internal/domain/suborder"
	"github.com/openstall/marketplace-payments/internal/observability"
	"github.com/openstall/marketplace-payments/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const useCaseCapture = "payment.capture"

type CaptureInput struct {
	SubOrderID string
}

type CaptureResult struct {
	Success             bool
	AuthorizationRef    string
	AmountCapturedCents int64
	ErrorMessage        string
	Retryable           bool
}

// CaptureUseCase converts a sub-order's funds hold into a settled charge
// once delivery is confirmed. Repeated invocations are free of side effects.
type CaptureUseCase struct {
	subOrders suborder.Repository
	gateway   Gateway
	publisher domoutbox.Publisher
	tel       observability.Observability

	log        observability.Logger
	reqCounter observability.Counter
	durHist    observability.Histogram

	now func() time.Time
}

// NewCaptureUseCase wires the dependencies required to execute the use case.
func NewCaptureUseCase(
	subOrders suborder.Repository,
	gateway Gateway,
	publisher domoutbox.Publisher,
	tel observability.Observability,
) *CaptureUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	return &CaptureUseCase{
		subOrders:  subOrders,
		gateway:    gateway,
		publisher:  publisher,
		tel:        tel,
		log:        tel.Logger().With(observability.F("service", paymentService)),
		reqCounter: tel.Metrics().Counter(observability.MUsecaseRequests),
		durHist:    tel.Metrics().Histogram(observability.MUsecaseDuration),
		now:        time.Now,
	}
}

// Execute settles the sub-order's funds hold.
func (uc *CaptureUseCase) Execute(ctx context.Context, cmd CaptureInput) (_ *CaptureResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseCapture),
		observability.F("sub_order_id", cmd.SubOrderID),
	)

	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"CapturePayment",
		attribute.String("use_case", useCaseCapture),
		attribute.String("suborder.id", cmd.SubOrderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, statusText)
			} else {
				span.SetStatus(codes.Ok, statusText)
			}
			span.End()
		}

		uc.reqCounter.Add(1,
			observability.L("use_case", useCaseCapture),
			observability.L("outcome", outcome),
		)
		uc.durHist.Observe(time.Since(start).Seconds(),
			observability.L("use_case", useCaseCapture),
		)

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", time.Since(start).Seconds()),
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	if cmd.SubOrderID == "" {
		outcome, statusText = "error", "SUB_ORDER_ID_REQUIRED"
		return nil, errors.New("capture: sub-order id is required")
	}

	so, err := uc.subOrders.FindByID(ctx, cmd.SubOrderID)
	if err != nil {
		outcome, statusText = "error", "SUB_ORDER_LOOKUP_FAILED"
		return nil, fmt.Errorf("capture: %w", err)
	}
	if !so.Authorized() {
		outcome, statusText = "error", "NO_AUTHORIZATION"
		return nil, fmt.Errorf("capture: %w", suborder.ErrNoAuthorization)
	}

	// Idempotency fast-path: a settled sub-order replays the original result
	// without touching the gateway.
	if so.Paid() {
		statusText = "IDEMPOTENT_REPLAY"
		span.AddEvent("capture.idempotent_replay")
		return &CaptureResult{
			Success:             true,
			AuthorizationRef:    so.AuthorizationReference,
			AmountCapturedCents: so.SubTotalCents,
		}, nil
	}

	auth, gerr := uc.gateway.GetAuthorization(ctx, so.AuthorizationReference)
	if gerr != nil {
		cls := dompay.Classify(gerr)
		outcome, statusText = "error", "AUTHORIZATION_LOOKUP_FAILED"
		logger.Warn("capture_lookup_failed",
			observability.F("code", cls.Code),
			observability.F("error", gerr.Error()),
		)
		return uc.recordFailure(ctx, logger, so, cls)
	}

	switch auth.Status {
	case dompay.AuthorizationSucceeded:
		// The gateway already settled (for example via a webhook the local
		// store missed). Self-heal instead of failing.
		statusText = "RECONCILED_FROM_GATEWAY"
		span.AddEvent("capture.reconciled_from_gateway")
		logger.Warn("capture_reconciled_from_gateway",
			observability.F("authorization_ref", so.AuthorizationReference),
		)
		return uc.settle(ctx, logger, so, capturedAmount(auth, so))
	case dompay.AuthorizationRequiresCapture:
		// proceed
	default:
		outcome, statusText = "error", "AUTHORIZATION_NOT_CAPTURABLE"
		cls := uncapturableClassification(auth.Status)
		logger.Warn("capture_not_capturable",
			observability.F("gateway_status", string(auth.Status)),
		)
		return uc.recordFailure(ctx, logger, so, cls)
	}

	captured, gerr := uc.gateway.Capture(ctx, so.AuthorizationReference, CaptureIdempotencyKey(so.ID))
	if gerr != nil {
		cls := dompay.Classify(gerr)
		outcome, statusText = "error", "GATEWAY_CAPTURE_FAILED"
		logger.Warn("capture_attempt_failed",
			observability.F("code", cls.Code),
			observability.F("kind", string(cls.Kind)),
			observability.F("expired_authorization", cls.IsExpiredAuthorization),
			observability.F("error", gerr.Error()),
		)
		return uc.recordFailure(ctx, logger, so, cls)
	}

	if captured.Status != dompay.AuthorizationSucceeded {
		outcome, statusText = "error", "CAPTURE_NOT_SETTLED"
		logger.Warn("capture_not_settled",
			observability.F("gateway_status", string(captured.Status)),
		)
		return &CaptureResult{
			Success:          false,
			AuthorizationRef: so.AuthorizationReference,
			ErrorMessage:     dompay.GenericSafeMessage,
		}, nil
	}

	return uc.settle(ctx, logger, so, capturedAmount(captured, so))
}

// settle marks the sub-order paid. If persistence fails after the gateway
// has already captured funds, the operation still reports success: the money
// moved, and an out-of-sync local record is repairable while an erroneous
// "failed" answer is not.
func (uc *CaptureUseCase) settle(
	ctx context.Context,
	logger observability.Logger,
	so *suborder.SubOrder,
	amountCents int64,
) (*CaptureResult, error) {
	now := uc.now()
	if terr := so.MarkSucceeded(now); terr != nil {
		logger.Error("capture_state_transition_failed",
			observability.F("error", terr.Error()),
		)
		uc.flagReconciliation(ctx, logger, so, "state transition rejected after capture")
		return uc.capturedResult(so, amountCents), nil
	}

	if uerr := uc.subOrders.Update(ctx, so); uerr != nil {
		logger.Error("capture_persist_failed_reconciliation_required",
			observability.F("authorization_ref", so.AuthorizationReference),
			observability.F("amount_cents", amountCents),
			observability.F("error", uerr.Error()),
		)
		uc.flagReconciliation(ctx, logger, so, "persistence failure after capture")
		return uc.capturedResult(so, amountCents), nil
	}

	uc.publish(ctx, logger, suborder.NewCapturedEvent(so, amountCents))
	return uc.capturedResult(so, amountCents), nil
}

func (uc *CaptureUseCase) capturedResult(so *suborder.SubOrder, amountCents int64) *CaptureResult {
	return &CaptureResult{
		Success:             true,
		AuthorizationRef:    so.AuthorizationReference,
		AmountCapturedCents: amountCents,
	}
}

func (uc *CaptureUseCase) flagReconciliation(ctx context.Context, logger observability.Logger, so *suborder.SubOrder, reason string) {
	uc.tel.Metrics().Counter(observability.MReconciliationsRequired).Add(1,
		observability.L("use_case", useCaseCapture),
	)
	uc.publish(ctx, logger, suborder.NewReconciliationRequiredEvent(so.ID, so.AuthorizationReference, reason))
}

// recordFailure persists a classified failed capture attempt. No funds moved
// on these paths, so persistence errors are surfaced.
func (uc *CaptureUseCase) recordFailure(
	ctx context.Context,
	logger observability.Logger,
	so *suborder.SubOrder,
	cls dompay.Classification,
) (*CaptureResult, error) {
	now := uc.now()
	var nextRetry *time.Time
	if cls.Retryable() {
		nextRetry = dompay.NextRetryAt(now, so.PaymentAttemptCount)
	}

	if terr := so.MarkFailed(now, cls.Code, cls.SafeMessage, cls.RequiresClientUpdate, nextRetry); terr != nil {
		return nil, fmt.Errorf("capture: %w", terr)
	}
	if uerr := uc.subOrders.Update(ctx, so); uerr != nil {
		return nil, fmt.Errorf("capture: record failure: %w", uerr)
	}

	uc.publish(ctx, logger, suborder.NewAuthorizationFailedEvent(so, cls.Retryable()))

	return &CaptureResult{
		Success:          false,
		AuthorizationRef: so.AuthorizationReference,
		ErrorMessage:     cls.SafeMessage,
		Retryable:        cls.Retryable(),
	}, nil
}

func (uc *CaptureUseCase) publish(ctx context.Context, logger observability.Logger, e domoutbox.Event) {
	if uc.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := uc.publisher.Publish(pubCtx, e); err != nil {
		logger.Warn("event_publish_failed",
			observability.F("event", e.EventName()),
			observability.F("error", err.Error()),
		)
	}
}

// uncapturableClassification maps a hold state that cannot be captured onto
// a status-specific failure.
func uncapturableClassification(status dompay.AuthorizationStatus) dompay.Classification {
	switch status {
	case dompay.AuthorizationCanceled:
		return dompay.Classification{
			Kind:        dompay.FailurePermanent,
			Code:        "authorization_canceled",
			SafeMessage: "The payment hold was canceled before it could be settled.",
		}
	case dompay.AuthorizationRequiresAction, dompay.AuthorizationRequiresPaymentMethod:
		return dompay.Classification{
			Kind:                 dompay.FailurePermanent,
			Code:                 "authorization_not_confirmed",
			SafeMessage:          "The payment was never confirmed. Please update the payment method.",
			RequiresClientUpdate: true,
		}
	default:
		return dompay.Classification{
			Kind:        dompay.FailurePermanent,
			Code:        "authorization_not_capturable",
			SafeMessage: dompay.GenericSafeMessage,
		}
	}
}

func capturedAmount(auth *dompay.Authorization, so *suborder.SubOrder) int64 {
	if auth != nil && auth.AmountCapturedCents > 0 {
		return auth.AmountCapturedCents
	}
	return so.SubTotalCents
}
