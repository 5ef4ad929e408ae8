package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openstall/marketplace-payments/internal/domain/client"
	domoutbox "github.com/openstall/marketplace-payments/internal/domain/outbox"
	dompay "github.com/openstall/marketplace-payments/internal/domain/payment"
	"github.com/openstall/marketplace-payments/internal/domain/suborder"
	"github.com/openstall/marketplace-payments/internal/domain/vendor"
	"github.com/openstall/marketplace-payments/internal/observability"
	"github.com/openstall/marketplace-payments/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	paymentService   = "payment-service"
	useCaseAuthorize = "payment.authorize"
	spanPrefix       = "UC."
	publishTimeout   = 300 * time.Millisecond

	codeResourceMissing = "resource_missing"
)

type AuthorizeInput struct {
	SubOrderID string
}

type AuthorizeResult struct {
	Success          bool
	AuthorizationRef string
	PaymentStatus    suborder.Status
	ErrorMessage     string
	// Retryable marks transient failures the retry scheduler will pick up.
	Retryable bool
}

// AuthorizeUseCase places a funds hold against the order client's stored
// payment method when a sub-order is confirmed. It is idempotent and safe to
// invoke repeatedly and concurrently for the same sub-order.
type AuthorizeUseCase struct {
	subOrders suborder.Repository
	vendors   vendor.Repository
	clients   client.Repository
	gateway   Gateway
	publisher domoutbox.Publisher
	tel       observability.Observability
	currency  string

	log        observability.Logger
	reqCounter observability.Counter
	durHist    observability.Histogram

	now func() time.Time
}

// NewAuthorizeUseCase wires the dependencies required to execute the use case.
func NewAuthorizeUseCase(
	subOrders suborder.Repository,
	vendors vendor.Repository,
	clients client.Repository,
	gateway Gateway,
	publisher domoutbox.Publisher,
	currency string,
	tel observability.Observability,
) *AuthorizeUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	return &AuthorizeUseCase{
		subOrders:  subOrders,
		vendors:    vendors,
		clients:    clients,
		gateway:    gateway,
		publisher:  publisher,
		tel:        tel,
		currency:   currency,
		log:        tel.Logger().With(observability.F("service", paymentService)),
		reqCounter: tel.Metrics().Counter(observability.MUsecaseRequests),
		durHist:    tel.Metrics().Histogram(observability.MUsecaseDuration),
		now:        time.Now,
	}
}

// Execute ensures exactly one valid funds hold exists for the sub-order.
func (uc *AuthorizeUseCase) Execute(ctx context.Context, cmd AuthorizeInput) (_ *AuthorizeResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseAuthorize),
		observability.F("sub_order_id", cmd.SubOrderID),
	)

	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"AuthorizePayment",
		attribute.String("use_case", useCaseAuthorize),
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
			observability.L("use_case", useCaseAuthorize),
			observability.L("outcome", outcome),
		)
		uc.durHist.Observe(time.Since(start).Seconds(),
			observability.L("use_case", useCaseAuthorize),
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
		return nil, errors.New("authorize: sub-order id is required")
	}

	so, err := uc.subOrders.FindByID(ctx, cmd.SubOrderID)
	if err != nil {
		outcome, statusText = "error", "SUB_ORDER_LOOKUP_FAILED"
		return nil, fmt.Errorf("authorize: %w", err)
	}

	// Idempotency fast-path: reuse a live hold, recreate a dead one. The
	// gateway is the source of truth; a locally cached status alone is not
	// trusted.
	staleRef := ""
	if so.Authorized() {
		auth, gerr := uc.gateway.GetAuthorization(ctx, so.AuthorizationReference)
		switch {
		case gerr == nil && auth.Usable():
			statusText = "IDEMPOTENT_REPLAY"
			span.AddEvent("authorization.idempotent_replay")
			so = uc.repairFromLiveHold(ctx, logger, so, auth)
			return &AuthorizeResult{
				Success:          true,
				AuthorizationRef: so.AuthorizationReference,
				PaymentStatus:    so.PaymentStatus,
			}, nil
		case gerr == nil:
			staleRef = so.AuthorizationReference
			logger.Warn("stale_authorization_superseded",
				observability.F("authorization_ref", staleRef),
				observability.F("gateway_status", string(auth.Status)),
			)
		default:
			cls := dompay.Classify(gerr)
			if cls.Code != codeResourceMissing {
				outcome, statusText = "error", "AUTHORIZATION_LOOKUP_FAILED"
				logger.Warn("authorization_lookup_failed",
					observability.F("code", cls.Code),
					observability.F("error", gerr.Error()),
				)
				return uc.recordFailure(ctx, logger, so, cls)
			}
			// The hold vanished server-side; fall through and create a new one.
			staleRef = so.AuthorizationReference
			logger.Warn("authorization_missing_at_gateway",
				observability.F("authorization_ref", staleRef),
			)
		}
	}

	// Precondition validation. Local checks only; no state mutation and no
	// gateway call on violation.
	cl, err := uc.clients.FindByID(ctx, so.ClientID)
	if err != nil {
		outcome, statusText = "error", "CLIENT_LOOKUP_FAILED"
		return nil, fmt.Errorf("authorize: %w", err)
	}
	vn, err := uc.vendors.FindByID(ctx, so.VendorID)
	if err != nil {
		outcome, statusText = "error", "VENDOR_LOOKUP_FAILED"
		return nil, fmt.Errorf("authorize: %w", err)
	}
	if reason := preconditionFailure(cl, vn); reason != "" {
		outcome, statusText = "error", "PRECONDITION_FAILED"
		logger.Warn("authorization_precondition_failed", observability.F("reason", reason))
		return &AuthorizeResult{
			Success:       false,
			PaymentStatus: so.PaymentStatus,
			ErrorMessage:  reason,
		}, nil
	}

	if so.PaymentStatus == suborder.StatusFailed {
		if terr := so.ResetForRetry(uc.now()); terr != nil {
			outcome, statusText = "error", "STATE_TRANSITION_FAILED"
			return nil, fmt.Errorf("authorize: %w", terr)
		}
	}

	auth, gerr := uc.gateway.CreateAuthorization(ctx, CreateAuthorizationRequest{
		SubOrderID:           so.ID,
		AmountCents:          so.SubTotalCents,
		Currency:             uc.currency,
		CustomerID:           cl.GatewayCustomerID,
		PaymentMethodID:      cl.DefaultPaymentMethodID,
		DestinationAccountID: vn.ConnectedAccountID,
		IdempotencyKey:       AuthorizationIdempotencyKey(so.ID),
	})
	if gerr != nil {
		cls := dompay.Classify(gerr)
		outcome, statusText = "error", "GATEWAY_AUTHORIZATION_FAILED"
		logger.Warn("authorization_attempt_failed",
			observability.F("code", cls.Code),
			observability.F("kind", string(cls.Kind)),
			observability.F("error", gerr.Error()),
		)
		return uc.recordFailure(ctx, logger, so, cls)
	}

	localStatus := uc.localStatusFor(logger, auth.Status)
	if localStatus == suborder.StatusFailed {
		outcome, statusText = "error", "AUTHORIZATION_CANCELED"
		return uc.recordFailure(ctx, logger, so, dompay.Classification{
			Kind:        dompay.FailurePermanent,
			Code:        "authorization_canceled",
			SafeMessage: dompay.GenericSafeMessage,
		})
	}

	now := uc.now()
	updated := so.Clone()
	if aerr := updated.AdoptAuthorization(auth.ID, localStatus, dompay.AuthorizationDeadline(now), now); aerr != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		uc.requestCancel(ctx, logger, so.ID, auth.ID, "invalid local state transition")
		return nil, fmt.Errorf("authorize: %w", aerr)
	}

	claimed, perr := uc.subOrders.ClaimAuthorization(ctx, updated, staleRef)
	if perr != nil {
		// Money may be held without a local record. Release the orphan and
		// surface the persistence error; it must not be swallowed.
		outcome, statusText = "error", "PERSISTENCE_FAILED"
		uc.requestCancel(ctx, logger, so.ID, auth.ID, "persistence failure after hold creation")
		logger.Error("authorization_persist_failed",
			observability.F("authorization_ref", auth.ID),
			observability.F("error", perr.Error()),
		)
		return nil, fmt.Errorf("authorize: persist authorization: %w", perr)
	}
	if !claimed {
		// A concurrent invocation recorded its hold first. The loser adopts
		// the winner's reference and releases its own hold; a race loss is
		// success, not failure.
		winner, ferr := uc.subOrders.FindByID(ctx, so.ID)
		uc.requestCancel(ctx, logger, so.ID, auth.ID, "lost authorization race")
		if ferr != nil {
			outcome, statusText = "error", "RACE_WINNER_LOOKUP_FAILED"
			return nil, fmt.Errorf("authorize: %w", ferr)
		}
		if !winner.Authorized() {
			outcome, statusText = "error", "AUTHORIZATION_STATE_CHANGED"
			return nil, errors.New("authorize: authorization changed concurrently")
		}
		statusText = "RACE_LOST_ADOPTED_WINNER"
		span.AddEvent("authorization.race_lost")
		logger.Info("authorization_race_lost",
			observability.F("winner_ref", winner.AuthorizationReference),
			observability.F("loser_ref", auth.ID),
		)
		return &AuthorizeResult{
			Success:          true,
			AuthorizationRef: winner.AuthorizationReference,
			PaymentStatus:    winner.PaymentStatus,
		}, nil
	}

	uc.publish(ctx, logger, suborder.NewAuthorizationSucceededEvent(updated))
	span.SetAttributes(attribute.String("suborder.payment_status", string(updated.PaymentStatus)))

	if localStatus == suborder.StatusPending {
		// The hold exists but the client must act before it guarantees funds.
		statusText = "CLIENT_ACTION_REQUIRED"
		return &AuthorizeResult{
			Success:          false,
			AuthorizationRef: auth.ID,
			PaymentStatus:    updated.PaymentStatus,
			ErrorMessage:     "The payment requires additional client action before it can be guaranteed.",
		}, nil
	}

	return &AuthorizeResult{
		Success:          true,
		AuthorizationRef: auth.ID,
		PaymentStatus:    updated.PaymentStatus,
	}, nil
}

// repairFromLiveHold re-syncs the stored record with a hold the gateway
// reports as usable before the idempotent replay returns. Without it, a
// transiently failed attempt whose hold survived keeps a FAILED status and a
// due retry, and the retry poller re-picks the sub-order on every tick. The
// repair is best effort; on any error the replay still answers from the
// stored snapshot and the next poll gets another chance.
func (uc *AuthorizeUseCase) repairFromLiveHold(
	ctx context.Context,
	logger observability.Logger,
	so *suborder.SubOrder,
	auth *dompay.Authorization,
) *suborder.SubOrder {
	target := uc.localStatusFor(logger, auth.Status)
	if so.PaymentStatus == target && so.NextPaymentRetryAt == nil {
		return so
	}

	now := uc.now()
	updated := so.Clone()
	if updated.PaymentStatus == suborder.StatusFailed && !updated.PaymentStatus.CanTransition(target) {
		if terr := updated.ResetForRetry(now); terr != nil {
			logger.Warn("authorization_repair_skipped", observability.F("error", terr.Error()))
			return so
		}
	}
	deadline := dompay.AuthorizationDeadline(now)
	if so.AuthorizationExpiresAt != nil {
		deadline = *so.AuthorizationExpiresAt
	}
	if aerr := updated.AdoptAuthorization(so.AuthorizationReference, target, deadline, now); aerr != nil {
		logger.Warn("authorization_repair_skipped", observability.F("error", aerr.Error()))
		return so
	}
	if uerr := uc.subOrders.Update(ctx, updated); uerr != nil {
		logger.Warn("authorization_repair_persist_failed",
			observability.F("authorization_ref", so.AuthorizationReference),
			observability.F("error", uerr.Error()),
		)
		return so
	}
	logger.Info("authorization_repaired_from_live_hold",
		observability.F("authorization_ref", so.AuthorizationReference),
		observability.F("payment_status", string(target)),
	)
	return updated
}

// recordFailure persists a classified failed attempt and schedules the next
// retry for transient failures. The persistence here happens before any
// money moved, so a write error is surfaced loudly.
func (uc *AuthorizeUseCase) recordFailure(
	ctx context.Context,
	logger observability.Logger,
	so *suborder.SubOrder,
	cls dompay.Classification,
) (*AuthorizeResult, error) {
	now := uc.now()
	var nextRetry *time.Time
	if cls.Retryable() {
		nextRetry = dompay.NextRetryAt(now, so.PaymentAttemptCount)
	}

	if terr := so.MarkFailed(now, cls.Code, cls.SafeMessage, cls.RequiresClientUpdate, nextRetry); terr != nil {
		return nil, fmt.Errorf("authorize: %w", terr)
	}
	if uerr := uc.subOrders.Update(ctx, so); uerr != nil {
		return nil, fmt.Errorf("authorize: record failure: %w", uerr)
	}

	uc.publish(ctx, logger, suborder.NewAuthorizationFailedEvent(so, cls.Retryable()))
	if nextRetry != nil {
		uc.tel.Metrics().Counter(observability.MRetriesScheduled).Add(1,
			observability.L("use_case", useCaseAuthorize),
		)
	}

	return &AuthorizeResult{
		Success:       false,
		PaymentStatus: so.PaymentStatus,
		ErrorMessage:  cls.SafeMessage,
		Retryable:     cls.Retryable(),
	}, nil
}

// requestCancel hands a redundant hold to the compensation queue. Failure to
// enqueue is logged, never fatal: a stray hold expires on its own after the
// validity window.
func (uc *AuthorizeUseCase) requestCancel(ctx context.Context, logger observability.Logger, subOrderID, ref, reason string) {
	if uc.publisher == nil || ref == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := uc.publisher.Publish(pubCtx, suborder.NewCancelAuthorizationRequestedEvent(subOrderID, ref, reason)); err != nil {
		logger.Warn("authorization_cancel_enqueue_failed",
			observability.F("authorization_ref", ref),
			observability.F("error", err.Error()),
		)
	}
}

func (uc *AuthorizeUseCase) publish(ctx context.Context, logger observability.Logger, e domoutbox.Event) {
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

// localStatusFor maps the gateway hold state onto the sub-order status.
// Unrecognized gateway statuses default to PENDING with a warning.
func (uc *AuthorizeUseCase) localStatusFor(logger observability.Logger, status dompay.AuthorizationStatus) suborder.Status {
	switch status {
	case dompay.AuthorizationRequiresCapture:
		return suborder.StatusProcessing
	case dompay.AuthorizationRequiresAction, dompay.AuthorizationRequiresPaymentMethod:
		return suborder.StatusPending
	case dompay.AuthorizationCanceled:
		return suborder.StatusFailed
	case dompay.AuthorizationSucceeded:
		return suborder.StatusSucceeded
	default:
		logger.Warn("unrecognized_authorization_status",
			observability.F("gateway_status", string(status)),
		)
		return suborder.StatusPending
	}
}

func preconditionFailure(cl *client.Client, vn *vendor.Vendor) string {
	switch {
	case cl.GatewayCustomerID == "":
		return "client has no payment profile at the gateway"
	case cl.DefaultPaymentMethodID == "":
		return "client has no default payment method on file"
	case vn.ConnectedAccountID == "":
		return "vendor has no connected payout account"
	case !vn.ChargesEnabled:
		return "vendor is not enabled to receive charges"
	default:
		return ""
	}
}
