package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	appPayment "github.com/openstall/marketplace-payments/internal/application/payment"
	"github.com/openstall/marketplace-payments/internal/domain/suborder"
	"github.com/openstall/marketplace-payments/internal/observability"
	"github.com/openstall/marketplace-payments/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const (
	orderService        = "order-service"
	useCaseOrderConfirm = "order.confirm"
	spanPrefix          = "UC."

	// Sub-orders are independent units of concurrency; the cap only bounds
	// pressure on the gateway.
	defaultConcurrency = 4
)

var ErrNoSubOrders = errors.New("order: no sub-orders to confirm")

type ConfirmOrderInput struct {
	OrderID string
}

// SubOrderOutcome is the per-vendor result of the confirmation fan-out.
type SubOrderOutcome struct {
	SubOrderID       string
	Success          bool
	AuthorizationRef string
	ErrorMessage     string
	Retryable        bool
}

type ConfirmOrderResult struct {
	OrderID  string
	Outcomes []SubOrderOutcome
	// AllAuthorized is true when every sub-order obtained a usable hold.
	AllAuthorized bool
}

// ConfirmOrderUseCase fans an order confirmation out into one authorization
// per sub-order. Authorizations for distinct sub-orders run concurrently;
// each is independently idempotent, so re-confirming an order is safe.
type ConfirmOrderUseCase struct {
	subOrders   suborder.Repository
	authorize   *appPayment.AuthorizeUseCase
	tel         observability.Observability
	concurrency int

	log        observability.Logger
	reqCounter observability.Counter
	durHist    observability.Histogram
}

func NewConfirmOrderUseCase(
	subOrders suborder.Repository,
	authorize *appPayment.AuthorizeUseCase,
	tel observability.Observability,
) *ConfirmOrderUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	return &ConfirmOrderUseCase{
		subOrders:   subOrders,
		authorize:   authorize,
		tel:         tel,
		concurrency: defaultConcurrency,
		log:         tel.Logger().With(observability.F("service", orderService)),
		reqCounter:  tel.Metrics().Counter(observability.MUsecaseRequests),
		durHist:     tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

// Execute authorizes every sub-order of the given order.
func (uc *ConfirmOrderUseCase) Execute(ctx context.Context, cmd ConfirmOrderInput) (_ *ConfirmOrderResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseOrderConfirm),
		observability.F("order_id", cmd.OrderID),
	)

	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"ConfirmOrder",
		attribute.String("use_case", useCaseOrderConfirm),
		attribute.String("order.id", cmd.OrderID),
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
			observability.L("use_case", useCaseOrderConfirm),
			observability.L("outcome", outcome),
		)
		uc.durHist.Observe(time.Since(start).Seconds(),
			observability.L("use_case", useCaseOrderConfirm),
		)
		logger.Info("use_case_done",
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", time.Since(start).Seconds()),
		)
	}()

	if cmd.OrderID == "" {
		outcome, statusText = "error", "ORDER_ID_REQUIRED"
		return nil, errors.New("order: order id is required")
	}

	subOrders, err := uc.subOrders.ListByOrder(ctx, cmd.OrderID)
	if err != nil {
		outcome, statusText = "error", "SUB_ORDER_LIST_FAILED"
		return nil, fmt.Errorf("order: %w", err)
	}
	if len(subOrders) == 0 {
		outcome, statusText = "error", "NO_SUB_ORDERS"
		return nil, ErrNoSubOrders
	}

	outcomes := make([]SubOrderOutcome, len(subOrders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.concurrency)

	for i, so := range subOrders {
		i, so := i, so
		g.Go(func() error {
			res, aerr := uc.authorize.Execute(gctx, appPayment.AuthorizeInput{SubOrderID: so.ID})
			if aerr != nil {
				outcomes[i] = SubOrderOutcome{
					SubOrderID:   so.ID,
					Success:      false,
					ErrorMessage: "The payment could not be processed for this vendor.",
				}
				logger.Error("sub_order_authorization_errored",
					observability.F("sub_order_id", so.ID),
					observability.F("error", aerr.Error()),
				)
				return nil
			}
			outcomes[i] = SubOrderOutcome{
				SubOrderID:       so.ID,
				Success:          res.Success,
				AuthorizationRef: res.AuthorizationRef,
				ErrorMessage:     res.ErrorMessage,
				Retryable:        res.Retryable,
			}
			return nil
		})
	}
	// Individual failures are reported per sub-order, never as a group error.
	_ = g.Wait()

	allAuthorized := true
	for _, o := range outcomes {
		if !o.Success {
			allAuthorized = false
			break
		}
	}
	if !allAuthorized {
		statusText = "PARTIALLY_AUTHORIZED"
	}
	span.SetAttributes(attribute.Bool("order.all_authorized", allAuthorized))

	return &ConfirmOrderResult{
		OrderID:       cmd.OrderID,
		Outcomes:      outcomes,
		AllAuthorized: allAuthorized,
	}, nil
}
