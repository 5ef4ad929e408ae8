package stripegateway

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	appPayment "github.com/openstall/marketplace-payments/internal/application/payment"
	dompay "github.com/openstall/marketplace-payments/internal/domain/payment"
	"github.com/openstall/marketplace-payments/internal/observability"
	"github.com/openstall/marketplace-payments/internal/observability/logctx"
)

const componentGateway = "stripe-gateway"

// Gateway adapts the Stripe PaymentIntents API to the application's payment
// gateway port. Holds are created with manual capture so funds are reserved
// at confirmation and moved only on capture; destination charges route each
// sub-order's funds to its vendor's connected account.
type Gateway struct {
	api *client.API

	log        observability.Logger
	reqCounter observability.Counter
	durHist    observability.Histogram
}

func New(secretKey string, tel observability.Observability) *Gateway {
	if tel == nil {
		tel = observability.Nop()
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Gateway{
		api:        api,
		log:        tel.Logger().With(observability.F("component", componentGateway)),
		reqCounter: tel.Metrics().Counter(observability.MGatewayRequests),
		durHist:    tel.Metrics().Histogram(observability.MGatewayRequestDuration),
	}
}

func (g *Gateway) CreateAuthorization(ctx context.Context, req appPayment.CreateAuthorizationRequest) (*dompay.Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.DestinationAccountID),
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)

	pi, err := g.call(ctx, "create_authorization", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.New(params)
	})
	if err != nil {
		return nil, err
	}
	return toAuthorization(pi), nil
}

func (g *Gateway) GetAuthorization(ctx context.Context, ref string) (*dompay.Authorization, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.call(ctx, "get_authorization", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.Get(ref, params)
	})
	if err != nil {
		return nil, err
	}
	return toAuthorization(pi), nil
}

func (g *Gateway) CancelAuthorization(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	_, err := g.call(ctx, "cancel_authorization", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.Cancel(ref, params)
	})
	return err
}

func (g *Gateway) Capture(ctx context.Context, ref, idempotencyKey string) (*dompay.Authorization, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)

	pi, err := g.call(ctx, "capture", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.Capture(ref, params)
	})
	if err != nil {
		return nil, err
	}
	return toAuthorization(pi), nil
}

// call wraps a single Stripe API invocation with metrics and error
// translation so callers only ever see *payment.GatewayError.
func (g *Gateway) call(ctx context.Context, op string, fn func() (*stripe.PaymentIntent, error)) (*stripe.PaymentIntent, error) {
	start := time.Now()
	pi, err := fn()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	g.reqCounter.Add(1,
		observability.L("operation", op),
		observability.L("outcome", outcome),
	)
	g.durHist.Observe(time.Since(start).Seconds(),
		observability.L("operation", op),
	)

	if err != nil {
		gerr := translateError(err)
		logctx.FromOr(ctx, g.log).Warn("gateway_call_failed",
			observability.F("operation", op),
			observability.F("code", gerr.Code),
			observability.F("type", gerr.Type),
			observability.F("network_failure", gerr.NetworkFailure),
		)
		return nil, gerr
	}
	return pi, nil
}

func toAuthorization(pi *stripe.PaymentIntent) *dompay.Authorization {
	if pi == nil {
		return nil
	}
	return &dompay.Authorization{
		ID:                  pi.ID,
		Status:              dompay.AuthorizationStatus(pi.Status),
		AmountCents:         pi.Amount,
		AmountCapturedCents: pi.AmountReceived,
	}
}

// translateError maps Stripe client errors onto the gateway-neutral error
// the domain classifier understands.
func translateError(err error) *dompay.GatewayError {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		code := string(serr.Code)
		if code == "" && serr.HTTPStatusCode == 429 {
			code = "rate_limit_error"
		}
		return &dompay.GatewayError{
			Code:        code,
			DeclineCode: string(serr.DeclineCode),
			Type:        string(serr.Type),
			Message:     serr.Msg,
		}
	}

	var nerr net.Error
	networkFailure := errors.As(err, &nerr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)

	return &dompay.GatewayError{
		Message:        err.Error(),
		NetworkFailure: networkFailure,
	}
}
