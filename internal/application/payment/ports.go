package payment

import (
	"context"

	dompay "github.com/openstall/marketplace-payments/internal/domain/payment"
)

// Gateway is the outbound port to the payment processor. Every mutating call
// carries a deterministic idempotency key so a network-level retry of the
// same logical request cannot create a second hold or a second charge.
type Gateway interface {
	CreateAuthorization(ctx context.Context, req CreateAuthorizationRequest) (*dompay.Authorization, error)
	GetAuthorization(ctx context.Context, ref string) (*dompay.Authorization, error)
	CancelAuthorization(ctx context.Context, ref string) error
	Capture(ctx context.Context, ref, idempotencyKey string) (*dompay.Authorization, error)
}

// CreateAuthorizationRequest describes a manual-capture, off-session funds
// hold with transfer-on-capture to the vendor's connected account.
type CreateAuthorizationRequest struct {
	SubOrderID           string
	AmountCents          int64
	Currency             string
	CustomerID           string
	PaymentMethodID      string
	DestinationAccountID string
	IdempotencyKey       string
}

// AuthorizationIdempotencyKey derives the hold-creation key for a sub-order.
func AuthorizationIdempotencyKey(subOrderID string) string {
	return "pre-auth-" + subOrderID
}

// CaptureIdempotencyKey derives the capture key for a sub-order.
func CaptureIdempotencyKey(subOrderID string) string {
	return "capture-" + subOrderID
}
