package payment

// AuthorizationStatus mirrors the gateway-side lifecycle of a funds hold.
// The hold itself is owned by the gateway; locally we persist only its
// reference id and interrogate the status on demand.
type AuthorizationStatus string

const (
	AuthorizationRequiresCapture       AuthorizationStatus = "requires_capture"
	AuthorizationRequiresAction        AuthorizationStatus = "requires_action"
	AuthorizationRequiresPaymentMethod AuthorizationStatus = "requires_payment_method"
	AuthorizationCanceled              AuthorizationStatus = "canceled"
	AuthorizationSucceeded             AuthorizationStatus = "succeeded"
)

// Authorization is a snapshot of a gateway funds hold.
type Authorization struct {
	ID                  string
	Status              AuthorizationStatus
	AmountCents         int64
	AmountCapturedCents int64
}

// Usable reports whether an existing hold still guarantees the funds:
// either it awaits capture or it has already settled.
func (a *Authorization) Usable() bool {
	if a == nil {
		return false
	}
	return a.Status == AuthorizationRequiresCapture || a.Status == AuthorizationSucceeded
}

// Capturable reports whether the hold can be converted into a charge.
func (a *Authorization) Capturable() bool {
	return a != nil && a.Status == AuthorizationRequiresCapture
}
