package payment

import "fmt"

// GatewayError is a gateway failure normalized by the transport adapter.
// Message carries the raw gateway text for logs only; it must never be
// persisted on a sub-order or shown to a client.
type GatewayError struct {
	// Code is the normalized error code, e.g. "card_declined".
	Code string
	// DeclineCode is the card-network decline detail when present,
	// e.g. "insufficient_funds".
	DeclineCode string
	// Type is the gateway error family, e.g. "card_error" or "api_error".
	Type string
	// Message is the raw gateway text.
	Message string
	// NetworkFailure marks transport-level failures (timeouts, resets)
	// that never produced a structured gateway response.
	NetworkFailure bool
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: %s", e.Message)
}
