package payment

import (
	"errors"
	"strings"
)

// FailureKind tells callers whether an automatic retry can plausibly succeed.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// Classification is the outcome of mapping a raw gateway failure onto the
// retry and messaging policy. SafeMessage is always drawn from the fixed
// table below, never from gateway text.
type Classification struct {
	Kind                   FailureKind
	Code                   string
	SafeMessage            string
	IsExpiredAuthorization bool
	RequiresClientUpdate   bool
}

// Retryable reports whether the failure may be handed to the retry scheduler.
func (c Classification) Retryable() bool { return c.Kind == FailureTransient }

type classRule struct {
	kind         FailureKind
	clientUpdate bool
	expired      bool
	message      string
}

// GenericSafeMessage is the fallback shown for failures with no table entry.
const GenericSafeMessage = "The payment could not be completed. Please try again later or contact support."

const (
	msgGenericFailure   = GenericSafeMessage
	msgDeclined         = "The card was declined. Please update the payment method."
	msgInsufficient     = "The card has insufficient funds. Please use a different payment method."
	msgExpiredCard      = "The card has expired. Please update the payment method."
	msgBadDetails       = "The card details are incorrect. Please update the payment method."
	msgContactBank      = "The card was declined. Please contact the card issuer or use a different payment method."
	msgAuthRequired     = "The payment method requires additional verification. Please update the payment method."
	msgHoldExpired      = "The payment hold expired before delivery was confirmed."
	msgGatewayBusy      = "The payment service is busy. The charge will be retried automatically."
	msgGatewayUnreached = "The payment service could not be reached. The charge will be retried automatically."
	msgGatewayTrouble   = "The payment service reported a temporary problem. The charge will be retried automatically."
	msgHoldMissing      = "The payment hold could not be found at the payment service. The charge will be retried automatically."

	codeNetworkFailure     = "api_connection_error"
	codeExpiredForCapture  = "charge_expired_for_capture"
	codeUnclassified       = "unclassified_error"
	codeCardDeclined       = "card_declined"
	codeAuthenticationFail = "authentication_required"
)

// classificationTable is the single authoritative code → classification
// mapping shared by both orchestrators. Codes are normalized gateway codes;
// card declines carrying a more specific decline code are keyed by it.
var classificationTable = map[string]classRule{
	// Card-level declines. Retrying without client action cannot succeed.
	codeCardDeclined:       {kind: FailurePermanent, clientUpdate: true, message: msgDeclined},
	"generic_decline":      {kind: FailurePermanent, clientUpdate: true, message: msgDeclined},
	"insufficient_funds":   {kind: FailurePermanent, clientUpdate: true, message: msgInsufficient},
	"expired_card":         {kind: FailurePermanent, clientUpdate: true, message: msgExpiredCard},
	"incorrect_cvc":        {kind: FailurePermanent, clientUpdate: true, message: msgBadDetails},
	"incorrect_number":     {kind: FailurePermanent, clientUpdate: true, message: msgBadDetails},
	"invalid_account":      {kind: FailurePermanent, clientUpdate: true, message: msgContactBank},
	"lost_card":            {kind: FailurePermanent, clientUpdate: true, message: msgContactBank},
	"stolen_card":          {kind: FailurePermanent, clientUpdate: true, message: msgContactBank},
	"fraudulent":           {kind: FailurePermanent, clientUpdate: true, message: msgContactBank},
	codeAuthenticationFail: {kind: FailurePermanent, clientUpdate: true, message: msgAuthRequired},

	// The 7-day hold window elapsed before capture. Permanent, but the
	// payment method itself is fine; a fresh authorization is the remedy.
	codeExpiredForCapture: {kind: FailurePermanent, expired: true, message: msgHoldExpired},

	// Gateway-side conditions that resolve on their own.
	"rate_limit_error":   {kind: FailureTransient, message: msgGatewayBusy},
	codeNetworkFailure:   {kind: FailureTransient, message: msgGatewayUnreached},
	"api_error":          {kind: FailureTransient, message: msgGatewayTrouble},
	"processing_error":   {kind: FailureTransient, message: msgGatewayTrouble},
	"lock_timeout":       {kind: FailureTransient, message: msgGatewayTrouble},
	"idempotency_error":  {kind: FailureTransient, message: msgGatewayTrouble},
	// A missing resource is ambiguous: the referenced hold may simply have
	// been reaped server-side, so a retry with a fresh hold can succeed.
	"resource_missing": {kind: FailureTransient, message: msgHoldMissing},
}

var transientMessageMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"unexpected eof",
	"eof",
	"temporarily unavailable",
	"tls handshake",
	"service unavailable",
}

// Classify maps a raw gateway failure into the retry and messaging policy.
// It is pure: no external calls, no state. Unknown errors default to
// permanent so the system never auto-retries forever on an error it does
// not understand.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: FailurePermanent, Code: codeUnclassified, SafeMessage: msgGenericFailure}
	}

	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		// Network-level errors often surface as plain transport errors
		// rather than structured gateway failures.
		if looksTransient(err.Error()) {
			return Classification{
				Kind:        FailureTransient,
				Code:        codeNetworkFailure,
				SafeMessage: msgGatewayUnreached,
			}
		}
		return Classification{Kind: FailurePermanent, Code: codeUnclassified, SafeMessage: msgGenericFailure}
	}

	if gerr.NetworkFailure {
		return Classification{
			Kind:        FailureTransient,
			Code:        codeNetworkFailure,
			SafeMessage: msgGatewayUnreached,
		}
	}

	code := normalizeCode(gerr)
	if rule, ok := classificationTable[code]; ok {
		return Classification{
			Kind:                   rule.kind,
			Code:                   code,
			SafeMessage:            rule.message,
			IsExpiredAuthorization: rule.expired,
			RequiresClientUpdate:   rule.clientUpdate,
		}
	}

	if looksTransient(gerr.Message) {
		return Classification{
			Kind:        FailureTransient,
			Code:        codeNetworkFailure,
			SafeMessage: msgGatewayUnreached,
		}
	}

	return Classification{Kind: FailurePermanent, Code: code, SafeMessage: msgGenericFailure}
}

// normalizeCode picks the most specific classification key available.
// A generic card_declined carrying a known decline code (for example
// insufficient_funds) is keyed by the decline code.
func normalizeCode(gerr *GatewayError) string {
	if gerr.Code == codeCardDeclined && gerr.DeclineCode != "" {
		if _, ok := classificationTable[gerr.DeclineCode]; ok {
			return gerr.DeclineCode
		}
		return codeCardDeclined
	}
	if gerr.Code != "" {
		return gerr.Code
	}
	if gerr.Type != "" {
		return gerr.Type
	}
	return codeUnclassified
}

func looksTransient(msg string) bool {
	lowered := strings.ToLower(msg)
	for _, marker := range transientMessageMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
