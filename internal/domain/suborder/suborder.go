package suborder

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("suborder: not found")
	ErrConflict = errors.New("suborder: already exists")
	// ErrNoAuthorization is returned when a capture is requested for a
	// sub-order that never obtained a funds hold.
	ErrNoAuthorization = errors.New("suborder: no authorization to capture")
)

// SubOrder is the per-vendor slice of a client order. The payment engine
// owns its payment fields; everything else is written by the order pipeline.
type SubOrder struct {
	ID       string
	OrderID  string
	ClientID string
	VendorID string

	// SubTotalCents is the amount in minor currency units.
	SubTotalCents int64

	PaymentStatus Status

	// AuthorizationReference is the gateway id of the funds hold. It is
	// claimed with a conditional write; see Repository.ClaimAuthorization.
	AuthorizationReference string

	PaymentAttemptCount  int
	LastPaymentAttemptAt *time.Time
	NextPaymentRetryAt   *time.Time

	PaymentLastErrorCode    string
	PaymentLastErrorMessage string

	AuthorizationExpiresAt *time.Time
	RequiresClientUpdate   bool

	// PaidAt is set exactly once, on successful capture.
	PaidAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so repositories can hand out snapshots.
func (s *SubOrder) Clone() *SubOrder {
	if s == nil {
		return nil
	}
	clone := *s
	clone.LastPaymentAttemptAt = cloneTime(s.LastPaymentAttemptAt)
	clone.NextPaymentRetryAt = cloneTime(s.NextPaymentRetryAt)
	clone.AuthorizationExpiresAt = cloneTime(s.AuthorizationExpiresAt)
	clone.PaidAt = cloneTime(s.PaidAt)
	return &clone
}

// Authorized reports whether a funds hold reference has been recorded.
func (s *SubOrder) Authorized() bool { return s.AuthorizationReference != "" }

// Paid reports whether the capture already settled.
func (s *SubOrder) Paid() bool {
	return s.PaymentStatus == StatusSucceeded && s.PaidAt != nil
}

// AdoptAuthorization records a funds hold and the local status derived from
// its gateway state. When the gateway auto-settled the hold the sub-order is
// paid immediately. Replacing a stale reference (the previous hold died at
// the gateway) re-enters the pending state first; a settled sub-order never
// adopts a new hold.
func (s *SubOrder) AdoptAuthorization(ref string, status Status, deadline, now time.Time) error {
	if s.PaymentStatus == StatusSucceeded {
		return ErrInvalidStateTransition
	}
	from := s.PaymentStatus
	if s.AuthorizationReference != "" && s.AuthorizationReference != ref {
		from = StatusPending
	}
	if !from.CanTransition(status) {
		return ErrInvalidStateTransition
	}
	s.AuthorizationReference = ref
	s.PaymentStatus = status
	s.AuthorizationExpiresAt = &deadline
	s.NextPaymentRetryAt = nil
	s.PaymentLastErrorCode = ""
	s.PaymentLastErrorMessage = ""
	s.RequiresClientUpdate = false
	if status == StatusSucceeded {
		s.PaidAt = &now
	}
	s.touch(now)
	return nil
}

// MarkSucceeded settles the sub-order. PaidAt is set here and nowhere else
// except AdoptAuthorization's auto-settled path.
func (s *SubOrder) MarkSucceeded(now time.Time) error {
	if !s.PaymentStatus.CanTransition(StatusSucceeded) {
		return ErrInvalidStateTransition
	}
	s.PaymentStatus = StatusSucceeded
	if s.PaidAt == nil {
		s.PaidAt = &now
	}
	s.NextPaymentRetryAt = nil
	s.PaymentLastErrorCode = ""
	s.PaymentLastErrorMessage = ""
	s.RequiresClientUpdate = false
	s.touch(now)
	return nil
}

// MarkFailed records a failed payment attempt. The attempt counter only ever
// increases. nextRetry is nil for permanent failures and exhausted ladders.
func (s *SubOrder) MarkFailed(now time.Time, code, safeMessage string, requiresClientUpdate bool, nextRetry *time.Time) error {
	if !s.PaymentStatus.CanTransition(StatusFailed) {
		return ErrInvalidStateTransition
	}
	s.PaymentStatus = StatusFailed
	s.PaymentAttemptCount++
	s.LastPaymentAttemptAt = &now
	s.NextPaymentRetryAt = cloneTime(nextRetry)
	s.PaymentLastErrorCode = code
	s.PaymentLastErrorMessage = safeMessage
	s.RequiresClientUpdate = requiresClientUpdate
	s.touch(now)
	return nil
}

// ResetForRetry moves a failed sub-order back to PENDING ahead of a fresh
// authorization attempt.
func (s *SubOrder) ResetForRetry(now time.Time) error {
	if !s.PaymentStatus.CanTransition(StatusPending) {
		return ErrInvalidStateTransition
	}
	s.PaymentStatus = StatusPending
	s.NextPaymentRetryAt = nil
	s.touch(now)
	return nil
}

func (s *SubOrder) touch(now time.Time) { s.UpdatedAt = now }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
