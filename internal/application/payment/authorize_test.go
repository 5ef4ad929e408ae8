package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	dompay "github.com/openstall/marketplace-payments/internal/domain/payment"
	"github.com/openstall/marketplace-payments/internal/domain/suborder"
)

func TestAuthorizeHappyPath(t *testing.T) {
	t.Parallel()

	repo := newFakeSubOrderRepo(pendingSubOrder("so-1"))
	gw := &fakeGateway{}
	pub := &capturingPublisher{}
	uc := newAuthorizeForTest(repo, gw, pub, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %+v", res)
	}
	if res.AuthorizationRef != "pi_new" {
		t.Errorf("AuthorizationRef = %q", res.AuthorizationRef)
	}
	if res.PaymentStatus != suborder.StatusProcessing {
		t.Errorf("PaymentStatus = %s, want PROCESSING", res.PaymentStatus)
	}

	if len(gw.createCalls) != 1 {
		t.Fatalf("CreateAuthorization calls = %d, want 1", len(gw.createCalls))
	}
	req := gw.createCalls[0]
	if req.AmountCents != 5000 || req.Currency != "usd" {
		t.Errorf("amount/currency = %d/%s", req.AmountCents, req.Currency)
	}
	if req.CustomerID != "cus_1" || req.PaymentMethodID != "pm_1" || req.DestinationAccountID != "acct_1" {
		t.Errorf("charge routing fields wrong: %+v", req)
	}
	if req.IdempotencyKey != "pre-auth-so-1" {
		t.Errorf("IdempotencyKey = %q", req.IdempotencyKey)
	}

	stored := repo.stored("so-1")
	if stored.PaymentStatus != suborder.StatusProcessing || stored.AuthorizationReference != "pi_new" {
		t.Errorf("persisted state: %s/%q", stored.PaymentStatus, stored.AuthorizationReference)
	}
	if stored.AuthorizationExpiresAt == nil || !stored.AuthorizationExpiresAt.Equal(testNow.Add(7*24*time.Hour)) {
		t.Errorf("AuthorizationExpiresAt = %v", stored.AuthorizationExpiresAt)
	}
	if len(pub.named("payment.authorization_succeeded")) != 1 {
		t.Error("missing authorization_succeeded event")
	}
}

func TestAuthorizeIdempotentReplay(t *testing.T) {
	t.Parallel()

	so := pendingSubOrder("so-1")
	so.PaymentStatus = suborder.StatusProcessing
	so.AuthorizationReference = "pi_live"
	repo := newFakeSubOrderRepo(so)
	gw := &fakeGateway{}
	uc := newAuthorizeForTest(repo, gw, &capturingPublisher{}, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.AuthorizationRef != "pi_live" {
		t.Fatalf("replay result = %+v", res)
	}
	if len(gw.createCalls) != 0 {
		t.Errorf("replay created a second hold: %d calls", len(gw.createCalls))
	}
	if len(gw.getCalls) != 1 || gw.getCalls[0] != "pi_live" {
		t.Errorf("getCalls = %v, want one verification of pi_live", gw.getCalls)
	}
}

func TestAuthorizeReplayRepairsFailedRecord(t *testing.T) {
	t.Parallel()

	// A transient failure left the record FAILED with a due retry, but the
	// hold is alive at the gateway. The replay must repair the stored row or
	// the retry poller keeps re-picking it on every tick.
	retry := testNow.Add(-time.Minute)
	so := pendingSubOrder("so-1")
	so.PaymentStatus = suborder.StatusFailed
	so.AuthorizationReference = "pi_live"
	so.PaymentAttemptCount = 1
	so.NextPaymentRetryAt = &retry
	so.PaymentLastErrorCode = "rate_limit_error"
	repo := newFakeSubOrderRepo(so)
	gw := &fakeGateway{}
	uc := newAuthorizeForTest(repo, gw, &capturingPublisher{}, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.AuthorizationRef != "pi_live" {
		t.Fatalf("replay result = %+v", res)
	}
	if res.PaymentStatus != suborder.StatusProcessing {
		t.Errorf("result PaymentStatus = %s, want PROCESSING", res.PaymentStatus)
	}
	if len(gw.createCalls) != 0 {
		t.Errorf("repair created a second hold: %d calls", len(gw.createCalls))
	}

	stored := repo.stored("so-1")
	if stored.PaymentStatus != suborder.StatusProcessing {
		t.Errorf("stored PaymentStatus = %s, want PROCESSING", stored.PaymentStatus)
	}
	if stored.NextPaymentRetryAt != nil {
		t.Error("stored retry schedule survived a successful replay")
	}
	if stored.PaymentLastErrorCode != "" {
		t.Errorf("stored PaymentLastErrorCode = %q", stored.PaymentLastErrorCode)
	}
}

func TestAuthorizeReplayRepairsSettledHold(t *testing.T) {
	t.Parallel()

	retry := testNow.Add(-time.Minute)
	so := pendingSubOrder("so-1")
	so.PaymentStatus = suborder.StatusFailed
	so.AuthorizationReference = "pi_live"
	so.PaymentAttemptCount = 1
	so.NextPaymentRetryAt = &retry
	repo := newFakeSubOrderRepo(so)
	gw := &fakeGateway{
		getFn: func(ref string) (*dompay.Authorization, error) {
			return &dompay.Authorization{ID: ref, Status: dompay.AuthorizationSucceeded}, nil
		},
	}
	uc := newAuthorizeForTest(repo, gw, &capturingPublisher{}, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("replay result = %+v", res)
	}

	stored := repo.stored("so-1")
	if !stored.Paid() {
		t.Errorf("settled hold not reconciled: status = %s", stored.PaymentStatus)
	}
	if stored.NextPaymentRetryAt != nil {
		t.Error("stored retry schedule survived settlement")
	}
}

func TestAuthorizeRecreatesDeadHold(t *testing.T) {
	t.Parallel()

	so := pendingSubOrder("so-1")
	so.PaymentStatus = suborder.StatusFailed
	so.AuthorizationReference = "pi_dead"
	repo := newFakeSubOrderRepo(so)
	gw := &fakeGateway{
		getFn: func(ref string) (*dompay.Authorization, error) {
			return &dompay.Authorization{ID: ref, Status: dompay.AuthorizationCanceled}, nil
		},
	}
	uc := newAuthorizeForTest(repo, gw, &capturingPublisher{}, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.AuthorizationRef != "pi_new" {
		t.Fatalf("result = %+v, want fresh hold", res)
	}

	stored := repo.stored("so-1")
	if stored.AuthorizationReference != "pi_new" {
		t.Errorf("stored ref = %q, want pi_new", stored.AuthorizationReference)
	}
}

func TestAuthorizeRecreatesMissingHold(t *testing.T) {
	t.Parallel()

	so := pendingSubOrder("so-1")
	so.PaymentStatus = suborder.StatusProcessing
	so.AuthorizationReference = "pi_gone"
	repo := newFakeSubOrderRepo(so)
	gw := &fakeGateway{
		getFn: func(string) (*dompay.Authorization, error) {
			return nil, &dompay.GatewayError{Code: "resource_missing", Type: "invalid_request_error"}
		},
	}
	uc := newAuthorizeForTest(repo, gw, &capturingPublisher{}, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.AuthorizationRef != "pi_new" {
		t.Fatalf("result = %+v, want fresh hold", res)
	}
	if len(gw.createCalls) != 1 {
		t.Errorf("createCalls = %d, want 1", len(gw.createCalls))
	}
}

func TestAuthorizePreconditionsBlockGatewayCall(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		customerID  string
		methodID    string
		accountID   string
		chargesOK   bool
		wantMessage string
	}{
		{"no gateway profile", "", "pm_1", "acct_1", true, "client has no payment profile at the gateway"},
		{"no default payment method", "cus_1", "", "acct_1", true, "client has no default payment method on file"},
		{"no connected account", "cus_1", "pm_1", "", true, "vendor has no connected payout account"},
		{"charges disabled", "cus_1", "pm_1", "acct_1", false, "vendor is not enabled to receive charges"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cl := readyClient()
			cl.GatewayCustomerID = tc.customerID
			cl.DefaultPaymentMethodID = tc.methodID
			vn := readyVendor()
			vn.ConnectedAccountID = tc.accountID
			vn.ChargesEnabled = tc.chargesOK

			repo := newFakeSubOrderRepo(pendingSubOrder("so-1"))
			gw := &fakeGateway{}
			uc := newAuthorizeForTest(repo, gw, &capturingPublisher{}, cl, vn)

			res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Success {
				t.Fatal("Success = true despite failed precondition")
			}
			if res.ErrorMessage != tc.wantMessage {
				t.Errorf("ErrorMessage = %q, want %q", res.ErrorMessage, tc.wantMessage)
			}
			if len(gw.createCalls) != 0 {
				t.Error("gateway called despite failed precondition")
			}
			stored := repo.stored("so-1")
			if stored.PaymentStatus != suborder.StatusPending || stored.PaymentAttemptCount != 0 {
				t.Errorf("precondition failure mutated state: %s attempts=%d",
					stored.PaymentStatus, stored.PaymentAttemptCount)
			}
		})
	}
}

func TestAuthorizeTransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	repo := newFakeSubOrderRepo(pendingSubOrder("so-1"))
	gw := &fakeGateway{
		createFn: func(CreateAuthorizationRequest) (*dompay.Authorization, error) {
			return nil, &dompay.GatewayError{Code: "rate_limit_error", Message: "too many requests"}
		},
	}
	pub := &capturingPublisher{}
	uc := newAuthorizeForTest(repo, gw, pub, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || !res.Retryable {
		t.Fatalf("result = %+v, want retryable failure", res)
	}

	stored := repo.stored("so-1")
	if stored.PaymentStatus != suborder.StatusFailed {
		t.Errorf("PaymentStatus = %s", stored.PaymentStatus)
	}
	if stored.PaymentAttemptCount != 1 {
		t.Errorf("PaymentAttemptCount = %d", stored.PaymentAttemptCount)
	}
	want := testNow.Add(5 * time.Minute)
	if stored.NextPaymentRetryAt == nil || !stored.NextPaymentRetryAt.Equal(want) {
		t.Errorf("NextPaymentRetryAt = %v, want %v", stored.NextPaymentRetryAt, want)
	}
	if len(pub.named("payment.authorization_failed")) != 1 {
		t.Error("missing authorization_failed event")
	}
}

func TestAuthorizePermanentDeclineDoesNotSchedule(t *testing.T) {
	t.Parallel()

	repo := newFakeSubOrderRepo(pendingSubOrder("so-1"))
	gw := &fakeGateway{
		createFn: func(CreateAuthorizationRequest) (*dompay.Authorization, error) {
			return nil, &dompay.GatewayError{Code: "card_declined", DeclineCode: "insufficient_funds"}
		},
	}
	uc := newAuthorizeForTest(repo, gw, &capturingPublisher{}, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Retryable {
		t.Fatalf("result = %+v, want non-retryable failure", res)
	}

	stored := repo.stored("so-1")
	if stored.NextPaymentRetryAt != nil {
		t.Errorf("NextPaymentRetryAt = %v, want nil", stored.NextPaymentRetryAt)
	}
	if !stored.RequiresClientUpdate {
		t.Error("RequiresClientUpdate not set for card decline")
	}
	if stored.PaymentLastErrorCode != "insufficient_funds" {
		t.Errorf("PaymentLastErrorCode = %q", stored.PaymentLastErrorCode)
	}
}

func TestAuthorizeRetryLadderExhaustion(t *testing.T) {
	t.Parallel()

	so := pendingSubOrder("so-1")
	so.PaymentStatus = suborder.StatusFailed
	so.PaymentAttemptCount = dompay.MaxAutomaticAttempts
	repo := newFakeSubOrderRepo(so)
	gw := &fakeGateway{
		createFn: func(CreateAuthorizationRequest) (*dompay.Authorization, error) {
			return nil, &dompay.GatewayError{Code: "api_error"}
		},
	}
	uc := newAuthorizeForTest(repo, gw, &capturingPublisher{}, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true")
	}

	stored := repo.stored("so-1")
	if stored.NextPaymentRetryAt != nil {
		t.Errorf("exhausted ladder still scheduled retry at %v", stored.NextPaymentRetryAt)
	}
	if stored.PaymentAttemptCount != dompay.MaxAutomaticAttempts+1 {
		t.Errorf("PaymentAttemptCount = %d", stored.PaymentAttemptCount)
	}
}

func TestAuthorizeRaceLoserAdoptsWinner(t *testing.T) {
	t.Parallel()

	repo := newFakeSubOrderRepo(pendingSubOrder("so-1"))
	gw := &fakeGateway{
		// A concurrent invocation wins the conditional write while our own
		// gateway call is in flight.
		createFn: func(req CreateAuthorizationRequest) (*dompay.Authorization, error) {
			winner := pendingSubOrder("so-1")
			winner.PaymentStatus = suborder.StatusProcessing
			winner.AuthorizationReference = "pi_winner"
			repo.setStored(winner)
			return &dompay.Authorization{ID: "pi_loser", Status: dompay.AuthorizationRequiresCapture}, nil
		},
	}
	pub := &capturingPublisher{}
	uc := newAuthorizeForTest(repo, gw, pub, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("race loss must still succeed: %+v", res)
	}
	if res.AuthorizationRef != "pi_winner" {
		t.Errorf("AuthorizationRef = %q, want the winner's", res.AuthorizationRef)
	}

	if len(gw.cancelCalls) != 0 {
		t.Errorf("loser canceled directly, want compensation event: %v", gw.cancelCalls)
	}
	cancels := pub.named("payment.cancel_authorization_requested")
	if len(cancels) != 1 {
		t.Fatalf("cancel requests = %d, want 1", len(cancels))
	}
	evt := cancels[0].(suborder.CancelAuthorizationRequestedEvent)
	if evt.AuthorizationRef != "pi_loser" {
		t.Errorf("canceled ref = %q, want pi_loser", evt.AuthorizationRef)
	}

	stored := repo.stored("so-1")
	if stored.AuthorizationReference != "pi_winner" {
		t.Errorf("stored ref = %q, winner must be kept", stored.AuthorizationReference)
	}
}

func TestAuthorizePersistenceFailureCompensates(t *testing.T) {
	t.Parallel()

	repo := newFakeSubOrderRepo(pendingSubOrder("so-1"))
	repo.claimErr = errors.New("connection lost")
	pub := &capturingPublisher{}
	gw := &fakeGateway{}
	uc := newAuthorizeForTest(repo, gw, pub, readyClient(), readyVendor())

	_, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err == nil {
		t.Fatal("persistence failure must surface an error")
	}

	cancels := pub.named("payment.cancel_authorization_requested")
	if len(cancels) != 1 {
		t.Fatalf("cancel requests = %d, want 1", len(cancels))
	}
	if evt := cancels[0].(suborder.CancelAuthorizationRequestedEvent); evt.AuthorizationRef != "pi_new" {
		t.Errorf("canceled ref = %q, want pi_new", evt.AuthorizationRef)
	}
}

func TestAuthorizeClientActionRequired(t *testing.T) {
	t.Parallel()

	repo := newFakeSubOrderRepo(pendingSubOrder("so-1"))
	gw := &fakeGateway{
		createFn: func(CreateAuthorizationRequest) (*dompay.Authorization, error) {
			return &dompay.Authorization{ID: "pi_new", Status: dompay.AuthorizationRequiresAction}, nil
		},
	}
	uc := newAuthorizeForTest(repo, gw, &capturingPublisher{}, readyClient(), readyVendor())

	res, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "so-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("a hold awaiting client action does not guarantee funds")
	}
	if res.AuthorizationRef != "pi_new" {
		t.Errorf("AuthorizationRef = %q", res.AuthorizationRef)
	}
	if stored := repo.stored("so-1"); stored.PaymentStatus != suborder.StatusPending {
		t.Errorf("PaymentStatus = %s, want PENDING", stored.PaymentStatus)
	}
}

func TestAuthorizeUnknownSubOrder(t *testing.T) {
	t.Parallel()

	uc := newAuthorizeForTest(newFakeSubOrderRepo(), &fakeGateway{}, &capturingPublisher{}, readyClient(), readyVendor())

	_, err := uc.Execute(context.Background(), AuthorizeInput{SubOrderID: "missing"})
	if !errors.Is(err, suborder.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
