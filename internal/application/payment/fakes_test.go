package payment

import (
	"context"
	"sync"
	"time"

	"github.com/openstall/marketplace-payments/internal/domain/client"
	domoutbox "github.com/openstall/marketplace-payments/internal/domain/outbox"
	dompay "github.com/openstall/marketplace-payments/internal/domain/payment"
	"github.com/openstall/marketplace-payments/internal/domain/suborder"
	"github.com/openstall/marketplace-payments/internal/domain/vendor"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeGateway scripts gateway responses per call and records invocations.
type fakeGateway struct {
	mu sync.Mutex

	createFn func(req CreateAuthorizationRequest) (*dompay.Authorization, error)
	getFn    func(ref string) (*dompay.Authorization, error)
	cancelFn func(ref string) error
	capFn    func(ref, key string) (*dompay.Authorization, error)

	createCalls  []CreateAuthorizationRequest
	getCalls     []string
	cancelCalls  []string
	captureCalls []string
	captureKeys  []string
}

func (g *fakeGateway) CreateAuthorization(_ context.Context, req CreateAuthorizationRequest) (*dompay.Authorization, error) {
	g.mu.Lock()
	g.createCalls = append(g.createCalls, req)
	fn := g.createFn
	g.mu.Unlock()
	if fn == nil {
		return &dompay.Authorization{ID: "pi_new", Status: dompay.AuthorizationRequiresCapture, AmountCents: req.AmountCents}, nil
	}
	return fn(req)
}

func (g *fakeGateway) GetAuthorization(_ context.Context, ref string) (*dompay.Authorization, error) {
	g.mu.Lock()
	g.getCalls = append(g.getCalls, ref)
	fn := g.getFn
	g.mu.Unlock()
	if fn == nil {
		return &dompay.Authorization{ID: ref, Status: dompay.AuthorizationRequiresCapture}, nil
	}
	return fn(ref)
}

func (g *fakeGateway) CancelAuthorization(_ context.Context, ref string) error {
	g.mu.Lock()
	g.cancelCalls = append(g.cancelCalls, ref)
	fn := g.cancelFn
	g.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ref)
}

func (g *fakeGateway) Capture(_ context.Context, ref, key string) (*dompay.Authorization, error) {
	g.mu.Lock()
	g.captureCalls = append(g.captureCalls, ref)
	g.captureKeys = append(g.captureKeys, key)
	fn := g.capFn
	g.mu.Unlock()
	if fn == nil {
		return &dompay.Authorization{ID: ref, Status: dompay.AuthorizationSucceeded}, nil
	}
	return fn(ref, key)
}

// fakeSubOrderRepo wraps a map with optional error injection.
type fakeSubOrderRepo struct {
	mu        sync.Mutex
	subOrders map[string]*suborder.SubOrder

	updateErr error
	claimErr  error
	// claimRejected forces the conditional write to report a lost race.
	claimRejected bool

	updates int
	claims  int
}

func newFakeSubOrderRepo(seed ...*suborder.SubOrder) *fakeSubOrderRepo {
	r := &fakeSubOrderRepo{subOrders: make(map[string]*suborder.SubOrder)}
	for _, s := range seed {
		r.subOrders[s.ID] = s.Clone()
	}
	return r
}

func (r *fakeSubOrderRepo) FindByID(_ context.Context, id string) (*suborder.SubOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subOrders[id]
	if !ok {
		return nil, suborder.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *fakeSubOrderRepo) ListByOrder(_ context.Context, orderID string) ([]*suborder.SubOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*suborder.SubOrder
	for _, s := range r.subOrders {
		if s.OrderID == orderID {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (r *fakeSubOrderRepo) Update(_ context.Context, s *suborder.SubOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.subOrders[s.ID]; !ok {
		return suborder.ErrNotFound
	}
	r.subOrders[s.ID] = s.Clone()
	return nil
}

func (r *fakeSubOrderRepo) ClaimAuthorization(_ context.Context, s *suborder.SubOrder, previousRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims++
	if r.claimErr != nil {
		return false, r.claimErr
	}
	if r.claimRejected {
		return false, nil
	}
	stored, ok := r.subOrders[s.ID]
	if !ok {
		return false, suborder.ErrNotFound
	}
	if stored.AuthorizationReference != previousRef {
		return false, nil
	}
	r.subOrders[s.ID] = s.Clone()
	return true, nil
}

func (r *fakeSubOrderRepo) FindDueForRetry(_ context.Context, now time.Time, limit int) ([]*suborder.SubOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*suborder.SubOrder
	for _, s := range r.subOrders {
		if s.PaymentStatus == suborder.StatusFailed && s.NextPaymentRetryAt != nil && !s.NextPaymentRetryAt.After(now) {
			due = append(due, s.Clone())
		}
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// stored returns the repo's current copy, bypassing error injection.
func (r *fakeSubOrderRepo) stored(id string) *suborder.SubOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subOrders[id].Clone()
}

// setStored overwrites the repo's copy, simulating a concurrent writer.
func (r *fakeSubOrderRepo) setStored(s *suborder.SubOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subOrders[s.ID] = s.Clone()
}

type fakeVendorRepo struct {
	vendors map[string]*vendor.Vendor
}

func (r *fakeVendorRepo) FindByID(_ context.Context, id string) (*vendor.Vendor, error) {
	v, ok := r.vendors[id]
	if !ok {
		return nil, vendor.ErrNotFound
	}
	clone := *v
	return &clone, nil
}

type fakeClientRepo struct {
	clients map[string]*client.Client
}

func (r *fakeClientRepo) FindByID(_ context.Context, id string) (*client.Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, client.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

// capturingPublisher records every published event synchronously.
type capturingPublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
}

func (p *capturingPublisher) Publish(_ context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturingPublisher) named(name string) []domoutbox.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domoutbox.Event
	for _, e := range p.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

func pendingSubOrder(id string) *suborder.SubOrder {
	return &suborder.SubOrder{
		ID:            id,
		OrderID:       "ord-1",
		ClientID:      "cl-1",
		VendorID:      "vn-1",
		SubTotalCents: 5000,
		PaymentStatus: suborder.StatusPending,
		CreatedAt:     testNow.Add(-time.Hour),
		UpdatedAt:     testNow.Add(-time.Hour),
	}
}

func readyClient() *client.Client {
	return &client.Client{ID: "cl-1", GatewayCustomerID: "cus_1", DefaultPaymentMethodID: "pm_1"}
}

func readyVendor() *vendor.Vendor {
	return &vendor.Vendor{ID: "vn-1", Name: "Vendor One", ConnectedAccountID: "acct_1", ChargesEnabled: true}
}

func newAuthorizeForTest(repo *fakeSubOrderRepo, gw *fakeGateway, pub *capturingPublisher, cl *client.Client, vn *vendor.Vendor) *AuthorizeUseCase {
	uc := NewAuthorizeUseCase(
		repo,
		&fakeVendorRepo{vendors: map[string]*vendor.Vendor{vn.ID: vn}},
		&fakeClientRepo{clients: map[string]*client.Client{cl.ID: cl}},
		gw,
		pub,
		"usd",
		nil,
	)
	uc.now = func() time.Time { return testNow }
	return uc
}

func newCaptureForTest(repo *fakeSubOrderRepo, gw *fakeGateway, pub *capturingPublisher) *CaptureUseCase {
	uc := NewCaptureUseCase(repo, gw, pub, nil)
	uc.now = func() time.Time { return testNow }
	return uc
}
