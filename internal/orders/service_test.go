package orders

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dumuapparels/igbot/internal/audit"
	"github.com/dumuapparels/igbot/internal/catalog"
	"github.com/dumuapparels/igbot/internal/identity"
	"github.com/dumuapparels/igbot/internal/payments"
)

// memStore mirrors the repo's conditional-update semantics in memory. The
// mutex plays the role of the repo's per-user row lock: one supersede+insert
// at a time.
type memStore struct {
	mu        sync.Mutex
	orders    map[string]Order
	conflicts []string
}

func newMemStore() *memStore { return &memStore{orders: map[string]Order{}} }

func (m *memStore) Get(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *memStore) ByExternalRef(_ context.Context, ref string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ExternalRef == ref {
			return o, nil
		}
	}
	return Order{}, ErrNotFound
}

func (m *memStore) CreateSuperseding(_ context.Context, o Order) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var superseded []string
	for id, ex := range m.orders {
		if ex.UserID == o.UserID && !ex.Status.Terminal() {
			ex.Status = StatusExpired
			m.orders[id] = ex
			superseded = append(superseded, id)
		}
	}
	o.Status = StatusCreated
	m.orders[o.ID] = o
	return superseded, nil
}

func (m *memStore) MarkLinkIssued(_ context.Context, orderID, provider, ref string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != StatusCreated {
		return ErrStaleOrder
	}
	o.Status, o.Provider, o.ExternalRef, o.ExpiresAt = StatusLinkIssued, provider, ref, expiresAt
	m.orders[orderID] = o
	return nil
}

func (m *memStore) Transition(_ context.Context, orderID string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || !CanTransition(from, to) || o.Status != from {
		return ErrStaleOrder
	}
	o.Status = to
	m.orders[orderID] = o
	return nil
}

func (m *memStore) ExpireStale(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, o := range m.orders {
		if o.Status == StatusLinkIssued && !o.ExpiresAt.After(now) {
			o.Status = StatusExpired
			m.orders[id] = o
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) RecordConflict(_ context.Context, orderID, _ string, _ Status, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = append(m.conflicts, orderID)
	return nil
}

func (m *memStore) openOrders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			n++
		}
	}
	return n
}

// fakeProvider scripts one backend's behavior per call.
type fakeProvider struct {
	name  string
	fail  error
	calls int
	reqs  []payments.LinkRequest
}

func (f *fakeProvider) Name() string                         { return f.name }
func (f *fakeProvider) Authenticate(context.Context) error   { return nil }
func (f *fakeProvider) ParseCallback(context.Context, *http.Request, []byte) (payments.CallbackResult, error) {
	return payments.CallbackResult{}, errors.New("not used")
}

func (f *fakeProvider) CreateLink(_ context.Context, req payments.LinkRequest) (payments.Link, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.fail != nil {
		return payments.Link{}, f.fail
	}
	return payments.Link{
		Provider:    f.name,
		ExternalRef: "ref-" + f.name,
		URL:         "https://pay.example/" + f.name,
		ExpiresAt:   time.Now().Add(req.Validity),
	}, nil
}

func testService(store Store, providers ...payments.Provider) *Service {
	return &Service{
		Store:   store,
		Chain:   &payments.Chain{Providers: providers, Log: slog.Default()},
		Audit:   audit.Nop{},
		Log:     slog.Default(),
		LinkTTL: 15 * time.Minute,
	}
}

var (
	testUser = identity.User{
		ID: "u1", InstagramID: "ig-1", Name: "Wanjiku Kamau", PhoneNumber: "+254712345678",
	}
	testProduct = catalog.Product{
		ID: "p1", Name: "Canvas Sneakers", PriceCents: 250000,
		Stock: catalog.StockIn, Active: true, Sizes: []string{"40", "41"},
	}
)

func TestStartSupersedesOpenOrder(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &fakeProvider{name: "kopokopo"})
	ctx := context.Background()

	first, err := svc.Start(ctx, testUser, testProduct, "40")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := svc.Start(ctx, testUser, testProduct, "41")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}

	got, _ := store.Get(ctx, first.ID)
	if got.Status != StatusExpired {
		t.Errorf("first order should be superseded to EXPIRED, got %s", got.Status)
	}

	if open := store.openOrders(); open != 1 {
		t.Errorf("want exactly one open order, got %d", open)
	}
	if got, _ := store.Get(ctx, second.ID); got.Status != StatusCreated {
		t.Errorf("new order should be CREATED, got %s", got.Status)
	}
}

func TestConcurrentStartsLeaveOneOpenOrder(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &fakeProvider{name: "kopokopo"})
	ctx := context.Background()

	const starts = 16
	var wg sync.WaitGroup
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Start(ctx, testUser, testProduct, "40"); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()

	if open := store.openOrders(); open != 1 {
		t.Fatalf("near-simultaneous starts must leave exactly one open order, got %d", open)
	}
	if len(store.orders) != starts {
		t.Errorf("every start creates a row, got %d", len(store.orders))
	}
}

func TestStartRejectsUnsellableProduct(t *testing.T) {
	svc := testService(newMemStore(), &fakeProvider{name: "kopokopo"})

	out := testProduct
	out.Stock = catalog.StockOut
	if _, err := svc.Start(context.Background(), testUser, out, "40"); !errors.Is(err, ErrProductUnavailable) {
		t.Fatalf("want ErrProductUnavailable, got %v", err)
	}

	inactive := testProduct
	inactive.Active = false
	if _, err := svc.Start(context.Background(), testUser, inactive, "40"); !errors.Is(err, ErrProductUnavailable) {
		t.Fatalf("want ErrProductUnavailable, got %v", err)
	}
}

func TestStartSnapshotsPrice(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &fakeProvider{name: "kopokopo"})

	o, err := svc.Start(context.Background(), testUser, testProduct, "40")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if o.AmountCents != testProduct.PriceCents {
		t.Fatalf("amount not snapshotted: got %d", o.AmountCents)
	}

	// A later catalog price change must not touch the stored order.
	got, _ := store.Get(context.Background(), o.ID)
	if got.AmountCents != 250000 {
		t.Errorf("stored amount changed: got %d", got.AmountCents)
	}
}

func TestIssueLinkFallsBackToSecondary(t *testing.T) {
	store := newMemStore()
	primary := &fakeProvider{
		name: "kopokopo",
		fail: &payments.Error{Provider: "kopokopo", Class: payments.ClassUnavailable, Err: errors.New("503")},
	}
	secondary := &fakeProvider{name: "pesapal"}
	svc := testService(store, primary, secondary)
	ctx := context.Background()

	o, _ := svc.Start(ctx, testUser, testProduct, "40")
	o, link, err := svc.IssueLink(ctx, o, testUser, testProduct, "")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	if link.Provider != "pesapal" {
		t.Errorf("want fallback provider pesapal, got %s", link.Provider)
	}
	if o.Status != StatusLinkIssued || o.Provider != "pesapal" {
		t.Errorf("order should record the provider that succeeded: %+v", o)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("want both providers tried once, got %d/%d", primary.calls, secondary.calls)
	}
}

func TestIssueLinkAllProvidersFail(t *testing.T) {
	store := newMemStore()
	fail := &payments.Error{Provider: "x", Class: payments.ClassUnavailable, Err: errors.New("down")}
	svc := testService(store,
		&fakeProvider{name: "kopokopo", fail: fail},
		&fakeProvider{name: "pesapal", fail: fail})
	ctx := context.Background()

	o, _ := svc.Start(ctx, testUser, testProduct, "40")
	_, _, err := svc.IssueLink(ctx, o, testUser, testProduct, "")
	if err == nil {
		t.Fatal("want error when every provider fails")
	}
	if payments.Classify(err) != payments.ClassUnavailable {
		t.Errorf("classification should survive the chain, got %s", payments.Classify(err))
	}

	got, _ := store.Get(ctx, o.ID)
	if got.Status != StatusFailed {
		t.Errorf("order should be FAILED after total issuance failure, got %s", got.Status)
	}
}

func TestIssueLinkHonorsPreferredProvider(t *testing.T) {
	store := newMemStore()
	kopo := &fakeProvider{name: "kopokopo"}
	pesa := &fakeProvider{name: "pesapal"}
	svc := testService(store, kopo, pesa)
	ctx := context.Background()

	o, _ := svc.Start(ctx, testUser, testProduct, "40")
	_, link, err := svc.IssueLink(ctx, o, testUser, testProduct, "pesapal")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	if link.Provider != "pesapal" {
		t.Errorf("want preferred provider pesapal, got %s", link.Provider)
	}
	if kopo.calls != 0 {
		t.Errorf("primary should not be tried when secondary is preferred and succeeds")
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	store := newMemStore()
	p := &fakeProvider{name: "kopokopo"}
	svc := testService(store, p)
	ctx := context.Background()

	o, _ := svc.Start(ctx, testUser, testProduct, "40")
	_, _, _ = svc.IssueLink(ctx, o, testUser, testProduct, "")

	if len(p.reqs) != 1 {
		t.Fatalf("want one provider call, got %d", len(p.reqs))
	}
	want := IdempotencyKey(o.ID)
	if p.reqs[0].IdempotencyKey != want {
		t.Errorf("idempotency key: got %q want %q", p.reqs[0].IdempotencyKey, want)
	}
	if IdempotencyKey(o.ID) != want {
		t.Errorf("key must be stable across calls")
	}
}

func TestReconcileGuardedTransition(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &fakeProvider{name: "kopokopo"})
	ctx := context.Background()

	o, _ := svc.Start(ctx, testUser, testProduct, "40")
	o, _, err := svc.IssueLink(ctx, o, testUser, testProduct, "")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}

	o, err = svc.Reconcile(ctx, o, true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if o.Status != StatusPaid {
		t.Fatalf("want PAID, got %s", o.Status)
	}

	// A second settle attempt hits the terminal guard.
	if _, err := svc.Reconcile(ctx, o, false); !errors.Is(err, ErrStaleOrder) {
		t.Fatalf("want ErrStaleOrder on settled order, got %v", err)
	}
	got, _ := store.Get(ctx, o.ID)
	if got.Status != StatusPaid {
		t.Errorf("terminal state must win, got %s", got.Status)
	}
}

func TestExpireStaleSweep(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &fakeProvider{name: "kopokopo"})
	now := time.Now().UTC()
	svc.Now = func() time.Time { return now }
	ctx := context.Background()

	o, _ := svc.Start(ctx, testUser, testProduct, "40")
	o, _, err := svc.IssueLink(ctx, o, testUser, testProduct, "")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}

	// Not yet expired.
	if n, _ := svc.ExpireStale(ctx); n != 0 {
		t.Fatalf("nothing should expire yet, got %d", n)
	}

	svc.Now = func() time.Time { return now.Add(16 * time.Minute) }
	n, err := svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 expired, got %d", n)
	}
	got, _ := store.Get(ctx, o.ID)
	if got.Status != StatusExpired {
		t.Errorf("want EXPIRED, got %s", got.Status)
	}
}
