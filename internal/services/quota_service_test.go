package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/domain"
)

// ----- Fakes -----

type fakeQuotaRepo struct {
	mu sync.Mutex

	plan   *domain.Plan
	getErr error

	updatedPlanID    string
	updatedRemaining int64
	updateCalls      int

	reachedPlanID string
	reachedCalls  int

	clearedStripeID string

	createdStripeID string
	createdTokens   int64

	deletedSubID string
}

func (r *fakeQuotaRepo) GetLatestPlan(ctx context.Context, db *gorm.DB, stripeID string) (*domain.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	cp := *r.plan
	return &cp, nil
}

func (r *fakeQuotaRepo) UpdatePlanTokens(ctx context.Context, db *gorm.DB, planID string, remaining int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updatedPlanID = planID
	r.updatedRemaining = remaining
	r.updateCalls++
	r.plan.TokenRemaining = remaining
	return nil
}

func (r *fakeQuotaRepo) SetPlanReachedLimit(ctx context.Context, db *gorm.DB, planID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reachedPlanID = planID
	r.reachedCalls++
	r.plan.ReachedLimit = true
	return nil
}

func (r *fakeQuotaRepo) ClearReachedLimit(ctx context.Context, db *gorm.DB, stripeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearedStripeID = stripeID
	if r.plan != nil {
		r.plan.ReachedLimit = false
	}
	return nil
}

func (r *fakeQuotaRepo) CreatePlan(ctx context.Context, db *gorm.DB, stripeID, subscriptionID, priceID string, tokens int64, startAt, endAt time.Time) (*domain.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createdStripeID = stripeID
	r.createdTokens = tokens
	r.plan = &domain.Plan{ID: "p-new", StripeID: stripeID, TokenRemaining: tokens}
	return r.plan, nil
}

func (r *fakeQuotaRepo) DeletePlanBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletedSubID = subscriptionID
	return nil
}

type fakeFlags struct {
	mu       sync.Mutex
	set      map[string]bool
	setCalls int
}

func newFakeFlags() *fakeFlags { return &fakeFlags{set: make(map[string]bool)} }

func (f *fakeFlags) SetReachLimit(ctx context.Context, stripeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set[stripeID] = true
	f.setCalls++
	return nil
}

func (f *fakeFlags) ReachLimit(ctx context.Context, stripeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[stripeID], nil
}

func (f *fakeFlags) ClearReachLimit(ctx context.Context, stripeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.set, stripeID)
	return nil
}

type fakeInvoicer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeInvoicer) CreateOverageInvoice(ctx context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

// ----- Tests -----

func TestCharge_SubtractsWhenPositive(t *testing.T) {
	repo := &fakeQuotaRepo{plan: &domain.Plan{ID: "p1", TokenRemaining: 100}}
	inv := &fakeInvoicer{}
	s := &QuotaService{Repo: repo, Flags: newFakeFlags(), Invoices: inv}

	if err := s.Charge(context.Background(), "acct_1", 30); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if repo.updatedRemaining != 70 {
		t.Fatalf("remaining = %d; want 70", repo.updatedRemaining)
	}
	if inv.calls != 0 {
		t.Fatalf("invoice created while budget positive")
	}
}

func TestCharge_MayGoNegative(t *testing.T) {
	// The check is "was positive before charging", not "sufficient".
	repo := &fakeQuotaRepo{plan: &domain.Plan{ID: "p1", TokenRemaining: 5}}
	s := &QuotaService{Repo: repo, Flags: newFakeFlags(), Invoices: &fakeInvoicer{}}

	if err := s.Charge(context.Background(), "acct_1", 50); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if repo.updatedRemaining != -45 {
		t.Fatalf("remaining = %d; want -45", repo.updatedRemaining)
	}
}

func TestCharge_InvoicesOncePerCrossing(t *testing.T) {
	repo := &fakeQuotaRepo{plan: &domain.Plan{ID: "p1", TokenRemaining: 0}}
	inv := &fakeInvoicer{}
	flags := newFakeFlags()
	s := &QuotaService{Repo: repo, Flags: flags, Invoices: inv}

	for i := 0; i < 3; i++ {
		if err := s.Charge(context.Background(), "acct_1", 10); err != nil {
			t.Fatalf("Charge #%d: %v", i, err)
		}
	}
	if inv.calls != 1 {
		t.Fatalf("invoice calls = %d; want 1", inv.calls)
	}
	if repo.reachedCalls != 1 {
		t.Fatalf("reached-limit persisted %d times; want 1", repo.reachedCalls)
	}
	if ok, _ := flags.ReachLimit(context.Background(), "acct_1"); !ok {
		t.Fatalf("reach-limit flag not set")
	}
}

func TestCharge_InvoiceFailureStillBlocks(t *testing.T) {
	repo := &fakeQuotaRepo{plan: &domain.Plan{ID: "p1", TokenRemaining: 0}}
	inv := &fakeInvoicer{err: errors.New("provider down")}
	flags := newFakeFlags()
	s := &QuotaService{Repo: repo, Flags: flags, Invoices: inv}

	if err := s.Charge(context.Background(), "acct_1", 10); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if ok, _ := flags.ReachLimit(context.Background(), "acct_1"); !ok {
		t.Fatalf("flag must be set even when invoicing fails")
	}
	if repo.reachedCalls != 1 {
		t.Fatalf("reached-limit not persisted")
	}
}

func TestCharge_NegativeAmountRejected(t *testing.T) {
	s := &QuotaService{Repo: &fakeQuotaRepo{plan: &domain.Plan{ID: "p1"}}, Flags: newFakeFlags(), Invoices: &fakeInvoicer{}}
	if err := s.Charge(context.Background(), "acct_1", -1); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("err = %v; want ErrNegativeAmount", err)
	}
}

func TestCharge_MissingPlan(t *testing.T) {
	repo := &fakeQuotaRepo{getErr: errors.New("no rows")}
	s := &QuotaService{Repo: repo, Flags: newFakeFlags(), Invoices: &fakeInvoicer{}}
	if err := s.Charge(context.Background(), "acct_1", 1); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("err = %v; want ErrPlanNotFound", err)
	}
}

func TestCharge_SerializesPerAccount(t *testing.T) {
	// 50 concurrent charges of 2 against a budget of 100 must land exactly
	// at 0 with no lost decrements.
	repo := &fakeQuotaRepo{plan: &domain.Plan{ID: "p1", TokenRemaining: 100}}
	s := &QuotaService{Repo: repo, Flags: newFakeFlags(), Invoices: &fakeInvoicer{}}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Charge(context.Background(), "acct_1", 2); err != nil {
				t.Errorf("Charge: %v", err)
			}
		}()
	}
	wg.Wait()

	if repo.plan.TokenRemaining != 0 {
		t.Fatalf("remaining = %d; want 0", repo.plan.TokenRemaining)
	}
	if repo.updateCalls != 50 {
		t.Fatalf("update calls = %d; want 50", repo.updateCalls)
	}
}

func TestPaymentSucceeded_ClearsAndReplaces(t *testing.T) {
	repo := &fakeQuotaRepo{plan: &domain.Plan{ID: "p1", TokenRemaining: 0, ReachedLimit: true}}
	flags := newFakeFlags()
	flags.set["acct_1"] = true
	s := &QuotaService{Repo: repo, Flags: flags, Invoices: &fakeInvoicer{}, DefaultCycleTokens: 500}

	start := time.Now().UTC()
	if err := s.PaymentSucceeded(context.Background(), "acct_1", "sub_1", "price_1", start, start.Add(30*24*time.Hour)); err != nil {
		t.Fatalf("PaymentSucceeded: %v", err)
	}
	if ok, _ := flags.ReachLimit(context.Background(), "acct_1"); ok {
		t.Fatalf("flag still set after payment")
	}
	if repo.clearedStripeID != "acct_1" {
		t.Fatalf("historical markers not cleared")
	}
	if repo.createdStripeID != "acct_1" || repo.createdTokens != 500 {
		t.Fatalf("fresh plan not created: %q/%d", repo.createdStripeID, repo.createdTokens)
	}
}

func TestSubscriptionCancelled(t *testing.T) {
	repo := &fakeQuotaRepo{plan: &domain.Plan{ID: "p1"}}
	s := &QuotaService{Repo: repo, Flags: newFakeFlags(), Invoices: &fakeInvoicer{}}
	if err := s.SubscriptionCancelled(context.Background(), "sub_9"); err != nil {
		t.Fatalf("SubscriptionCancelled: %v", err)
	}
	if repo.deletedSubID != "sub_9" {
		t.Fatalf("deleted sub = %q; want sub_9", repo.deletedSubID)
	}
}
