// Package services – QuotaService
//
// This file implements the quota ledger: the per-billing-account
// remaining-token budget, the reached-limit sentinel, and the single
// overage-invoice side effect when an account crosses zero. Charge is the
// one operation in the system that requires an atomic read-modify-write; it
// is serialized per billing account (never globally) with an in-process
// keyed mutex.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/billing"
	"github.com/gptbase/chat-backend/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// QuotaRepo defines the persistence contract required by QuotaService.
type QuotaRepo interface {
	// GetLatestPlan returns the most recent plan row for a billing account.
	GetLatestPlan(ctx context.Context, db *gorm.DB, stripeID string) (*domain.Plan, error)

	// UpdatePlanTokens persists a new remaining-token value.
	UpdatePlanTokens(ctx context.Context, db *gorm.DB, planID string, remaining int64) error

	// SetPlanReachedLimit marks a plan as exhausted.
	SetPlanReachedLimit(ctx context.Context, db *gorm.DB, planID string) error

	// ClearReachedLimit clears the marker on all of an account's plan rows.
	ClearReachedLimit(ctx context.Context, db *gorm.DB, stripeID string) error

	// CreatePlan inserts the plan row for a fresh billing cycle.
	CreatePlan(ctx context.Context, db *gorm.DB, stripeID, subscriptionID, priceID string, tokens int64, startAt, endAt time.Time) (*domain.Plan, error)

	// DeletePlanBySubscription invalidates plans of a cancelled subscription.
	DeletePlanBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string) error
}

// LimitFlags is the cache surface holding the reached-limit sentinel read on
// the chat hot path.
type LimitFlags interface {
	SetReachLimit(ctx context.Context, stripeID string) error
	ReachLimit(ctx context.Context, stripeID string) (bool, error)
	ClearReachLimit(ctx context.Context, stripeID string) error
}

// QuotaService owns the usage budget of billing accounts.
type QuotaService struct {
	DB       *gorm.DB
	Repo     QuotaRepo
	Flags    LimitFlags
	Invoices billing.InvoiceCreator

	// DefaultCycleTokens seeds the budget of a plan created by a payment
	// event that does not carry an explicit allowance.
	DefaultCycleTokens int64

	mu       sync.Mutex
	accounts map[string]*sync.Mutex
}

// accountLock returns the mutex serializing charges for one billing account,
// creating it on first use. Lock granularity is exactly per account.
func (s *QuotaService) accountLock(stripeID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accounts == nil {
		s.accounts = make(map[string]*sync.Mutex)
	}
	l, ok := s.accounts[stripeID]
	if !ok {
		l = &sync.Mutex{}
		s.accounts[stripeID] = l
	}
	return l
}

// Charge deducts amount tokens from the account's most recent plan.
//
// Semantics:
//   - If the remaining budget was strictly positive before the charge, the
//     amount is subtracted (the balance may go negative on this operation).
//   - Otherwise the account has crossed its limit: the overage invoice is
//     created exactly once per crossing, and the reached-limit sentinel is
//     set. An invoice-creation failure is logged but never blocks setting
//     the sentinel; the system fails toward blocking further usage.
func (s *QuotaService) Charge(ctx context.Context, stripeID string, amount int64) error {
	tr := otel.Tracer("services/QuotaService")
	ctx, span := tr.Start(ctx, "Charge",
		trace.WithAttributes(
			attribute.String("billing.account", stripeID),
			attribute.Int64("charge.amount", amount),
		),
	)
	defer span.End()

	if amount < 0 {
		return ErrNegativeAmount
	}

	lock := s.accountLock(stripeID)
	lock.Lock()
	defer lock.Unlock()

	plan, err := s.Repo.GetLatestPlan(ctx, s.DB, stripeID)
	if err != nil {
		return ErrPlanNotFound
	}

	if plan.TokenRemaining > 0 {
		return s.Repo.UpdatePlanTokens(ctx, s.DB, plan.ID, plan.TokenRemaining-amount)
	}

	// At or below zero. Invoice only on the first crossing of this cycle.
	if !plan.ReachedLimit {
		if err := s.Invoices.CreateOverageInvoice(ctx, stripeID); err != nil {
			log.Error().Err(err).
				Str("stripe_id", stripeID).
				Msg("overage invoice creation failed; blocking account anyway")
		}
		if err := s.Repo.SetPlanReachedLimit(ctx, s.DB, plan.ID); err != nil {
			log.Error().Err(err).Str("plan_id", plan.ID).Msg("persist reached-limit failed")
		}
	}
	return s.Flags.SetReachLimit(ctx, stripeID)
}

// Exhausted reports whether the account currently carries the reached-limit
// sentinel. Read on every chat turn before generation.
func (s *QuotaService) Exhausted(ctx context.Context, stripeID string) (bool, error) {
	return s.Flags.ReachLimit(ctx, stripeID)
}

// PaymentSucceeded applies the successful-payment side effects: the
// reached-limit sentinel is removed, every historical plan marker for the
// account is cleared, and a fresh plan row replaces (not merges with) the
// previous cycle.
func (s *QuotaService) PaymentSucceeded(ctx context.Context, stripeID, subscriptionID, priceID string, startAt, endAt time.Time) error {
	tr := otel.Tracer("services/QuotaService")
	ctx, span := tr.Start(ctx, "PaymentSucceeded",
		trace.WithAttributes(attribute.String("billing.account", stripeID)),
	)
	defer span.End()

	lock := s.accountLock(stripeID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.Flags.ClearReachLimit(ctx, stripeID); err != nil {
		return err
	}
	if err := s.Repo.ClearReachedLimit(ctx, s.DB, stripeID); err != nil {
		return err
	}
	_, err := s.Repo.CreatePlan(ctx, s.DB, stripeID, subscriptionID, priceID, s.DefaultCycleTokens, startAt, endAt)
	return err
}

// SubscriptionCancelled invalidates the plans of a cancelled subscription.
func (s *QuotaService) SubscriptionCancelled(ctx context.Context, subscriptionID string) error {
	return s.Repo.DeletePlanBySubscription(ctx, s.DB, subscriptionID)
}
