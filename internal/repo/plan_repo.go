// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Plan model:
// the per-billing-account quota rows mutated by the quota ledger and the
// payment webhook.
//
// Concurrency note: these functions perform no locking of their own. The
// quota ledger (services.QuotaService) serializes charge operations per
// billing account before calling into this package.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/domain"
)

// GetLatestPlan returns the most recently created plan row for a billing
// account, or ErrNotFound if the account has no plan.
func GetLatestPlan(ctx context.Context, db *gorm.DB, stripeID string) (*domain.Plan, error) {
	var p domain.Plan
	err := db.WithContext(ctx).
		Where("stripe_id = ?", stripeID).
		Order("created_at desc").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePlan inserts a fresh plan row for a billing cycle. Renewals always
// insert; the previous cycle's row is kept for audit and superseded by
// creation order.
func CreatePlan(ctx context.Context, db *gorm.DB, stripeID, subscriptionID, priceID string, tokens int64, startAt, endAt time.Time) (*domain.Plan, error) {
	p := &domain.Plan{
		ID:             uuid.NewString(),
		StripeID:       stripeID,
		SubscriptionID: subscriptionID,
		PriceID:        priceID,
		TokenRemaining: tokens,
		StartAt:        startAt,
		EndAt:          endAt,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePlanTokens persists a new remaining-token value for a plan row.
func UpdatePlanTokens(ctx context.Context, db *gorm.DB, planID string, remaining int64) error {
	res := db.WithContext(ctx).
		Model(&domain.Plan{}).
		Where("id = ?", planID).
		Update("token_remaining", remaining)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPlanReachedLimit marks a plan row as having exhausted its budget.
func SetPlanReachedLimit(ctx context.Context, db *gorm.DB, planID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Plan{}).
		Where("id = ?", planID).
		Update("reached_limit", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearReachedLimit clears the reached-limit marker on every historical plan
// row of a billing account. Invoked by the successful-payment event.
func ClearReachedLimit(ctx context.Context, db *gorm.DB, stripeID string) error {
	return db.WithContext(ctx).
		Model(&domain.Plan{}).
		Where("stripe_id = ?", stripeID).
		Update("reached_limit", false).Error
}

// DeletePlanBySubscription soft-deletes all plan rows of a cancelled
// subscription.
func DeletePlanBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string) error {
	return db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Delete(&domain.Plan{}).Error
}
