// Package services – TenantService
//
// This file implements the tenant → billing-account resolution performed at
// session open: the tenant's owner maps to a Stripe customer, cached in
// Redis, and the account must carry at least one plan row to be usable.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/domain"
	"github.com/gptbase/chat-backend/internal/repo"
)

// BillingLookupCache caches the tenant → billing-account resolution.
type BillingLookupCache interface {
	TenantStripeID(ctx context.Context, tenant string) (string, error)
	SetTenantStripeID(ctx context.Context, tenant, stripeID string) error
}

// TenantService resolves tenants and their backing billing accounts.
type TenantService struct {
	DB    *gorm.DB
	Cache BillingLookupCache
}

// Resolve returns the tenant record and its billing-account id. It fails
// with ErrTenantNotFound when the tenant (or its owner's billing link) is
// missing, and with ErrPlanNotFound when the account has no plan at all;
// both close the session at handshake time.
func (s *TenantService) Resolve(ctx context.Context, tenantID string) (*domain.Tenant, string, error) {
	tenant, err := repo.GetTenant(ctx, s.DB, tenantID)
	if err != nil {
		return nil, "", ErrTenantNotFound
	}

	stripeID, err := s.Cache.TenantStripeID(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	if stripeID == "" {
		stripeID, err = repo.GetTenantStripeID(ctx, s.DB, tenantID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, "", ErrTenantNotFound
		}
		if err != nil {
			return nil, "", err
		}
		if err := s.Cache.SetTenantStripeID(ctx, tenantID, stripeID); err != nil {
			return nil, "", err
		}
	}

	// The account must be backed by at least one plan to serve sessions.
	if _, err := repo.GetLatestPlan(ctx, s.DB, stripeID); err != nil {
		return nil, "", ErrPlanNotFound
	}
	return tenant, stripeID, nil
}
