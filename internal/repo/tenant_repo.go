// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Tenant
// model and the tenant → billing-account resolution used at session open.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateTenant inserts a new Tenant row owned by owner.
// The tenant ID is a randomly generated UUID (string), and CreatedAt is set to UTC.
func CreateTenant(ctx context.Context, db *gorm.DB, owner, name, description string) (*domain.Tenant, error) {
	t := &domain.Tenant{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        name,
		Description: description,
		Fallback:    "limit reached",
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// GetTenant fetches a tenant by ID, or ErrNotFound if missing.
func GetTenant(ctx context.Context, db *gorm.DB, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTenants returns all tenants, ordered by creation time ascending. Used
// by the FAQ synchronizer to enumerate per-tenant jobs.
func ListTenants(ctx context.Context, db *gorm.DB) ([]domain.Tenant, error) {
	var out []domain.Tenant
	err := db.WithContext(ctx).Order("created_at asc").Find(&out).Error
	return out, err
}

// GetTenantStripeID resolves the billing-account id backing a tenant: the
// Stripe customer of the tenant's owner. Returns ErrNotFound when either the
// tenant or the owner's billing record is missing or blank.
func GetTenantStripeID(ctx context.Context, db *gorm.DB, tenantID string) (string, error) {
	t, err := GetTenant(ctx, db, tenantID)
	if err != nil {
		return "", err
	}
	var u domain.User
	err = db.WithContext(ctx).Where("id = ?", t.Owner).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if u.StripeID == "" {
		return "", ErrNotFound
	}
	return u.StripeID, nil
}
