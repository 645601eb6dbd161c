package services

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gptbase/chat-backend/internal/domain"
	"github.com/gptbase/chat-backend/internal/repo"
)

func newServiceDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("svc_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

type fakeBillingCache struct {
	stored map[string]string
	sets   int
}

func (f *fakeBillingCache) TenantStripeID(_ context.Context, tenant string) (string, error) {
	return f.stored[tenant], nil
}

func (f *fakeBillingCache) SetTenantStripeID(_ context.Context, tenant, stripeID string) error {
	if f.stored == nil {
		f.stored = map[string]string{}
	}
	f.stored[tenant] = stripeID
	f.sets++
	return nil
}

func seedBilledTenant(t *testing.T, db *gorm.DB) *domain.Tenant {
	t.Helper()
	ctx := context.Background()
	if err := db.Create(&domain.User{ID: "u1", Email: "a@b.c", StripeID: "acct_1"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	tenant, err := repo.CreateTenant(ctx, db, "u1", "Acme", "")
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if _, err := repo.CreatePlan(ctx, db, "acct_1", "sub_1", "price_1", 1000,
		time.Now().UTC(), time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return tenant
}

func TestTenantResolve_Success_PopulatesCache(t *testing.T) {
	db := newServiceDB(t, &domain.Tenant{}, &domain.User{}, &domain.Plan{})
	tenant := seedBilledTenant(t, db)
	cache := &fakeBillingCache{}
	svc := &TenantService{DB: db, Cache: cache}

	got, stripeID, err := svc.Resolve(context.Background(), tenant.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != tenant.ID || stripeID != "acct_1" {
		t.Fatalf("Resolve = (%v, %q)", got, stripeID)
	}
	if cache.sets != 1 || cache.stored[tenant.ID] != "acct_1" {
		t.Fatalf("resolution not cached: %+v", cache)
	}

	// Second resolve serves the billing id from the cache.
	if _, _, err := svc.Resolve(context.Background(), tenant.ID); err != nil {
		t.Fatalf("Resolve cached: %v", err)
	}
	if cache.sets != 1 {
		t.Fatalf("sets = %d; cached value must be reused", cache.sets)
	}
}

func TestTenantResolve_UnknownTenant(t *testing.T) {
	db := newServiceDB(t, &domain.Tenant{}, &domain.User{}, &domain.Plan{})
	svc := &TenantService{DB: db, Cache: &fakeBillingCache{}}

	if _, _, err := svc.Resolve(context.Background(), "missing"); err != ErrTenantNotFound {
		t.Fatalf("err = %v; want ErrTenantNotFound", err)
	}
}

func TestTenantResolve_OwnerWithoutBilling(t *testing.T) {
	db := newServiceDB(t, &domain.Tenant{}, &domain.User{}, &domain.Plan{})
	ctx := context.Background()
	if err := db.Create(&domain.User{ID: "u1", Email: "a@b.c"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	tenant, err := repo.CreateTenant(ctx, db, "u1", "Acme", "")
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	svc := &TenantService{DB: db, Cache: &fakeBillingCache{}}

	if _, _, err := svc.Resolve(ctx, tenant.ID); err != ErrTenantNotFound {
		t.Fatalf("err = %v; want ErrTenantNotFound", err)
	}
}

func TestTenantResolve_AccountWithoutPlan(t *testing.T) {
	db := newServiceDB(t, &domain.Tenant{}, &domain.User{}, &domain.Plan{})
	ctx := context.Background()
	if err := db.Create(&domain.User{ID: "u1", Email: "a@b.c", StripeID: "acct_1"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	tenant, err := repo.CreateTenant(ctx, db, "u1", "Acme", "")
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	svc := &TenantService{DB: db, Cache: &fakeBillingCache{}}

	if _, _, err := svc.Resolve(ctx, tenant.ID); err != ErrPlanNotFound {
		t.Fatalf("err = %v; want ErrPlanNotFound", err)
	}
}
