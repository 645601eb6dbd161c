// Package domain defines the persistence models for tenants, users, billing
// plans, and processed webhook events. These types are mapped with GORM and
// form the relational data layer of the chat backend; all hot-path state
// (history, counters, FAQ cache) lives in Redis instead.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Tenant represents an isolated knowledge-base collection owned by one
// customer. A tenant's quota is backed by the billing account (Stripe
// customer) of its owner.
//
// Fields:
//   - ID: stable UUID primary key (char(36)); doubles as the vector-store
//     collection name.
//   - Owner: identifier of the owning user; indexed for lookup.
//   - Name / Description: human-readable metadata.
//   - Fallback: message returned to end users once the backing billing
//     account has exhausted its token budget.
type Tenant struct {
	ID          string         `json:"id"          gorm:"type:char(36);primaryKey"`
	Owner       string         `json:"owner"       gorm:"type:varchar(64);not null;index:idx_tenant_owner"`
	Name        string         `json:"name"        gorm:"type:varchar(255);not null"`
	Description string         `json:"description" gorm:"type:text"`
	Fallback    string         `json:"fallback"    gorm:"type:text;not null;default:'limit reached'"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-"           gorm:"index"`
}

// TableName returns the database table name for Tenant.
func (Tenant) TableName() string { return "tenants" }

// User links an application identity to its billing-provider customer record.
type User struct {
	ID        string    `json:"id"        gorm:"type:varchar(64);primaryKey"`
	Email     string    `json:"email"     gorm:"type:varchar(255);not null;uniqueIndex"`
	StripeID  string    `json:"stripe_id" gorm:"type:varchar(64);index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Plan is one billing cycle of a subscription: a monotonically decremented
// remaining-token budget plus a cached reached-limit marker. A renewal
// inserts a fresh row rather than mutating the old one; the most recent row
// per billing account is authoritative.
//
// Fields:
//   - StripeID: the billing-account (Stripe customer) id; indexed because
//     every charge resolves the latest plan for an account.
//   - SubscriptionID: the provider subscription backing this cycle.
//   - PriceID: the purchased price tier.
//   - TokenRemaining: remaining usage budget; may go negative on the charge
//     that crosses zero.
//   - ReachedLimit: set once the budget is exhausted; cleared only by a
//     successful-payment event.
type Plan struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	StripeID       string         `json:"stripe_id"       gorm:"type:varchar(64);not null;index:idx_plan_stripe"`
	SubscriptionID string         `json:"subscription_id" gorm:"type:varchar(64);not null;index"`
	PriceID        string         `json:"price_id"        gorm:"type:varchar(64);not null"`
	TokenRemaining int64          `json:"token_remaining" gorm:"not null"`
	ReachedLimit   bool           `json:"reached_limit"   gorm:"not null;default:false"`
	StartAt        time.Time      `json:"start_at"`
	EndAt          time.Time      `json:"end_at"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_plan_stripe,priority:2"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`
}

// TableName returns the database table name for Plan.
func (Plan) TableName() string { return "plans" }

// WebhookEvent records a processed billing-provider event, keyed by the
// provider's event id. It makes webhook delivery retries idempotent: a replay
// of an already-recorded event id is acknowledged without re-executing side
// effects.
type WebhookEvent struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	EventID   string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_webhook_event"`
	Type      string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (WebhookEvent) TableName() string { return "webhook_events" }
