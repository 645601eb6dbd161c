// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the WebhookEvent
// model used to make billing-provider webhook deliveries idempotent.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/domain"
)

// ErrDuplicate indicates that a webhook event with the given provider event
// id has already been recorded.
var ErrDuplicate = errors.New("duplicate")

// GetWebhookEvent returns a non-expired record or ErrNotFound.
func GetWebhookEvent(ctx context.Context, db *gorm.DB, eventID string, now time.Time) (*domain.WebhookEvent, error) {
	if strings.TrimSpace(eventID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.WebhookEvent
	err := db.WithContext(ctx).
		Where("event_id = ? AND expires_at > ?", eventID, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateWebhookEvent inserts a record and returns ErrDuplicate on unique violation.
func CreateWebhookEvent(ctx context.Context, db *gorm.DB, eventID, eventType string, ttl time.Duration) (*domain.WebhookEvent, error) {
	now := time.Now().UTC()
	rec := &domain.WebhookEvent{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Type:      eventType,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}
