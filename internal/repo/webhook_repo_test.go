package repo

import (
	"context"
	"testing"
	"time"

	"github.com/gptbase/chat-backend/internal/domain"
)

func TestCreateWebhookEvent_DuplicateDetection(t *testing.T) {
	db := newRepoDB(t, &domain.WebhookEvent{})
	ctx := context.Background()

	rec, err := CreateWebhookEvent(ctx, db, "evt_1", "invoice.paid", time.Hour)
	if err != nil {
		t.Fatalf("CreateWebhookEvent: %v", err)
	}
	if rec.EventID != "evt_1" || rec.Type != "invoice.paid" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.ExpiresAt.After(rec.CreatedAt) {
		t.Fatalf("ExpiresAt %v not after CreatedAt %v", rec.ExpiresAt, rec.CreatedAt)
	}

	if _, err := CreateWebhookEvent(ctx, db, "evt_1", "invoice.paid", time.Hour); err != ErrDuplicate {
		t.Fatalf("redelivery: err = %v; want ErrDuplicate", err)
	}

	// Different provider event ids coexist.
	if _, err := CreateWebhookEvent(ctx, db, "evt_2", "customer.created", time.Hour); err != nil {
		t.Fatalf("CreateWebhookEvent evt_2: %v", err)
	}
}

func TestGetWebhookEvent_RespectsExpiry(t *testing.T) {
	db := newRepoDB(t, &domain.WebhookEvent{})
	ctx := context.Background()

	rec, err := CreateWebhookEvent(ctx, db, "evt_1", "invoice.paid", time.Hour)
	if err != nil {
		t.Fatalf("CreateWebhookEvent: %v", err)
	}

	if _, err := GetWebhookEvent(ctx, db, "evt_1", time.Now().UTC()); err != nil {
		t.Fatalf("GetWebhookEvent live: %v", err)
	}
	if _, err := GetWebhookEvent(ctx, db, "evt_1", rec.ExpiresAt.Add(time.Second)); err != ErrNotFound {
		t.Fatalf("expired record: err = %v; want ErrNotFound", err)
	}
	if _, err := GetWebhookEvent(ctx, db, "  ", time.Now().UTC()); err != ErrNotFound {
		t.Fatalf("blank id: err = %v; want ErrNotFound", err)
	}
}
