// Package handlers – billing-provider webhook.
//
// Stripe retries deliveries until acknowledged, so the handler must be
// idempotent: every event id is recorded in the webhook-event store before
// its side effects run, and a duplicate id acknowledges immediately without
// reapplying anything.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v79"

	"github.com/gptbase/chat-backend/internal/billing"
	"github.com/gptbase/chat-backend/internal/http/middleware"
	"github.com/gptbase/chat-backend/internal/repo"
)

// BillingEvents is the quota-ledger surface driven by webhook deliveries.
type BillingEvents interface {
	PaymentSucceeded(ctx context.Context, stripeID, subscriptionID, priceID string, startAt, endAt time.Time) error
	SubscriptionCancelled(ctx context.Context, subscriptionID string) error
}

// StripeWebhook verifies, deduplicates, and applies one webhook delivery.
// Unhandled event types are acknowledged so the provider stops retrying
// them.
func (h *Handler) StripeWebhook(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable payload")
		return
	}
	event, err := billing.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"), h.WebhookSecret)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadSignature, "signature verification failed")
		return
	}

	ctx := c.Request.Context()
	if _, err := repo.CreateWebhookEvent(ctx, h.DB, event.ID, string(event.Type), h.EventTTL); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			ok(c, http.StatusOK, gin.H{"received": true, "duplicate": true})
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "event record failed")
		return
	}

	if err := h.applyEvent(ctx, event); err != nil {
		lg.Error().Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("webhook event application failed")
		// A non-2xx makes Stripe redeliver; the dedup record was written,
		// so the retry would be swallowed. Surface the failure instead.
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "event application failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"received": true})
}

func (h *Handler) applyEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return err
		}
		if inv.Customer == nil {
			return errors.New("invoice without customer")
		}
		var subID, priceID string
		if inv.Subscription != nil {
			subID = inv.Subscription.ID
		}
		start, end := inv.PeriodStart, inv.PeriodEnd
		if inv.Lines != nil && len(inv.Lines.Data) > 0 {
			line := inv.Lines.Data[0]
			if line.Price != nil {
				priceID = line.Price.ID
			}
			if line.Period != nil {
				start, end = line.Period.Start, line.Period.End
			}
		}
		return h.Billing.PaymentSucceeded(ctx, inv.Customer.ID, subID, priceID,
			time.Unix(start, 0).UTC(), time.Unix(end, 0).UTC())

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		if sub.Customer == nil {
			return errors.New("subscription without customer")
		}
		// Only an activated subscription refreshes the budget; other
		// status transitions (past_due, trialing edits) are ignored.
		if sub.Status != stripe.SubscriptionStatusActive {
			return nil
		}
		var priceID string
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			priceID = sub.Items.Data[0].Price.ID
		}
		return h.Billing.PaymentSucceeded(ctx, sub.Customer.ID, sub.ID, priceID,
			time.Unix(sub.CurrentPeriodStart, 0).UTC(), time.Unix(sub.CurrentPeriodEnd, 0).UTC())

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return h.Billing.SubscriptionCancelled(ctx, sub.ID)

	case "customer.created":
		var cust stripe.Customer
		if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
			return err
		}
		if cust.Email == "" {
			return nil
		}
		return repo.SetUserStripeIDByEmail(ctx, h.DB, cust.Email, cust.ID)

	default:
		return nil
	}
}
