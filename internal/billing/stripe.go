// Package billing wraps the payment provider. The quota ledger uses it to
// create and send usage-overage invoices; the webhook handler uses it to
// verify event signatures. Both surfaces are intentionally narrow so tests
// can substitute fakes.
package billing

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/invoice"
	"github.com/stripe/stripe-go/v79/invoiceitem"
	"github.com/stripe/stripe-go/v79/webhook"
)

// InvoiceCreator creates and sends a usage-overage invoice for a billing
// account. Implementations must be safe for concurrent use.
type InvoiceCreator interface {
	CreateOverageInvoice(ctx context.Context, customerID string) error
}

// StripeInvoicer implements InvoiceCreator with the Stripe API. The package
// expects stripe.Key to be set once at startup.
type StripeInvoicer struct {
	// OveragePriceID is the price tier billed when an account exceeds its
	// token budget.
	OveragePriceID string
	// DaysUntilDue is the payment window on the generated invoice.
	DaysUntilDue int64
}

// CreateOverageInvoice adds the overage line item, creates a send-invoice
// mode invoice, and dispatches it to the customer.
func (s *StripeInvoicer) CreateOverageInvoice(ctx context.Context, customerID string) error {
	_, err := invoiceitem.New(&stripe.InvoiceItemParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
		Price:    stripe.String(s.OveragePriceID),
	})
	if err != nil {
		return fmt.Errorf("create overage line item: %w", err)
	}

	inv, err := invoice.New(&stripe.InvoiceParams{
		Params:           stripe.Params{Context: ctx},
		Customer:         stripe.String(customerID),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:     stripe.Int64(s.DaysUntilDue),
	})
	if err != nil {
		return fmt.Errorf("create overage invoice: %w", err)
	}

	if _, err := invoice.SendInvoice(inv.ID, &stripe.InvoiceSendInvoiceParams{
		Params: stripe.Params{Context: ctx},
	}); err != nil {
		return fmt.Errorf("send overage invoice: %w", err)
	}
	return nil
}

// VerifyWebhook checks the provider signature and parses the event payload.
func VerifyWebhook(payload []byte, signature, secret string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, signature, secret)
}
