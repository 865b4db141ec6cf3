package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Gateway is the hold/capture/release surface the trip machine needs.
// Funds are held when an agent is committed, captured on completion and
// released on cancellation.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

// StripeGateway is a thin wrapper around stripe-go PaymentIntents.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with the
// STRIPE_API_KEY env var.
func NewStripeGateway() *StripeGateway {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeGateway{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
func (s *StripeGateway) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeGateway) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeGateway) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}

// NoopGateway is used when no Stripe key is configured; every call
// succeeds without touching a payment processor.
type NoopGateway struct{}

func (NoopGateway) Hold(context.Context, int64, string, string) (string, error) { return "", nil }
func (NoopGateway) Capture(context.Context, string) error                       { return nil }
func (NoopGateway) Release(context.Context, string) error                       { return nil }
