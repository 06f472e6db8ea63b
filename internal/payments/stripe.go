package payments

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Charge describes an off-session charge against a saved customer card.
type Charge struct {
	AmountMinor     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given secret key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates and confirms a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, c Charge) (string, error) {
	if c.AmountMinor <= 0 {
		return "", errors.New("amount must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(c.AmountMinor),
		Currency: stripe.String(c.Currency),
	}
	params.Context = ctx
	if c.CustomerID != "" {
		params.Customer = stripe.String(c.CustomerID)
	}
	if c.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(c.PaymentMethodID)
		params.Confirm = stripe.Bool(true)
		params.OffSession = stripe.Bool(true)
	}
	if c.Description != "" {
		params.Description = stripe.String(c.Description)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// Collect holds then captures c, releasing the hold if capture fails.
func (s *StripeClient) Collect(ctx context.Context, c Charge) (string, error) {
	return collect(ctx, s, c)
}

type holder interface {
	Hold(ctx context.Context, c Charge) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

func collect(ctx context.Context, h holder, c Charge) (string, error) {
	id, err := h.Hold(ctx, c)
	if err != nil {
		return "", fmt.Errorf("hold: %w", err)
	}
	if err := h.Capture(ctx, id); err != nil {
		if cerr := h.Cancel(ctx, id); cerr != nil {
			return "", errors.Join(fmt.Errorf("capture %s: %w", id, err), fmt.Errorf("cancel %s: %w", id, cerr))
		}
		return "", fmt.Errorf("capture %s: %w", id, err)
	}
	return id, nil
}
