// Package payments sells try-on credits through Stripe Checkout. A purchase
// is always $2.00 for 10 credits; the buyer's ledger key rides along as the
// session's client_reference_id so the webhook and the success page can both
// credit the right account, idempotently.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/fitsa/fitsa-server/internal/credits"
)

const (
	// PriceAmountCents is the checkout price in USD cents.
	PriceAmountCents = 200
	// CreditsPerPurchase is how many credits one checkout grants.
	CreditsPerPurchase = 10
	// ProductName appears on the Stripe checkout page and receipts.
	ProductName = "Virtual Try-On Credits"
)

// ErrPaymentIncomplete is returned when a session is redeemed before Stripe
// reports it paid.
var ErrPaymentIncomplete = errors.New("payments: payment not completed")

// ErrMissingUserKey is returned when a paid session carries no
// client_reference_id and so cannot be credited to anyone.
var ErrMissingUserKey = errors.New("payments: session has no user key")

// CheckoutClient is the slice of the Stripe API the service needs. The
// default implementation forwards to stripe-go; tests substitute a fake.
type CheckoutClient interface {
	CreateSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	RetrieveSession(id string) (*stripe.CheckoutSession, error)
}

type stripeClient struct{}

func (stripeClient) CreateSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.New(params)
}

func (stripeClient) RetrieveSession(id string) (*stripe.CheckoutSession, error) {
	return session.Get(id, nil)
}

// Service creates checkout sessions and settles completed ones against the
// credit ledger.
type Service struct {
	client        CheckoutClient
	store         credits.Store
	webhookSecret string
	logger        *log.Logger
}

// Config holds configuration for the payments service.
type Config struct {
	// SecretKey is the Stripe API key. Set globally because stripe-go keys
	// every call off stripe.Key.
	SecretKey string
	// WebhookSecret enables signature verification on incoming webhooks.
	// When empty, webhooks are trusted as-is (local development only).
	WebhookSecret string
	Store         credits.Store
	// Client overrides the Stripe-backed checkout client, for tests.
	Client CheckoutClient
	Logger *log.Logger
}

// New creates a payments service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("payments: credit store required")
	}
	client := cfg.Client
	if client == nil {
		if cfg.SecretKey == "" {
			return nil, errors.New("payments: stripe secret key required")
		}
		stripe.Key = cfg.SecretKey
		client = stripeClient{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[payments] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Service{
		client:        client,
		store:         cfg.Store,
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}, nil
}

// CheckoutSession is the subset of the created session the frontend needs.
type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// CreateCheckoutSession opens a Stripe Checkout session for one credit pack.
// domain is the externally visible origin used to build the redirect URLs.
func (s *Service) CreateCheckoutSession(userKey, domain string) (CheckoutSession, error) {
	if userKey == "" {
		return CheckoutSession{}, ErrMissingUserKey
	}
	domain = strings.TrimSuffix(domain, "/")

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(string(stripe.CurrencyUSD)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(ProductName),
					Description: stripe.String(fmt.Sprintf("%d virtual try-on credits", CreditsPerPurchase)),
				},
				UnitAmount: stripe.Int64(PriceAmountCents),
			},
			Quantity: stripe.Int64(1),
		}},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(domain + "/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(domain + "/"),
		ClientReferenceID: stripe.String(userKey),
	}

	sess, err := s.client.CreateSession(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("payments: create checkout session: %w", err)
	}
	s.logger.Printf("checkout session %s created for user %s", sess.ID, userKey)
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// HandleWebhook processes a raw Stripe webhook delivery. Signature
// verification runs only when a webhook secret is configured. Only
// checkout.session.completed events touch the ledger; everything else is
// acknowledged and dropped.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	var event stripe.Event
	if s.webhookSecret != "" {
		verified, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return fmt.Errorf("payments: verify webhook: %w", err)
		}
		event = verified
	} else if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("payments: decode webhook: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("payments: decode session payload: %w", err)
	}
	if sess.ClientReferenceID == "" {
		s.logger.Printf("webhook session %s has no user key, skipping", sess.ID)
		return ErrMissingUserKey
	}

	added, err := s.store.AddCredits(ctx, sess.ClientReferenceID, CreditsPerPurchase, sess.ID)
	if err != nil {
		return fmt.Errorf("payments: credit purchase: %w", err)
	}
	if added > 0 {
		s.logger.Printf("webhook: added %d credits to user %s (session %s)", added, sess.ClientReferenceID, sess.ID)
	}
	return nil
}

// PurchaseResult reports what a redeemed checkout session actually changed.
type PurchaseResult struct {
	UserKey      string
	CreditsAdded int
	Status       credits.Status
}

// CompletePurchase settles a checkout session from the success page. Safe to
// call repeatedly for the same session: the ledger's purchase record makes
// the grant happen at most once, so a webhook racing a page refresh cannot
// double-credit.
func (s *Service) CompletePurchase(ctx context.Context, sessionID string) (PurchaseResult, error) {
	sess, err := s.client.RetrieveSession(sessionID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("payments: retrieve session: %w", err)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return PurchaseResult{}, ErrPaymentIncomplete
	}
	if sess.ClientReferenceID == "" {
		return PurchaseResult{}, ErrMissingUserKey
	}

	added, err := s.store.AddCredits(ctx, sess.ClientReferenceID, CreditsPerPurchase, sess.ID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("payments: credit purchase: %w", err)
	}
	if added > 0 {
		s.logger.Printf("completed purchase: %d credits for user %s (session %s)", added, sess.ClientReferenceID, sess.ID)
	} else {
		s.logger.Printf("session %s already settled, skipping", sess.ID)
	}

	status, err := s.store.Status(ctx, sess.ClientReferenceID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("payments: read status: %w", err)
	}
	return PurchaseResult{
		UserKey:      sess.ClientReferenceID,
		CreditsAdded: added,
		Status:       status,
	}, nil
}

// SimulatePurchase grants a credit pack without going through Stripe. Used
// by the development-only endpoint; purchaseID must still be unique.
func (s *Service) SimulatePurchase(ctx context.Context, userKey, purchaseID string) (PurchaseResult, error) {
	if userKey == "" {
		return PurchaseResult{}, ErrMissingUserKey
	}
	added, err := s.store.AddCredits(ctx, userKey, CreditsPerPurchase, purchaseID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("payments: credit purchase: %w", err)
	}
	status, err := s.store.Status(ctx, userKey)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("payments: read status: %w", err)
	}
	return PurchaseResult{UserKey: userKey, CreditsAdded: added, Status: status}, nil
}
