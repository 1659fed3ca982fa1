package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stripe/stripe-go/v79"

	"github.com/fitsa/fitsa-server/internal/credits"
)

// fakeClient stands in for the Stripe API.
type fakeClient struct {
	created  []*stripe.CheckoutSessionParams
	sessions map[string]*stripe.CheckoutSession
	err      error
}

func (f *fakeClient) CreateSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, params)
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (f *fakeClient) RetrieveSession(id string) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	sess, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("no such session")
	}
	return sess, nil
}

func newTestService(t *testing.T, client *fakeClient) (*Service, credits.Store) {
	t.Helper()
	store := credits.NewMemoryStore()
	svc, err := New(Config{
		Store:  store,
		Client: client,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, store
}

func TestCreateCheckoutSession(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client)

	sess, err := svc.CreateCheckoutSession("user-1", "https://fitsa.example/")
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if sess.ID != "cs_test_1" || sess.URL == "" {
		t.Fatalf("unexpected session %+v", sess)
	}

	if len(client.created) != 1 {
		t.Fatalf("expected one created session, got %d", len(client.created))
	}
	params := client.created[0]
	if got := stripe.StringValue(params.ClientReferenceID); got != "user-1" {
		t.Fatalf("client_reference_id = %q, want user-1", got)
	}
	if got := stripe.StringValue(params.SuccessURL); got != "https://fitsa.example/success?session_id={CHECKOUT_SESSION_ID}" {
		t.Fatalf("success url = %q", got)
	}
	li := params.LineItems[0]
	if got := stripe.Int64Value(li.PriceData.UnitAmount); got != PriceAmountCents {
		t.Fatalf("unit amount = %d, want %d", got, PriceAmountCents)
	}
}

func TestCreateCheckoutSessionRequiresUserKey(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{})
	if _, err := svc.CreateCheckoutSession("", "https://fitsa.example"); !errors.Is(err, ErrMissingUserKey) {
		t.Fatalf("expected ErrMissingUserKey, got %v", err)
	}
}

func webhookPayload(t *testing.T, eventType, sessionID, userKey string) []byte {
	t.Helper()
	sess, err := json.Marshal(map[string]string{
		"id":                  sessionID,
		"client_reference_id": userKey,
	})
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"type": eventType,
		"data": map[string]any{"object": json.RawMessage(sess)},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func TestWebhookCreditsCompletedCheckout(t *testing.T) {
	svc, store := newTestService(t, &fakeClient{})
	ctx := context.Background()

	payload := webhookPayload(t, "checkout.session.completed", "cs_live_9", "user-2")
	if err := svc.HandleWebhook(ctx, payload, ""); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	status, err := store.Status(ctx, "user-2")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Credits != CreditsPerPurchase {
		t.Fatalf("credits = %d, want %d", status.Credits, CreditsPerPurchase)
	}

	// Redelivery of the same event must not double-credit.
	if err := svc.HandleWebhook(ctx, payload, ""); err != nil {
		t.Fatalf("HandleWebhook redelivery: %v", err)
	}
	status, _ = store.Status(ctx, "user-2")
	if status.Credits != CreditsPerPurchase {
		t.Fatalf("credits after redelivery = %d, want %d", status.Credits, CreditsPerPurchase)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	svc, store := newTestService(t, &fakeClient{})
	ctx := context.Background()

	payload := webhookPayload(t, "payment_intent.succeeded", "pi_1", "user-3")
	if err := svc.HandleWebhook(ctx, payload, ""); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	status, _ := store.Status(ctx, "user-3")
	if status.Credits != 0 {
		t.Fatalf("unrelated event credited the ledger: %+v", status)
	}
}

func TestCompletePurchase(t *testing.T) {
	client := &fakeClient{sessions: map[string]*stripe.CheckoutSession{
		"cs_paid": {
			ID:                "cs_paid",
			PaymentStatus:     stripe.CheckoutSessionPaymentStatusPaid,
			ClientReferenceID: "user-4",
		},
		"cs_unpaid": {
			ID:            "cs_unpaid",
			PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid,
		},
	}}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	res, err := svc.CompletePurchase(ctx, "cs_paid")
	if err != nil {
		t.Fatalf("CompletePurchase: %v", err)
	}
	if res.CreditsAdded != CreditsPerPurchase || res.Status.Credits != CreditsPerPurchase {
		t.Fatalf("unexpected result %+v", res)
	}

	// Refreshing the success page retrieves the same session again; the
	// grant must not repeat.
	res, err = svc.CompletePurchase(ctx, "cs_paid")
	if err != nil {
		t.Fatalf("CompletePurchase repeat: %v", err)
	}
	if res.CreditsAdded != 0 || res.Status.Credits != CreditsPerPurchase {
		t.Fatalf("repeat settlement changed the ledger: %+v", res)
	}

	if _, err := svc.CompletePurchase(ctx, "cs_unpaid"); !errors.Is(err, ErrPaymentIncomplete) {
		t.Fatalf("expected ErrPaymentIncomplete, got %v", err)
	}
}

func TestSimulatePurchase(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{})
	ctx := context.Background()

	res, err := svc.SimulatePurchase(ctx, "user-5", "sim-1")
	if err != nil {
		t.Fatalf("SimulatePurchase: %v", err)
	}
	if res.CreditsAdded != CreditsPerPurchase {
		t.Fatalf("added = %d, want %d", res.CreditsAdded, CreditsPerPurchase)
	}

	res, err = svc.SimulatePurchase(ctx, "user-5", "sim-1")
	if err != nil {
		t.Fatalf("SimulatePurchase repeat: %v", err)
	}
	if res.CreditsAdded != 0 || res.Status.Credits != CreditsPerPurchase {
		t.Fatalf("duplicate purchase id changed the ledger: %+v", res)
	}
}
