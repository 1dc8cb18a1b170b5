package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	entitlementdomain "github.com/smallbiznis/coursepay/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/coursepay/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/coursepay/internal/entitlement/service"
	notificationdomain "github.com/smallbiznis/coursepay/internal/notificationlog/domain"
	notificationrepo "github.com/smallbiznis/coursepay/internal/notificationlog/repository"
	notificationservice "github.com/smallbiznis/coursepay/internal/notificationlog/service"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/paymenttest"
	subscriptionrepo "github.com/smallbiznis/coursepay/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/coursepay/internal/subscription/service"
	"github.com/smallbiznis/coursepay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const secret = "whsec_test"

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	svc          *Service
	db           *gorm.DB
	gateway      *paymenttest.Gateway
	entitlements entitlementdomain.Service
	notes        notificationdomain.Service
}

func newHarness(t *testing.T, policy config.EntitlementPolicy) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(base)
	holder := config.NewStaticPolicyHolder(policy)
	gw := paymenttest.NewGateway()

	cfg := config.Config{Stripe: config.StripeConfig{
		WebhookSecrets:   []config.WebhookSecret{{Name: "test", Secret: secret}},
		WebhookTolerance: 5 * time.Minute,
	}}

	ents := entitlementservice.NewService(entitlementservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Policy: holder, Repo: entitlementrepo.Provide(),
	})
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: subscriptionrepo.Provide(), Gateway: gw,
	})
	notes := notificationservice.NewService(notificationservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: notificationrepo.Provide(),
	})

	svc := NewService(Params{
		Log:           log,
		Source:        stripe.NewSource(cfg),
		Gateway:       gw,
		Entitlements:  ents,
		Subscriptions: subs,
		Notifications: notes,
		Policy:        holder,
	})
	return &harness{svc: svc, db: db, gateway: gw, entitlements: ents, notes: notes}
}

func event(t *testing.T, id, typ string, created time.Time, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    typ,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return b
}

func signed(payload []byte, key string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    key,
		Timestamp: time.Now(),
		Scheme:    "v1",
	}).Header
}

func (h *harness) deliver(t *testing.T, payload []byte) *Result {
	t.Helper()
	res, err := h.svc.Ingest(context.Background(), payload, signed(payload, secret))
	require.NoError(t, err)
	return res
}

func (h *harness) entitlement(t *testing.T, subject, course string) *entitlementdomain.Entitlement {
	t.Helper()
	item, err := h.entitlements.Get(context.Background(), subject, course)
	require.NoError(t, err)
	return item
}

var meta = map[string]any{"subject_id": "u1", "course_id": "c1"}

func checkoutCompleted(t *testing.T, id string, at time.Time) []byte {
	return event(t, id, "checkout.session.completed", at, map[string]any{
		"id":             "cs_1",
		"mode":           "payment",
		"payment_status": "paid",
		"customer":       "cus_1",
		"metadata":       meta,
	})
}

func TestCheckoutCompletedIsIdempotent(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	payload := checkoutCompleted(t, "evt_1", base)

	first := h.deliver(t, payload)
	assert.Equal(t, notificationdomain.OutcomeOK, first.Outcome)
	afterFirst := h.entitlement(t, "u1", "c1")

	second := h.deliver(t, payload)
	assert.Equal(t, notificationdomain.OutcomeOK, second.Outcome)
	afterSecond := h.entitlement(t, "u1", "c1")

	testutil.AssertCount(t, h.db, "SELECT COUNT(*) FROM entitlements", 1)
	testutil.AssertCount(t, h.db, "SELECT COUNT(*) FROM payment_notifications", 1)
	testutil.AssertCount(t, h.db, "SELECT delivery_count FROM payment_notifications WHERE processor_event_id = ?", 2, "evt_1")
	assert.Equal(t, entitlementdomain.StatusActive, afterSecond.Status)
	assert.Equal(t, entitlementdomain.PaymentPaid, afterSecond.PaymentStatus)
	assert.True(t, afterFirst.PaidAt.Equal(*afterSecond.PaidAt))
	assert.Equal(t, "cus_1", *afterSecond.ProcessorCustomerRef)
}

func TestInvalidSignatureRejected(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	payload := checkoutCompleted(t, "evt_1", base)

	_, err := h.svc.Ingest(context.Background(), payload, signed(payload, "whsec_wrong"))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	_, err = h.svc.Ingest(context.Background(), payload, "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	testutil.AssertCount(t, h.db, "SELECT COUNT(*) FROM entitlements", 0)
	testutil.AssertCount(t, h.db, "SELECT COUNT(*) FROM payment_notifications WHERE verified = ?", 1, false)
	entry, err := h.notes.Get(context.Background(), notificationdomain.UnverifiedKey(payload))
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.OutcomeError, entry.Outcome)
	assert.Equal(t, 2, entry.DeliveryCount)

	// a forged copy cannot overwrite the real entry
	h.deliver(t, payload)
	logged, err := h.notes.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, logged.Verified)
	assert.Equal(t, "test", logged.Verifier)
}

func TestMissingMetadataIsIgnored(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	payload := event(t, "evt_1", "checkout.session.completed", base, map[string]any{
		"id":             "cs_1",
		"payment_status": "paid",
		"metadata":       map[string]any{"subject_id": "u1"},
	})

	res := h.deliver(t, payload)
	assert.Equal(t, notificationdomain.OutcomeIgnored, res.Outcome)
	assert.Equal(t, msgMissingMetadata, res.Message)
	testutil.AssertCount(t, h.db, "SELECT COUNT(*) FROM entitlements", 0)
}

func TestUnpaidAsyncSessionIgnored(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	payload := event(t, "evt_1", "checkout.session.completed", base, map[string]any{
		"id":             "cs_1",
		"payment_status": "unpaid",
		"metadata":       meta,
	})
	res := h.deliver(t, payload)
	assert.Equal(t, notificationdomain.OutcomeIgnored, res.Outcome)
	testutil.AssertCount(t, h.db, "SELECT COUNT(*) FROM entitlements", 0)
}

func subscriptionObject(status string) map[string]any {
	return map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   status,
		"metadata": meta,
		"items": map[string]any{"data": []any{
			map[string]any{"current_period_end": base.Add(30 * 24 * time.Hour).Unix(), "price": map[string]any{"id": "price_1"}},
		}},
	}
}

func TestDeletedThenStaleUpdated(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	h.deliver(t, checkoutCompleted(t, "evt_0", base.Add(-time.Hour)))

	res := h.deliver(t, event(t, "evt_del", "customer.subscription.deleted", base, subscriptionObject("canceled")))
	assert.Equal(t, notificationdomain.OutcomeOK, res.Outcome)

	res = h.deliver(t, event(t, "evt_upd", "customer.subscription.updated", base, subscriptionObject("past_due")))
	assert.Equal(t, notificationdomain.OutcomeOK, res.Outcome)
	assert.Contains(t, res.Message, "stale")

	testutil.AssertCount(t, h.db, "SELECT COUNT(*) FROM course_subscriptions WHERE status = 'canceled'", 1)
	ent := h.entitlement(t, "u1", "c1")
	assert.Equal(t, entitlementdomain.StatusActive, ent.Status)
	assert.Equal(t, entitlementdomain.PaymentCanceled, ent.PaymentStatus)
}

func TestDeletedRevokesWhenPolicyDisabled(t *testing.T) {
	policy := config.DefaultEntitlementPolicy()
	policy.DeletedSubscriptionRetainsAccess = false
	h := newHarness(t, policy)
	h.deliver(t, checkoutCompleted(t, "evt_0", base.Add(-time.Hour)))

	h.deliver(t, event(t, "evt_del", "customer.subscription.deleted", base, subscriptionObject("canceled")))

	access, err := h.entitlements.CheckAccess(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.False(t, access.HasAccess)
	assert.Equal(t, entitlementdomain.StatusCanceled, access.Status)
}

func TestSubscriptionPastDue(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	h.deliver(t, checkoutCompleted(t, "evt_0", base.Add(-time.Hour)))

	res := h.deliver(t, event(t, "evt_upd", "customer.subscription.updated", base, subscriptionObject("past_due")))
	assert.Equal(t, notificationdomain.OutcomeOK, res.Outcome)
	ent := h.entitlement(t, "u1", "c1")
	assert.Equal(t, entitlementdomain.StatusPastDue, ent.Status)
}

func TestInvoicePaidLooksUpSubscription(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	h.gateway.AddSubscription(paymentdomain.Subscription{
		Ref:         "sub_1",
		CustomerRef: "cus_1",
		Status:      "active",
		Metadata:    map[string]string{"subject_id": "u1", "course_id": "c1"},
	})

	res := h.deliver(t, event(t, "evt_inv", "invoice.paid", base, map[string]any{
		"id":       "in_1",
		"customer": "cus_1",
		"parent":   map[string]any{"subscription_details": map[string]any{"subscription": "sub_1"}},
	}))
	assert.Equal(t, notificationdomain.OutcomeOK, res.Outcome)

	ent := h.entitlement(t, "u1", "c1")
	assert.Equal(t, entitlementdomain.StatusActive, ent.Status)
	assert.Equal(t, "sub_1", *ent.ProcessorSubscriptionRef)
	testutil.AssertCount(t, h.db, "SELECT COUNT(*) FROM course_subscriptions", 1)
}

func TestInvoicePaidGatewayFailureIsLogged(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	h.gateway.Err = paymentdomain.ErrProcessorUnavailable

	res := h.deliver(t, event(t, "evt_inv", "invoice.paid", base, map[string]any{"id": "in_1", "subscription": "sub_1"}))
	assert.Equal(t, notificationdomain.OutcomeError, res.Outcome)
	assert.Contains(t, res.Message, "sub_1")
}

func TestRefundRevokesAccess(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	h.deliver(t, checkoutCompleted(t, "evt_1", base))

	res := h.deliver(t, event(t, "evt_ref", "charge.refunded", base.Add(time.Minute), map[string]any{
		"id":       "ch_1",
		"customer": "cus_1",
		"metadata": meta,
	}))
	assert.Equal(t, notificationdomain.OutcomeOK, res.Outcome)

	access, err := h.entitlements.CheckAccess(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.False(t, access.HasAccess)
	assert.Equal(t, entitlementdomain.StatusRefunded, access.Status)

	// redelivery of the original completion does not restore access
	h.deliver(t, checkoutCompleted(t, "evt_1", base))
	access, err = h.entitlements.CheckAccess(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.False(t, access.HasAccess)
}

func TestRefundFallsBackToSubscriptionRecord(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	h.deliver(t, event(t, "evt_sub", "customer.subscription.created", base, subscriptionObject("active")))
	h.deliver(t, checkoutCompleted(t, "evt_1", base))

	res := h.deliver(t, event(t, "evt_ref", "charge.refunded", base.Add(time.Minute), map[string]any{
		"id":       "ch_1",
		"customer": "cus_1",
	}))
	assert.Equal(t, notificationdomain.OutcomeOK, res.Outcome)
	assert.Equal(t, entitlementdomain.StatusRefunded, h.entitlement(t, "u1", "c1").Status)

	res = h.deliver(t, event(t, "evt_ref2", "charge.refunded", base, map[string]any{"id": "ch_2", "customer": "cus_unknown"}))
	assert.Equal(t, notificationdomain.OutcomeIgnored, res.Outcome)
}

func TestUnrecognizedAndUndecodable(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())

	res := h.deliver(t, event(t, "evt_x", "customer.created", base, map[string]any{"id": "cus_1"}))
	assert.Equal(t, notificationdomain.OutcomeIgnored, res.Outcome)

	bad := []byte(`{"id":"evt_bad","type":"checkout.session.completed","data":{"object":"oops"}}`)
	res = h.deliver(t, bad)
	assert.Equal(t, notificationdomain.OutcomeError, res.Outcome)
	assert.Equal(t, "evt_bad", res.EventID)

	entry, err := h.notes.Get(context.Background(), "evt_bad")
	require.NoError(t, err)
	assert.True(t, entry.Verified)
	assert.Equal(t, "test", entry.Verifier)
	assert.Equal(t, notificationdomain.OutcomeError, entry.Outcome)
	testutil.AssertCount(t, h.db, "SELECT COUNT(*) FROM entitlements", 0)
}

func TestSignedPayloadWithoutEventID(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	payload := []byte(`{"type":"checkout.session.completed","data":{"object":{}}}`)

	res := h.deliver(t, payload)
	assert.Equal(t, notificationdomain.OutcomeError, res.Outcome)
	assert.Equal(t, notificationdomain.NoIDKey(payload), res.EventID)

	entry, err := h.notes.Get(context.Background(), notificationdomain.NoIDKey(payload))
	require.NoError(t, err)
	assert.True(t, entry.Verified)

	_, err = h.notes.Get(context.Background(), notificationdomain.UnverifiedKey(payload))
	assert.ErrorIs(t, err, notificationdomain.ErrNotFound)
}

func TestReplay(t *testing.T) {
	h := newHarness(t, config.DefaultEntitlementPolicy())
	ctx := context.Background()

	h.gateway.Err = paymentdomain.ErrProcessorUnavailable
	payload := event(t, "evt_inv", "invoice.paid", base, map[string]any{"id": "in_1", "subscription": "sub_1"})
	res := h.deliver(t, payload)
	require.Equal(t, notificationdomain.OutcomeError, res.Outcome)

	h.gateway.Err = nil
	h.gateway.AddSubscription(paymentdomain.Subscription{
		Ref: "sub_1", CustomerRef: "cus_1", Status: "active",
		Metadata: map[string]string{"subject_id": "u1", "course_id": "c1"},
	})
	res, err := h.svc.Replay(ctx, "evt_inv")
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.OutcomeOK, res.Outcome)
	assert.Equal(t, entitlementdomain.StatusActive, h.entitlement(t, "u1", "c1").Status)

	entry, err := h.notes.Get(ctx, "evt_inv")
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.OutcomeOK, entry.Outcome)

	_, err = h.svc.Replay(ctx, "evt_missing")
	assert.ErrorIs(t, err, paymentdomain.ErrNotReplayable)

	forged := checkoutCompleted(t, "evt_forged", base)
	_, err = h.svc.Ingest(ctx, forged, signed(forged, "whsec_wrong"))
	require.Error(t, err)
	_, err = h.svc.Replay(ctx, notificationdomain.UnverifiedKey(forged))
	assert.ErrorIs(t, err, paymentdomain.ErrNotReplayable)
}
