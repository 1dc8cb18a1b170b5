package restore

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	entitlementdomain "github.com/smallbiznis/coursepay/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/coursepay/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/coursepay/internal/entitlement/service"
	"github.com/smallbiznis/coursepay/internal/identity"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/paymenttest"
	subscriptionrepo "github.com/smallbiznis/coursepay/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/coursepay/internal/subscription/service"
	"github.com/smallbiznis/coursepay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fixture struct {
	svc          *Service
	db           *gorm.DB
	gateway      *paymenttest.Gateway
	entitlements entitlementdomain.Service
	clock        *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	policy := config.NewStaticPolicyHolder(config.DefaultEntitlementPolicy())
	gw := paymenttest.NewGateway()

	ents := entitlementservice.NewService(entitlementservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Policy: policy, Repo: entitlementrepo.Provide(),
	})
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: subscriptionrepo.Provide(), Gateway: gw,
	})
	return &fixture{
		svc: NewService(Params{
			Log: log, Clock: clk, Policy: policy, Gateway: gw, Entitlements: ents, Subscriptions: subs,
		}),
		db:           db,
		gateway:      gw,
		entitlements: ents,
		clock:        clk,
	}
}

func subFor(ref, subject, course, status string) paymentdomain.Subscription {
	return paymentdomain.Subscription{
		Ref:         ref,
		CustomerRef: "cus_1",
		Status:      status,
		Metadata:    map[string]string{"subject_id": subject, "course_id": course},
	}
}

func TestRestoreFindsCustomerByEmail(t *testing.T) {
	f := newFixture(t)
	f.gateway.Customers["u1@example.com"] = "cus_1"
	f.gateway.AddSubscription(subFor("sub_1", "u1", "c1", "active"))
	f.gateway.AddSubscription(subFor("sub_2", "u1", "c2", "trialing"))
	f.gateway.AddSubscription(subFor("sub_3", "u2", "c3", "active"))
	f.gateway.AddSubscription(paymentdomain.Subscription{Ref: "sub_4", CustomerRef: "cus_1", Status: "active"})

	res, err := f.svc.Restore(context.Background(), identity.Subject{ID: "u1", Email: "u1@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)
	assert.Equal(t, "cus_1", res.CustomerRef)

	list, err := f.entitlements.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, e := range list {
		assert.Equal(t, entitlementdomain.StatusActive, e.Status)
	}
	testutil.AssertCount(t, f.db, "SELECT COUNT(*) FROM entitlements WHERE subject_id = ?", 0, "u2")
	testutil.AssertCount(t, f.db, "SELECT COUNT(*) FROM course_subscriptions", 2)
}

func TestRestoreUsesStoredCustomerRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.entitlements.Activate(ctx, entitlementdomain.Transition{
		SubjectID: "u1", CourseID: "c0", Refs: entitlementdomain.Refs{CustomerRef: "cus_1"},
	})
	require.NoError(t, err)
	f.gateway.AddSubscription(subFor("sub_1", "u1", "c1", "past_due"))
	f.gateway.AddSubscription(subFor("sub_2", "u1", "c2", "canceled"))
	f.gateway.AddSubscription(subFor("sub_3", "u1", "c3", "incomplete"))

	res, err := f.svc.Restore(ctx, identity.Subject{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)

	c3, err := f.entitlements.Get(ctx, "u1", "c3")
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.StatusUnpaid, c3.Status)
	c2, err := f.entitlements.Get(ctx, "u1", "c2")
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.PaymentCanceled, c2.PaymentStatus)
}

func TestRestoreWithoutCustomer(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Restore(context.Background(), identity.Subject{ID: "u1", Email: "nobody@example.com"})
	require.NoError(t, err)
	assert.Equal(t, &Result{}, res)

	_, err = f.svc.Restore(context.Background(), identity.Subject{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRestoreProcessorFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.Customers["u1@example.com"] = "cus_1"
	f.gateway.Err = paymentdomain.ErrProcessorUnavailable
	_, err := f.svc.Restore(context.Background(), identity.Subject{ID: "u1", Email: "u1@example.com"})
	assert.ErrorIs(t, err, paymentdomain.ErrProcessorUnavailable)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, string) (bool, time.Duration) {
	return false, 3 * time.Second
}

func (denyLimiter) Acquire(context.Context, string, string, time.Duration) (func(), bool) {
	return func() {}, true
}

func TestRestoreRateLimited(t *testing.T) {
	f := newFixture(t)
	f.svc.limiter = denyLimiter{}

	_, err := f.svc.Restore(context.Background(), identity.Subject{ID: "u1"})
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
}

func TestRefundDeliveredAfterRestoreRevokesAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paidAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := f.entitlements.Activate(ctx, entitlementdomain.Transition{
		SubjectID: "u1", CourseID: "c1",
		Refs:       entitlementdomain.Refs{CustomerRef: "cus_1", SubscriptionRef: "sub_1"},
		OccurredAt: paidAt,
	})
	require.NoError(t, err)

	// The subscription list still shows the subscription as active.
	f.gateway.AddSubscription(subFor("sub_1", "u1", "c1", "active"))
	res, err := f.svc.Restore(ctx, identity.Subject{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)

	stored, err := f.entitlements.Get(ctx, "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastEventAt)
	assert.True(t, paidAt.Equal(*stored.LastEventAt))
	assert.True(t, paidAt.Equal(*stored.PaidAt))

	refund, err := f.entitlements.Refund(ctx, entitlementdomain.Transition{
		SubjectID: "u1", CourseID: "c1",
		OccurredAt: paidAt.Add(59 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, refund.Applied)

	access, err := f.entitlements.CheckAccess(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, access.HasAccess)
	assert.Equal(t, entitlementdomain.StatusRefunded, access.Status)
}

func TestRestoreDoesNotReviveRefundedEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.entitlements.Refund(ctx, entitlementdomain.Transition{
		SubjectID: "u1", CourseID: "c1",
		Refs:       entitlementdomain.Refs{CustomerRef: "cus_1"},
		OccurredAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	f.gateway.AddSubscription(subFor("sub_1", "u1", "c1", "active"))
	f.clock.Advance(time.Hour)

	res, err := f.svc.Restore(ctx, identity.Subject{ID: "u1"})
	require.NoError(t, err)
	assert.Zero(t, res.Restored)

	access, err := f.entitlements.CheckAccess(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, access.HasAccess)
	assert.Equal(t, entitlementdomain.StatusRefunded, access.Status)
}
