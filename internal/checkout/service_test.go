package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	coursedomain "github.com/smallbiznis/coursepay/internal/course/domain"
	courserepo "github.com/smallbiznis/coursepay/internal/course/repository"
	courseservice "github.com/smallbiznis/coursepay/internal/course/service"
	entitlementdomain "github.com/smallbiznis/coursepay/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/coursepay/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/coursepay/internal/entitlement/service"
	"github.com/smallbiznis/coursepay/internal/identity"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/paymenttest"
	"github.com/smallbiznis/coursepay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc          *Service
	gateway      *paymenttest.Gateway
	entitlements entitlementdomain.Service
}

func ptr[T any](v T) *T { return &v }

func newFixture(t *testing.T, fallback int64, courses ...coursedomain.Course) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(now)
	cfg := config.Config{
		AppBaseURL: "https://learn.example.com",
		Checkout:   config.CheckoutConfig{Currency: "gbp", FallbackAmountCents: fallback, FallbackProductName: "Course access"},
	}

	repo := courserepo.Provide()
	for i := range courses {
		courses[i].CreatedAt, courses[i].UpdatedAt = now, now
		require.NoError(t, repo.Upsert(context.Background(), db, &courses[i]))
	}

	gw := paymenttest.NewGateway()
	ents := entitlementservice.NewService(entitlementservice.Params{
		DB: db, Log: log, GenID: testutil.NewNode(t), Clock: clk,
		Policy: config.NewStaticPolicyHolder(config.DefaultEntitlementPolicy()),
		Repo:   entitlementrepo.Provide(),
	})
	courseSvc := courseservice.NewService(courseservice.Params{DB: db, Log: log, Cfg: cfg, Clock: clk, Repo: repo, Gateway: gw})

	return &fixture{
		svc: NewService(Params{
			Log: log, Cfg: cfg, Clock: clk, Courses: courseSvc, Entitlements: ents, Gateway: gw,
		}),
		gateway:      gw,
		entitlements: ents,
	}
}

var user = identity.Subject{ID: "u1", Email: "u1@example.com"}

func TestCreateSessionPriceResolution(t *testing.T) {
	tests := []struct {
		name     string
		course   coursedomain.Course
		fallback int64
		explicit string
		check    func(t *testing.T, p paymentdomain.CreateSessionParams)
	}{
		{
			name:     "explicit ref wins",
			course:   coursedomain.Course{ID: "c1", PriceCents: ptr(int64(100)), ProcessorPriceRef: ptr("price_cached")},
			explicit: "price_explicit",
			check: func(t *testing.T, p paymentdomain.CreateSessionParams) {
				assert.Equal(t, "price_explicit", p.PriceRef)
			},
		},
		{
			name:   "cached ref",
			course: coursedomain.Course{ID: "c1", PriceCents: ptr(int64(100)), ProcessorPriceRef: ptr("price_cached")},
			check: func(t *testing.T, p paymentdomain.CreateSessionParams) {
				assert.Equal(t, "price_cached", p.PriceRef)
				assert.Nil(t, p.InlinePrice)
			},
		},
		{
			name:   "inline list price",
			course: coursedomain.Course{ID: "c1", Title: "Go", PriceCents: ptr(int64(4900)), Currency: "usd", BillingMode: coursedomain.BillingModeSubscription},
			check: func(t *testing.T, p paymentdomain.CreateSessionParams) {
				require.NotNil(t, p.InlinePrice)
				assert.Equal(t, int64(4900), p.InlinePrice.AmountCents)
				assert.Equal(t, "usd", p.InlinePrice.Currency)
				assert.Equal(t, "month", p.InlinePrice.Interval)
				assert.Equal(t, paymentdomain.ModeSubscription, p.Mode)
			},
		},
		{
			name:     "fallback amount",
			course:   coursedomain.Course{ID: "c1"},
			fallback: 1500,
			check: func(t *testing.T, p paymentdomain.CreateSessionParams) {
				require.NotNil(t, p.InlinePrice)
				assert.Equal(t, int64(1500), p.InlinePrice.AmountCents)
				assert.Equal(t, "gbp", p.InlinePrice.Currency)
				assert.Equal(t, "Course access", p.InlinePrice.ProductName)
				assert.Equal(t, paymentdomain.ModePayment, p.Mode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.fallback, tt.course)
			sess, err := f.svc.CreateSession(context.Background(), CreateSessionRequest{Subject: user, CourseID: "c1", PriceRef: tt.explicit})
			require.NoError(t, err)
			assert.NotEmpty(t, sess.URL)
			require.Len(t, f.gateway.Created, 1)
			tt.check(t, f.gateway.Created[0])
		})
	}
}

func TestCreateSessionMetadataAndPending(t *testing.T) {
	f := newFixture(t, 0, coursedomain.Course{ID: "c1", PriceCents: ptr(int64(900))})
	ctx := context.Background()

	sess, err := f.svc.CreateSession(ctx, CreateSessionRequest{Subject: user, CourseID: "c1"})
	require.NoError(t, err)

	params := f.gateway.Created[0]
	assert.Equal(t, paymentdomain.Metadata{SubjectID: "u1", CourseID: "c1"}, params.Metadata)
	assert.Equal(t, "u1@example.com", params.CustomerEmail)
	assert.NotEmpty(t, params.IdempotencyKey)
	assert.Equal(t, "https://learn.example.com/courses/c1?checkout=success&session_id={CHECKOUT_SESSION_ID}", params.SuccessURL)
	assert.Equal(t, "https://learn.example.com/courses/c1?checkout=canceled", params.CancelURL)

	item, err := f.entitlements.Get(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.StatusUnpaid, item.Status)
	assert.Equal(t, sess.SessionID, *item.ProcessorSessionRef)

	_, err = f.svc.CreateSession(ctx, CreateSessionRequest{Subject: user, CourseID: "c1"})
	require.NoError(t, err)
	assert.NotEqual(t, params.IdempotencyKey, f.gateway.Created[1].IdempotencyKey)
}

func TestCreateSessionErrors(t *testing.T) {
	f := newFixture(t, 0, coursedomain.Course{ID: "free"})
	ctx := context.Background()

	_, err := f.svc.CreateSession(ctx, CreateSessionRequest{CourseID: "free"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.svc.CreateSession(ctx, CreateSessionRequest{Subject: user})
	assert.ErrorIs(t, err, coursedomain.ErrMissingCourse)

	_, err = f.svc.CreateSession(ctx, CreateSessionRequest{Subject: user, CourseID: "nope"})
	assert.ErrorIs(t, err, coursedomain.ErrCourseNotFound)

	_, err = f.svc.CreateSession(ctx, CreateSessionRequest{Subject: user, CourseID: "free"})
	assert.ErrorIs(t, err, coursedomain.ErrCourseHasNoPrice)
	assert.Empty(t, f.gateway.Created)

	f.gateway.Err = paymentdomain.ErrProcessorUnavailable
	_, err = f.svc.CreateSession(ctx, CreateSessionRequest{Subject: user, CourseID: "free", PriceRef: "price_1"})
	assert.ErrorIs(t, err, paymentdomain.ErrProcessorUnavailable)
}

func TestVerifySession(t *testing.T) {
	f := newFixture(t, 0, coursedomain.Course{ID: "c1", PriceCents: ptr(int64(900))})
	ctx := context.Background()

	sess, err := f.svc.CreateSession(ctx, CreateSessionRequest{Subject: user, CourseID: "c1"})
	require.NoError(t, err)

	_, err = f.svc.VerifySession(ctx, user, sess.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotPaid)

	f.gateway.CompleteSession(sess.SessionID, "cus_1")

	_, err = f.svc.VerifySession(ctx, identity.Subject{ID: "u2"}, sess.SessionID)
	assert.ErrorIs(t, err, ErrMetadataMismatch)

	ent, err := f.svc.VerifySession(ctx, user, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.StatusActive, ent.Status)
	assert.Equal(t, "cus_1", *ent.ProcessorCustomerRef)

	_, err = f.svc.VerifySession(ctx, user, "")
	assert.ErrorIs(t, err, ErrMissingSession)
}

func TestVerifySessionOrdersAgainstRefunds(t *testing.T) {
	f := newFixture(t, 0, coursedomain.Course{ID: "c1", PriceCents: ptr(int64(900))})
	ctx := context.Background()

	sess, err := f.svc.CreateSession(ctx, CreateSessionRequest{Subject: user, CourseID: "c1"})
	require.NoError(t, err)
	f.gateway.CompleteSession(sess.SessionID, "cus_1")

	ent, err := f.svc.VerifySession(ctx, user, sess.SessionID)
	require.NoError(t, err)
	assert.Nil(t, ent.LastEventAt)

	// A refund issued before the verify call but delivered after it still applies.
	refund, err := f.entitlements.Refund(ctx, entitlementdomain.Transition{
		SubjectID: "u1", CourseID: "c1", OccurredAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, refund.Applied)

	// Verifying the same paid session again does not restore access.
	ent, err = f.svc.VerifySession(ctx, user, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.StatusRefunded, ent.Status)

	access, err := f.entitlements.CheckAccess(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, access.HasAccess)
}
