package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/coursepay/internal/clock"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	paymentmock "github.com/smallbiznis/coursepay/internal/payment/mock"
	"github.com/smallbiznis/coursepay/internal/subscription/domain"
	"github.com/smallbiznis/coursepay/internal/subscription/repository"
	"github.com/smallbiznis/coursepay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, gw paymentdomain.Gateway) domain.Service {
	t.Helper()
	return NewService(Params{
		DB:      testutil.NewDB(t),
		Log:     zaptest.NewLogger(t),
		GenID:   testutil.NewNode(t),
		Clock:   clock.NewFakeClock(base),
		Repo:    repository.Provide(),
		Gateway: gw,
	})
}

var md = paymentdomain.Metadata{SubjectID: "u1", CourseID: "c1"}

func sub(status string) paymentdomain.Subscription {
	return paymentdomain.Subscription{Ref: "sub_1", CustomerRef: "cus_1", Status: status, PriceRef: "price_1"}
}

func TestMirrorDeletedThenStaleUpdated(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.Mirror(ctx, sub("canceled"), md, base)
	require.NoError(t, err)
	require.True(t, res.Applied)

	// updated event with the same timestamp delivered after the deletion
	res, err = svc.Mirror(ctx, sub("active"), md, base)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "canceled", res.Record.Status)

	// older event
	res, err = svc.Mirror(ctx, sub("past_due"), md, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "canceled", res.Record.Status)
}

func TestMirrorNewerEventApplies(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Mirror(ctx, sub("active"), md, base)
	require.NoError(t, err)
	res, err := svc.Mirror(ctx, sub("past_due"), md, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "past_due", res.Record.Status)
	require.NotNil(t, res.Record.PriceRef)
	assert.Equal(t, "price_1", *res.Record.PriceRef)
}

func TestMirrorRequiresMetadata(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.Mirror(context.Background(), sub("active"), paymentdomain.Metadata{SubjectID: "u1"}, base)
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)
}

func TestCancelAtPeriodEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := paymentmock.NewMockGateway(ctrl)
	svc := newTestService(t, gw)
	ctx := context.Background()

	_, err := svc.Mirror(ctx, sub("active"), md, base.Add(-time.Hour))
	require.NoError(t, err)

	periodEnd := base.Add(20 * 24 * time.Hour)
	canceled := sub("active")
	canceled.CancelAtPeriodEnd = true
	canceled.CurrentPeriodEnd = &periodEnd
	gw.EXPECT().CancelAtPeriodEnd(gomock.Any(), "sub_1").Return(&canceled, nil)

	rec, err := svc.CancelAtPeriodEnd(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, rec.CancelAtPeriodEnd)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*rec.CurrentPeriodEnd))
	assert.Equal(t, "active", rec.Status)
}

func TestCancelAtPeriodEndErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := paymentmock.NewMockGateway(ctrl)
	svc := newTestService(t, gw)
	ctx := context.Background()

	_, err := svc.CancelAtPeriodEnd(ctx, "", "c1")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = svc.CancelAtPeriodEnd(ctx, "u1", " ")
	assert.ErrorIs(t, err, domain.ErrMissingCourse)

	_, err = svc.CancelAtPeriodEnd(ctx, "u1", "c1")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)

	_, err = svc.Mirror(ctx, sub("active"), md, base)
	require.NoError(t, err)
	gw.EXPECT().CancelAtPeriodEnd(gomock.Any(), "sub_1").
		Return(nil, fmt.Errorf("cancel subscription: %w", paymentdomain.ErrProcessorUnavailable))
	_, err = svc.CancelAtPeriodEnd(ctx, "u1", "c1")
	assert.ErrorIs(t, err, paymentdomain.ErrProcessorUnavailable)
}

func TestFindByCustomer(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	rec, err := svc.FindByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = svc.Mirror(ctx, sub("active"), md, base)
	require.NoError(t, err)
	rec, err = svc.FindByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c1", rec.CourseID)
}

func TestCancelAtPeriodEndSkipsEndedSubscription(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := paymentmock.NewMockGateway(ctrl)
	svc := newTestService(t, gw)
	ctx := context.Background()

	_, err := svc.Mirror(ctx, sub("canceled"), md, base)
	require.NoError(t, err)

	// the mock fails the test on any processor call
	_, err = svc.CancelAtPeriodEnd(ctx, "u1", "c1")
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestCancelAtPeriodEndPrefersLiveSubscription(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := paymentmock.NewMockGateway(ctrl)
	svc := newTestService(t, gw)
	ctx := context.Background()

	_, err := svc.Mirror(ctx, sub("active"), md, base)
	require.NoError(t, err)
	ended := sub("canceled")
	ended.Ref = "sub_0"
	_, err = svc.Mirror(ctx, ended, md, base.Add(time.Minute))
	require.NoError(t, err)

	scheduled := sub("active")
	scheduled.CancelAtPeriodEnd = true
	gw.EXPECT().CancelAtPeriodEnd(gomock.Any(), "sub_1").Return(&scheduled, nil)

	rec, err := svc.CancelAtPeriodEnd(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", rec.ProcessorSubscriptionRef)
}
