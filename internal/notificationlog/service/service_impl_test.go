package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/notificationlog/domain"
	"github.com/smallbiznis/coursepay/internal/notificationlog/repository"
	"github.com/smallbiznis/coursepay/internal/testutil"
	"github.com/smallbiznis/coursepay/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, clk, db
}

func TestRecordCountsDeliveries(t *testing.T) {
	svc, clk, db := newTestService(t)
	ctx := context.Background()

	entry := domain.Entry{ProcessorEventID: "evt_1", EventType: "invoice.paid", Verified: true, Verifier: "test", Outcome: domain.OutcomeOK, RawPayload: "{}"}
	require.NoError(t, svc.Record(ctx, entry))
	clk.Advance(time.Minute)
	entry.Outcome = domain.OutcomeError
	entry.Message = "boom"
	require.NoError(t, svc.Record(ctx, entry))

	testutil.AssertCount(t, db, "SELECT COUNT(*) FROM payment_notifications", 1)
	got, err := svc.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.DeliveryCount)
	assert.Equal(t, domain.OutcomeError, got.Outcome)
	assert.Equal(t, "boom", got.Message)
	assert.True(t, got.ProcessedAt.After(got.ReceivedAt))
}

func TestUnverifiedKeyIsStable(t *testing.T) {
	a := domain.UnverifiedKey([]byte(`{"id":"evt_1"}`))
	assert.Equal(t, a, domain.UnverifiedKey([]byte(`{"id":"evt_1"}`)))
	assert.NotEqual(t, a, domain.UnverifiedKey([]byte(`{"id":"evt_2"}`)))
	assert.NotEqual(t, a, domain.NoIDKey([]byte(`{"id":"evt_1"}`)))
	assert.Contains(t, a, "unverified:")
}

func TestUpdateOutcome(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.UpdateOutcome(ctx, "evt_missing", domain.OutcomeOK, ""), domain.ErrNotFound)

	require.NoError(t, svc.Record(ctx, domain.Entry{ProcessorEventID: "evt_1", Outcome: domain.OutcomeError, RawPayload: "{}"}))
	require.NoError(t, svc.UpdateOutcome(ctx, "evt_1", domain.OutcomeOK, ""))
	got, err := svc.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, got.Outcome)
	assert.Equal(t, 1, got.DeliveryCount)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		require.NoError(t, svc.Record(ctx, domain.Entry{ProcessorEventID: id, EventType: "invoice.paid", Outcome: domain.OutcomeOK, RawPayload: "{}"}))
		clk.Advance(time.Second)
	}
	require.NoError(t, svc.Record(ctx, domain.Entry{ProcessorEventID: "evt_4", EventType: "charge.refunded", Outcome: domain.OutcomeIgnored, RawPayload: "{}"}))

	page, info, err := svc.List(ctx, domain.ListFilter{EventType: "invoice.paid", Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "evt_3", page[0].ProcessorEventID)
	assert.Equal(t, "evt_2", page[1].ProcessorEventID)
	require.True(t, info.HasMore)

	page, info, err = svc.List(ctx, domain.ListFilter{EventType: "invoice.paid", Pagination: pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "evt_1", page[0].ProcessorEventID)
	assert.False(t, info.HasMore)

	page, _, err = svc.List(ctx, domain.ListFilter{Outcome: domain.OutcomeIgnored})
	require.NoError(t, err)
	require.Len(t, page, 1)

	_, _, err = svc.List(ctx, domain.ListFilter{Outcome: "weird"})
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)

	_, _, err = svc.List(ctx, domain.ListFilter{Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}
