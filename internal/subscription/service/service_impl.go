package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	obslogger "github.com/smallbiznis/coursepay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Gateway paymentdomain.Gateway
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	gateway paymentdomain.Gateway
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		gateway: p.Gateway,
	}
}

// Mirror stores the processor's view of sub. A zero eventAt means the write
// comes from a synchronous processor call and is stamped with the local
// clock.
func (s *Service) Mirror(ctx context.Context, sub paymentdomain.Subscription, md paymentdomain.Metadata, eventAt time.Time) (domain.MirrorResult, error) {
	ref := strings.TrimSpace(sub.Ref)
	if ref == "" || md.SubjectID == "" || md.CourseID == "" {
		return domain.MirrorResult{}, domain.ErrInvalidRecord
	}
	now := s.clock.Now()
	if eventAt.IsZero() {
		eventAt = now
	}

	rec := &domain.Record{
		ID:                       s.genID.Generate(),
		ProcessorSubscriptionRef: ref,
		ProcessorCustomerRef:     optional(sub.CustomerRef),
		SubjectID:                md.SubjectID,
		CourseID:                 md.CourseID,
		Status:                   sub.Status,
		PriceRef:                 optional(sub.PriceRef),
		CancelAtPeriodEnd:        sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:         utc(sub.CurrentPeriodEnd),
		CanceledAt:               utc(sub.CanceledAt),
		EventAt:                  eventAt.UTC().Truncate(time.Second),
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	applied, err := s.repo.Upsert(ctx, s.db, rec)
	if err != nil {
		return domain.MirrorResult{}, err
	}
	if !applied {
		obslogger.WithContext(ctx, s.log).Info("stale subscription update skipped",
			zap.String("subscription_ref", ref),
			zap.String("status", sub.Status),
			zap.Time("event_at", rec.EventAt),
		)
	}

	stored, err := s.repo.Get(ctx, s.db, ref)
	if err != nil {
		return domain.MirrorResult{}, err
	}
	return domain.MirrorResult{Record: stored, Applied: applied}, nil
}

// CancelAtPeriodEnd asks the processor to stop renewing the caller's
// subscription for courseID. Access continues until the period ends.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, subjectID, courseID string) (*domain.Record, error) {
	subjectID, courseID = strings.TrimSpace(subjectID), strings.TrimSpace(courseID)
	if subjectID == "" {
		return nil, domain.ErrUnauthenticated
	}
	if courseID == "" {
		return nil, domain.ErrMissingCourse
	}

	rec, err := s.repo.FindLatestBySubjectCourse(ctx, s.db, subjectID, courseID)
	if err != nil {
		return nil, err
	}
	// An ended subscription cannot be scheduled for cancellation.
	if rec == nil || rec.Status == domain.StatusCanceled {
		return nil, domain.ErrSubscriptionNotFound
	}

	sub, err := s.gateway.CancelAtPeriodEnd(ctx, rec.ProcessorSubscriptionRef)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrProcessorNotFound) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("cancel subscription %s: %w", rec.ProcessorSubscriptionRef, err)
	}

	res, err := s.Mirror(ctx, *sub, paymentdomain.Metadata{SubjectID: subjectID, CourseID: courseID}, time.Time{})
	if err != nil {
		return nil, err
	}

	obslogger.WithEntitlement(obslogger.WithContext(ctx, s.log), subjectID, courseID).Info("subscription set to cancel at period end",
		zap.String("subscription_ref", rec.ProcessorSubscriptionRef),
	)
	return res.Record, nil
}

func (s *Service) FindByCustomer(ctx context.Context, customerRef string) (*domain.Record, error) {
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return nil, nil
	}
	return s.repo.FindLatestByCustomer(ctx, s.db, customerRef)
}

func (s *Service) Get(ctx context.Context, ref string) (*domain.Record, error) {
	rec, err := s.repo.Get(ctx, s.db, strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return rec, nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
