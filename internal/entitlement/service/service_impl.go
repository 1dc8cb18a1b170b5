package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/entitlement/domain"
	obslogger "github.com/smallbiznis/coursepay/internal/observability/logger"
	"github.com/smallbiznis/coursepay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy *config.PolicyHolder
	Repo   domain.Repository

	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.PolicyHolder
	repo    domain.Repository
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("entitlement.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// EnsurePending creates the unpaid row at checkout time so an abandoned
// checkout still leaves a row to transition later.
func (s *Service) EnsurePending(ctx context.Context, subjectID, courseID, sessionRef string) error {
	subjectID, courseID = strings.TrimSpace(subjectID), strings.TrimSpace(courseID)
	if subjectID == "" || courseID == "" {
		return domain.ErrInvalidKey
	}
	now := s.clock.Now()
	return s.repo.EnsurePending(ctx, s.db, &domain.Entitlement{
		ID:                  s.genID.Generate(),
		SubjectID:           subjectID,
		CourseID:            courseID,
		ProcessorSessionRef: optional(sessionRef),
		CreatedAt:           now,
		UpdatedAt:           now,
	})
}

// Activate grants access after a successful payment.
func (s *Service) Activate(ctx context.Context, t domain.Transition) (domain.Result, error) {
	occurred := s.occurredAt(t)
	return s.apply(ctx, t, domain.StatusActive, domain.PaymentPaid, &occurred)
}

// MarkPastDue records a failed renewal. Access then depends on the
// past-due policy.
func (s *Service) MarkPastDue(ctx context.Context, t domain.Transition) (domain.Result, error) {
	return s.apply(ctx, t, domain.StatusPastDue, domain.PaymentPastDue, nil)
}

// EndSubscription applies the ended-subscription policy: either access is
// retained with payment_status canceled, or the entitlement is canceled.
func (s *Service) EndSubscription(ctx context.Context, t domain.Transition) (domain.Result, error) {
	status := domain.StatusCanceled
	if s.policy.Get().DeletedSubscriptionRetainsAccess {
		status = domain.StatusActive
	}
	return s.apply(ctx, t, status, domain.PaymentCanceled, nil)
}

// Refund revokes access.
func (s *Service) Refund(ctx context.Context, t domain.Transition) (domain.Result, error) {
	return s.apply(ctx, t, domain.StatusRefunded, domain.PaymentRefunded, nil)
}

func (s *Service) apply(ctx context.Context, t domain.Transition, status domain.Status, payment domain.PaymentStatus, paidAt *time.Time) (domain.Result, error) {
	subjectID, courseID := strings.TrimSpace(t.SubjectID), strings.TrimSpace(t.CourseID)
	if subjectID == "" || courseID == "" {
		return domain.Result{}, domain.ErrInvalidKey
	}

	now := s.clock.Now()
	occurred := s.occurredAt(t)
	var lastEventAt *time.Time
	if !t.Snapshot {
		lastEventAt = &occurred
	}
	row := &domain.Entitlement{
		ID:                       s.genID.Generate(),
		SubjectID:                subjectID,
		CourseID:                 courseID,
		Status:                   status,
		PaymentStatus:            payment,
		PaidAt:                   paidAt,
		ProcessorCustomerRef:     optional(t.Refs.CustomerRef),
		ProcessorSubscriptionRef: optional(t.Refs.SubscriptionRef),
		ProcessorSessionRef:      optional(t.Refs.SessionRef),
		LastEventAt:              lastEventAt,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	applied, err := s.repo.Upsert(ctx, s.db, row)
	if err != nil {
		return domain.Result{}, err
	}

	s.metrics.RecordEntitlementTransition(ctx, string(status), applied)
	log := obslogger.WithEntitlement(obslogger.WithContext(ctx, s.log), subjectID, courseID)
	if !applied {
		log.Info("stale entitlement transition skipped",
			zap.String("status", string(status)),
			zap.Time("occurred_at", occurred),
			zap.Bool("snapshot", t.Snapshot),
		)
	} else {
		log.Debug("entitlement updated", zap.String("status", string(status)))
	}

	stored, err := s.repo.Get(ctx, s.db, subjectID, courseID)
	if err != nil {
		return domain.Result{}, err
	}
	return domain.Result{Entitlement: stored, Applied: applied}, nil
}

func (s *Service) Get(ctx context.Context, subjectID, courseID string) (*domain.Entitlement, error) {
	subjectID, courseID = strings.TrimSpace(subjectID), strings.TrimSpace(courseID)
	if subjectID == "" || courseID == "" {
		return nil, domain.ErrInvalidKey
	}
	item, err := s.repo.Get(ctx, s.db, subjectID, courseID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, subjectID string) ([]domain.Entitlement, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, domain.ErrInvalidKey
	}
	return s.repo.ListBySubject(ctx, s.db, subjectID)
}

// CheckAccess reports whether subjectID may open courseID. A missing row
// means no access.
func (s *Service) CheckAccess(ctx context.Context, subjectID, courseID string) (domain.Access, error) {
	subjectID, courseID = strings.TrimSpace(subjectID), strings.TrimSpace(courseID)
	if subjectID == "" || courseID == "" {
		return domain.Access{}, domain.ErrInvalidKey
	}
	item, err := s.repo.Get(ctx, s.db, subjectID, courseID)
	if err != nil {
		return domain.Access{}, err
	}
	if item == nil {
		return domain.Access{CourseID: courseID}, nil
	}
	return domain.Access{
		CourseID:      courseID,
		HasAccess:     HasAccess(item.Status, s.policy.Get()),
		Status:        item.Status,
		PaymentStatus: item.PaymentStatus,
	}, nil
}

func (s *Service) LatestCustomerRef(ctx context.Context, subjectID string) (string, error) {
	return s.repo.LatestCustomerRef(ctx, s.db, strings.TrimSpace(subjectID))
}

// HasAccess is the single access rule shared by every reader.
func HasAccess(status domain.Status, policy config.EntitlementPolicy) bool {
	switch status {
	case domain.StatusActive:
		return true
	case domain.StatusPastDue:
		return policy.PastDueRetainsAccess
	default:
		return false
	}
}

func (s *Service) occurredAt(t domain.Transition) time.Time {
	if t.OccurredAt.IsZero() {
		return s.clock.Now().Truncate(time.Second)
	}
	return t.OccurredAt.UTC().Truncate(time.Second)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
