// Package restore rebuilds a caller's entitlements from the processor's
// subscription list.
package restore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	entitlementdomain "github.com/smallbiznis/coursepay/internal/entitlement/domain"
	"github.com/smallbiznis/coursepay/internal/identity"
	obslogger "github.com/smallbiznis/coursepay/internal/observability/logger"
	"github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	maxSubscriptions = 100
	limiterScope     = "restore"
	lockTTL          = 30 * time.Second
)

var (
	ErrUnauthenticated = errors.New("not signed in")
	ErrRateLimited     = errors.New("too many restore attempts")
)

// RateLimitError carries the suggested wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return ErrRateLimited.Error() }
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

type Result struct {
	Restored    int    `json:"restored"`
	CustomerRef string `json:"customer_ref"`
}

type Limiter interface {
	Allow(ctx context.Context, scope, subjectID string) (bool, time.Duration)
	Acquire(ctx context.Context, scope, subjectID string, ttl time.Duration) (func(), bool)
}

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Policy        *config.PolicyHolder
	Gateway       paymentdomain.Gateway
	Entitlements  entitlementdomain.Service
	Subscriptions subscriptiondomain.Service
	Limiter       *ratelimit.SubjectLimiter `optional:"true"`
	Metrics       *metrics.Metrics          `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	clock         clock.Clock
	policy        *config.PolicyHolder
	gateway       paymentdomain.Gateway
	entitlements  entitlementdomain.Service
	subscriptions subscriptiondomain.Service
	limiter       Limiter
	metrics       *metrics.Metrics
}

func NewService(p Params) *Service {
	s := &Service{
		log:           p.Log.Named("restore.service"),
		clock:         p.Clock,
		policy:        p.Policy,
		gateway:       p.Gateway,
		entitlements:  p.Entitlements,
		subscriptions: p.Subscriptions,
		metrics:       p.Metrics,
	}
	if p.Limiter != nil {
		s.limiter = p.Limiter
	}
	return s
}

// Restore re-derives the caller's subscription entitlements. Subscriptions
// whose metadata names another subject are skipped.
func (s *Service) Restore(ctx context.Context, subject identity.Subject) (*Result, error) {
	subjectID := strings.TrimSpace(subject.ID)
	if subjectID == "" {
		return nil, ErrUnauthenticated
	}

	if s.limiter != nil {
		if ok, retry := s.limiter.Allow(ctx, limiterScope, subjectID); !ok {
			return nil, &RateLimitError{RetryAfter: retry}
		}
		release, ok := s.limiter.Acquire(ctx, limiterScope, subjectID, lockTTL)
		if !ok {
			return nil, &RateLimitError{RetryAfter: time.Second}
		}
		defer release()
	}

	log := obslogger.WithContext(ctx, s.log).With(zap.String("subject_id", subjectID))

	customerRef, err := s.customerRef(ctx, subject)
	if err != nil {
		return nil, err
	}
	if customerRef == "" {
		log.Info("no processor customer for subject")
		return &Result{}, nil
	}

	subs, err := s.gateway.ListSubscriptions(ctx, customerRef, maxSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	policy := s.policy.Get()
	now := s.clock.Now()
	restored := 0
	for _, sub := range subs {
		md, ok := paymentdomain.MetadataFrom(sub.Metadata)
		if !ok || md.SubjectID != subjectID {
			continue
		}
		if sub.CustomerRef == "" {
			sub.CustomerRef = customerRef
		}
		if _, err := s.subscriptions.Mirror(ctx, sub, md, now); err != nil {
			return nil, err
		}

		t := entitlementdomain.Transition{
			SubjectID: md.SubjectID,
			CourseID:  md.CourseID,
			Refs: entitlementdomain.Refs{
				CustomerRef:     sub.CustomerRef,
				SubscriptionRef: sub.Ref,
			},
			Snapshot:   true,
			OccurredAt: now,
		}
		switch {
		case policy.IsRestoreActive(sub.Status):
			res, err := s.entitlements.Activate(ctx, t)
			if err != nil {
				return nil, err
			}
			if res.Entitlement != nil && res.Entitlement.Status == entitlementdomain.StatusActive {
				restored++
			}
		case sub.Status == subscriptiondomain.StatusCanceled:
			if _, err := s.entitlements.EndSubscription(ctx, t); err != nil {
				return nil, err
			}
		default:
			if err := s.entitlements.EnsurePending(ctx, md.SubjectID, md.CourseID, ""); err != nil {
				return nil, err
			}
		}
	}

	log.Info("purchases restored",
		zap.String("customer_ref", customerRef),
		zap.Int("subscriptions", len(subs)),
		zap.Int("restored", restored),
	)
	s.metrics.RecordRestoration(ctx, restored)
	return &Result{Restored: restored, CustomerRef: customerRef}, nil
}

func (s *Service) customerRef(ctx context.Context, subject identity.Subject) (string, error) {
	ref, err := s.entitlements.LatestCustomerRef(ctx, subject.ID)
	if err != nil {
		return "", err
	}
	if ref != "" {
		return ref, nil
	}
	if strings.TrimSpace(subject.Email) == "" {
		return "", nil
	}
	ref, err = s.gateway.FindCustomerByEmail(ctx, subject.Email)
	if err != nil {
		return "", fmt.Errorf("find customer: %w", err)
	}
	return ref, nil
}

var Module = fx.Module("restore",
	fx.Provide(NewService),
)
