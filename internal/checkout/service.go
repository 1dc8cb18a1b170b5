// Package checkout opens hosted checkout sessions and confirms them when the
// buyer returns.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	coursedomain "github.com/smallbiznis/coursepay/internal/course/domain"
	entitlementdomain "github.com/smallbiznis/coursepay/internal/entitlement/domain"
	"github.com/smallbiznis/coursepay/internal/identity"
	obslogger "github.com/smallbiznis/coursepay/internal/observability/logger"
	"github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	PriceSourceExplicit = "explicit"
	PriceSourceCached   = "cached"
	PriceSourceInline   = "inline"
	PriceSourceFallback = "fallback"
)

var (
	ErrUnauthenticated  = errors.New("not signed in")
	ErrMissingSession   = errors.New("session_id is required")
	ErrMetadataMismatch = errors.New("checkout session belongs to another user")
	ErrSessionNotPaid   = errors.New("checkout session is not paid")
)

type CreateSessionRequest struct {
	Subject    identity.Subject
	CourseID   string
	PriceRef   string
	SuccessURL string
	CancelURL  string
}

type Session struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

type Params struct {
	fx.In

	Log          *zap.Logger
	Cfg          config.Config
	Clock        clock.Clock
	Courses      coursedomain.Service
	Entitlements entitlementdomain.Service
	Gateway      paymentdomain.Gateway
	Metrics      *metrics.Metrics `optional:"true"`
}

type Service struct {
	log          *zap.Logger
	baseURL      string
	checkout     config.CheckoutConfig
	clock        clock.Clock
	courses      coursedomain.Service
	entitlements entitlementdomain.Service
	gateway      paymentdomain.Gateway
	metrics      *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:          p.Log.Named("checkout.service"),
		baseURL:      strings.TrimRight(p.Cfg.AppBaseURL, "/"),
		checkout:     p.Cfg.Checkout,
		clock:        p.Clock,
		courses:      p.Courses,
		entitlements: p.Entitlements,
		gateway:      p.Gateway,
		metrics:      p.Metrics,
	}
}

// CreateSession opens a hosted checkout for one course and records the
// pending entitlement.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	subjectID := strings.TrimSpace(req.Subject.ID)
	if subjectID == "" {
		return nil, ErrUnauthenticated
	}
	courseID := strings.TrimSpace(req.CourseID)
	if courseID == "" {
		return nil, coursedomain.ErrMissingCourse
	}

	course, err := s.courses.Get(ctx, courseID)
	if err != nil {
		return nil, err
	}

	mode := paymentdomain.ModePayment
	if course.IsSubscription() {
		mode = paymentdomain.ModeSubscription
	}

	params := paymentdomain.CreateSessionParams{
		Mode:           mode,
		Metadata:       paymentdomain.Metadata{SubjectID: subjectID, CourseID: course.ID},
		CustomerEmail:  req.Subject.Email,
		SuccessURL:     s.redirectURL(req.SuccessURL, course.ID, "success"),
		CancelURL:      s.redirectURL(req.CancelURL, course.ID, "canceled"),
		IdempotencyKey: uuid.NewString(),
	}
	source, err := s.resolvePrice(course, strings.TrimSpace(req.PriceRef), &params)
	if err != nil {
		return nil, err
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	log := obslogger.WithEntitlement(obslogger.WithContext(ctx, s.log), subjectID, course.ID)
	if err := s.entitlements.EnsurePending(ctx, subjectID, course.ID, sess.ID); err != nil {
		// The session is already open; the completion webhook creates the row.
		log.Warn("failed to record pending entitlement", zap.String("session_id", sess.ID), zap.Error(err))
	}

	log.Info("checkout session created",
		zap.String("session_id", sess.ID),
		zap.String("mode", mode),
		zap.String("price_source", source),
	)
	s.metrics.RecordCheckoutSession(ctx, mode, source)
	return &Session{URL: sess.URL, SessionID: sess.ID}, nil
}

// resolvePrice picks the first available price: explicit ref, cached ref,
// the course list price, then the configured fallback amount.
func (s *Service) resolvePrice(course *coursedomain.Course, explicit string, params *paymentdomain.CreateSessionParams) (string, error) {
	if explicit != "" {
		params.PriceRef = explicit
		return PriceSourceExplicit, nil
	}
	if course.ProcessorPriceRef != nil && strings.TrimSpace(*course.ProcessorPriceRef) != "" {
		params.PriceRef = strings.TrimSpace(*course.ProcessorPriceRef)
		return PriceSourceCached, nil
	}

	currency := strings.ToLower(strings.TrimSpace(course.Currency))
	if currency == "" {
		currency = s.checkout.Currency
	}
	interval := ""
	if course.IsSubscription() {
		interval = course.Interval()
	}
	name := course.Title
	if strings.TrimSpace(name) == "" {
		name = s.checkout.FallbackProductName
	}

	if course.PriceCents != nil && *course.PriceCents > 0 {
		params.InlinePrice = &paymentdomain.InlinePrice{
			AmountCents: *course.PriceCents,
			Currency:    currency,
			ProductName: name,
			Interval:    interval,
		}
		return PriceSourceInline, nil
	}
	if s.checkout.FallbackAmountCents > 0 {
		params.InlinePrice = &paymentdomain.InlinePrice{
			AmountCents: s.checkout.FallbackAmountCents,
			Currency:    currency,
			ProductName: name,
			Interval:    interval,
		}
		return PriceSourceFallback, nil
	}
	return "", coursedomain.ErrCourseHasNoPrice
}

func (s *Service) redirectURL(explicit, courseID, state string) string {
	if u := strings.TrimSpace(explicit); u != "" {
		return u
	}
	u := fmt.Sprintf("%s/courses/%s?checkout=%s", s.baseURL, url.PathEscape(courseID), state)
	if state == "success" {
		// The processor substitutes the placeholder; it must stay unescaped.
		u += "&session_id={CHECKOUT_SESSION_ID}"
	}
	return u
}

// VerifySession activates the entitlement for a paid session belonging to
// subject. It applies the same transition as the completion webhook.
func (s *Service) VerifySession(ctx context.Context, subject identity.Subject, sessionID string) (*entitlementdomain.Entitlement, error) {
	subjectID := strings.TrimSpace(subject.ID)
	if subjectID == "" {
		return nil, ErrUnauthenticated
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrMissingSession
	}

	sess, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	md, ok := paymentdomain.MetadataFrom(sess.Metadata)
	if !ok || md.SubjectID != subjectID {
		return nil, ErrMetadataMismatch
	}
	if !sess.IsPaid() {
		return nil, ErrSessionNotPaid
	}

	res, err := s.entitlements.Activate(ctx, entitlementdomain.Transition{
		SubjectID: md.SubjectID,
		CourseID:  md.CourseID,
		Refs: entitlementdomain.Refs{
			CustomerRef:     sess.CustomerRef,
			SubscriptionRef: sess.SubscriptionRef,
			SessionRef:      sess.ID,
		},
		Snapshot:   true,
		OccurredAt: s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	obslogger.WithEntitlement(obslogger.WithContext(ctx, s.log), md.SubjectID, md.CourseID).
		Info("checkout session verified", zap.String("session_id", sess.ID), zap.Bool("applied", res.Applied))
	return res.Entitlement, nil
}

var Module = fx.Module("checkout",
	fx.Provide(NewService),
)
