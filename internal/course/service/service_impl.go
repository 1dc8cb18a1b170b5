package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/course/domain"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	Clock   clock.Clock
	Repo    domain.Repository
	Gateway paymentdomain.Gateway
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	currency string
	clock    clock.Clock
	repo     domain.Repository
	gateway  paymentdomain.Gateway
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("course.service"),
		currency: p.Cfg.Checkout.Currency,
		clock:    p.Clock,
		repo:     p.Repo,
		gateway:  p.Gateway,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Course, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrMissingCourse
	}
	item, err := s.repo.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrCourseNotFound
	}
	return item, nil
}

// SyncPrice creates the processor product and price for the course's list
// price and caches both refs. With both refs cached it is a no-op unless
// force is set; force keeps the product and creates a new price.
func (s *Service) SyncPrice(ctx context.Context, id string, force bool) (*domain.Course, error) {
	course, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if course.PriceCents == nil || *course.PriceCents <= 0 {
		return nil, domain.ErrCourseHasNoPrice
	}

	productRef := deref(course.ProcessorProductRef)
	priceRef := deref(course.ProcessorPriceRef)
	if productRef != "" && priceRef != "" && !force {
		return course, nil
	}

	if productRef == "" {
		productRef, err = s.gateway.CreateProduct(ctx, paymentdomain.CreateProductParams{
			CourseID: course.ID,
			Name:     productName(course),
		})
		if err != nil {
			return nil, fmt.Errorf("sync course %s product: %w", course.ID, err)
		}
	}

	priceParams := paymentdomain.CreatePriceParams{
		CourseID:    course.ID,
		ProductRef:  productRef,
		AmountCents: *course.PriceCents,
		Currency:    s.courseCurrency(course),
	}
	if course.IsSubscription() {
		priceParams.Interval = course.Interval()
	}
	priceRef, err = s.gateway.CreatePrice(ctx, priceParams)
	if err != nil {
		return nil, fmt.Errorf("sync course %s price: %w", course.ID, err)
	}

	if err := s.repo.UpdateProcessorRefs(ctx, s.db, course.ID, productRef, priceRef, s.clock.Now()); err != nil {
		return nil, err
	}
	s.log.Info("course price synced",
		zap.String("course_id", course.ID),
		zap.String("product_ref", productRef),
		zap.String("price_ref", priceRef),
	)
	return s.Get(ctx, course.ID)
}

func (s *Service) courseCurrency(c *domain.Course) string {
	if cur := strings.ToLower(strings.TrimSpace(c.Currency)); cur != "" {
		return cur
	}
	return s.currency
}

func productName(c *domain.Course) string {
	if strings.TrimSpace(c.Title) != "" {
		return c.Title
	}
	return c.ID
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
