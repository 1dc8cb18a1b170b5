package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/notificationlog/domain"
	"github.com/smallbiznis/coursepay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("notificationlog.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, e domain.Entry) error {
	now := s.clock.Now()
	if e.ID == 0 {
		e.ID = s.genID.Generate()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}
	e.ProcessedAt = now
	return s.repo.Upsert(ctx, s.db, &e)
}

func (s *Service) UpdateOutcome(ctx context.Context, eventID string, outcome domain.Outcome, message string) error {
	return s.repo.UpdateOutcome(ctx, s.db, eventID, outcome, message, s.clock.Now())
}

func (s *Service) Get(ctx context.Context, eventID string) (*domain.Entry, error) {
	item, err := s.repo.Get(ctx, s.db, strings.TrimSpace(eventID))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]domain.Entry, pagination.PageInfo, error) {
	switch filter.Outcome {
	case "", domain.OutcomeOK, domain.OutcomeIgnored, domain.OutcomeError:
	default:
		return nil, pagination.PageInfo{}, domain.ErrInvalidOutcome
	}

	var after *pagination.Cursor
	if filter.PageToken != "" {
		cursor, err := pagination.DecodeCursor(filter.PageToken)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		after = cursor
	}

	limit := filter.Limit()
	items, err := s.repo.List(ctx, s.db, filter, after, limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	return pagination.BuildCursorPageInfo(items, limit, func(e domain.Entry) pagination.Cursor {
		return pagination.Cursor{
			ID:        e.ID.String(),
			CreatedAt: e.ReceivedAt.UTC().Format(time.RFC3339Nano),
		}
	})
}
