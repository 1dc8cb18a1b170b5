package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health reports database reachability and whether processor credentials are
// configured. An unreachable database answers 503; missing processor
// settings only degrade the status.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	code := http.StatusOK

	if err := s.pingDatabase(ctx); err != nil {
		s.log.Warn("health check: database unreachable", zap.Error(err))
		resp.Checks["database"] = "unavailable"
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "ok"
	}

	if s.processorConfigured() {
		resp.Checks["processor"] = "ok"
	} else {
		resp.Checks["processor"] = "not_configured"
		if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	c.JSON(code, resp)
}

func (s *Server) pingDatabase(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database not configured")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Server) processorConfigured() bool {
	return strings.TrimSpace(s.cfg.Stripe.SecretKey) != "" && len(s.cfg.Stripe.WebhookSecrets) > 0
}
