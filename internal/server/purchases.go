package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/coursepay/internal/entitlement/domain"
)

type cancelSubscriptionRequest struct {
	CourseID string `json:"course_id"`
}

func (s *Server) RestorePurchases(c *gin.Context) {
	subject, ok := subjectFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	res, err := s.restore.Restore(c.Request.Context(), subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	subject, ok := subjectFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req cancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("course_id", strings.TrimSpace(req.CourseID))

	rec, err := s.subscriptions.CancelAtPeriodEnd(c.Request.Context(), subject.ID, req.CourseID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cancel_at_period_end": rec.CancelAtPeriodEnd,
		"current_period_end":   rec.CurrentPeriodEnd,
	})
}

func (s *Server) ListEntitlements(c *gin.Context) {
	subject, ok := subjectFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	items, err := s.entitlements.List(c.Request.Context(), subject.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if items == nil {
		items = []entitlementdomain.Entitlement{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetEntitlement(c *gin.Context) {
	subject, ok := subjectFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	courseID := strings.TrimSpace(c.Param("course_id"))
	c.Set("course_id", courseID)

	access, err := s.entitlements.CheckAccess(c.Request.Context(), subject.ID, courseID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, access)
}
