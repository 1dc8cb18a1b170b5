package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	notificationdomain "github.com/smallbiznis/coursepay/internal/notificationlog/domain"
	"github.com/smallbiznis/coursepay/pkg/db/pagination"
)

type syncPriceRequest struct {
	Force bool `json:"force"`
}

type listNotificationsQuery struct {
	Outcome string `form:"outcome"`
	Type    string `form:"type"`
	pagination.Pagination
}

func (s *Server) SyncCoursePrice(c *gin.Context) {
	var req syncPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	courseID := strings.TrimSpace(c.Param("id"))
	c.Set("course_id", courseID)

	course, err := s.courses.SyncPrice(c.Request.Context(), courseID, req.Force)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, course)
}

func (s *Server) ListNotifications(c *gin.Context) {
	var query listNotificationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	items, pageInfo, err := s.webhooks.ListNotifications(c.Request.Context(), notificationdomain.ListFilter{
		Outcome:    notificationdomain.Outcome(strings.TrimSpace(query.Outcome)),
		EventType:  strings.TrimSpace(query.Type),
		Pagination: query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []notificationdomain.Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      items,
		"page_info": pageInfo,
	})
}
