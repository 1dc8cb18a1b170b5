package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/coursepay/internal/checkout"
)

type createCheckoutRequest struct {
	CourseID   string `json:"course_id"`
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type verifyCheckoutRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	subject, ok := subjectFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("course_id", strings.TrimSpace(req.CourseID))

	sess, err := s.checkout.CreateSession(c.Request.Context(), checkout.CreateSessionRequest{
		Subject:    subject,
		CourseID:   req.CourseID,
		PriceRef:   req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sess)
}

func (s *Server) VerifyCheckoutSession(c *gin.Context) {
	subject, ok := subjectFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req verifyCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ent, err := s.checkout.VerifySession(c.Request.Context(), subject, req.SessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("course_id", ent.CourseID)

	c.JSON(http.StatusOK, gin.H{
		"status":    ent.Status,
		"course_id": ent.CourseID,
	})
}
