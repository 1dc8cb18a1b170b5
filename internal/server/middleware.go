package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/coursepay/internal/identity"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"go.uber.org/zap"
)

const contextSubjectKey = "subject"

// SubjectRequired authenticates the caller from a bearer identity token.
func (s *Server) SubjectRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		subject, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			s.log.Debug("identity token rejected", zap.Error(err))
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextSubjectKey, subject)
		c.Request = c.Request.WithContext(obscontext.WithSubjectID(c.Request.Context(), subject.ID))
		c.Next()
	}
}

// AdminRequired guards operator endpoints with the static admin token. The
// endpoints do not exist when no token is configured.
func (s *Server) AdminRequired() gin.HandlerFunc {
	expected := []byte(s.cfg.AdminAPIToken)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			AbortWithError(c, ErrNotFound)
			return
		}

		token, ok := bearerToken(c)
		if !ok || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func subjectFrom(c *gin.Context) (identity.Subject, bool) {
	v, ok := c.Get(contextSubjectKey)
	if !ok {
		return identity.Subject{}, false
	}
	subject, ok := v.(identity.Subject)
	return subject, ok && subject.ID != ""
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(c.GetHeader("Authorization")))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
