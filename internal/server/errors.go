package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/coursepay/internal/checkout"
	coursedomain "github.com/smallbiznis/coursepay/internal/course/domain"
	entitlementdomain "github.com/smallbiznis/coursepay/internal/entitlement/domain"
	"github.com/smallbiznis/coursepay/internal/identity"
	notificationdomain "github.com/smallbiznis/coursepay/internal/notificationlog/domain"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/restore"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"github.com/smallbiznis/coursepay/pkg/db"
	"github.com/smallbiznis/coursepay/pkg/db/pagination"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized = errors.New("not signed in")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")

	ErrConcurrentUpdate = errors.New("the record was changed by another request, retry")
	ErrStoreUnavailable = errors.New("service temporarily unavailable, retry shortly")
)

// errorRule maps a sentinel to its response. The sentinel's own message is
// shown to the caller.
type errorRule struct {
	target error
	status int
	kind   string
}

var errorRules = []errorRule{
	{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{identity.ErrInvalidToken, http.StatusUnauthorized, "unauthorized"},
	{checkout.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized"},
	{restore.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized"},
	{subscriptiondomain.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized"},

	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{checkout.ErrMetadataMismatch, http.StatusForbidden, "forbidden"},

	{coursedomain.ErrMissingCourse, http.StatusBadRequest, "invalid_request"},
	{subscriptiondomain.ErrMissingCourse, http.StatusBadRequest, "invalid_request"},
	{checkout.ErrMissingSession, http.StatusBadRequest, "invalid_request"},
	{entitlementdomain.ErrInvalidKey, http.StatusBadRequest, "invalid_request"},
	{paymentdomain.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
	{pagination.ErrInvalidPageToken, http.StatusBadRequest, "invalid_request"},
	{notificationdomain.ErrInvalidOutcome, http.StatusBadRequest, "invalid_request"},

	{ErrNotFound, http.StatusNotFound, "not_found"},
	{coursedomain.ErrCourseNotFound, http.StatusNotFound, "not_found"},
	{subscriptiondomain.ErrSubscriptionNotFound, http.StatusNotFound, "not_found"},
	{entitlementdomain.ErrNotFound, http.StatusNotFound, "not_found"},
	{notificationdomain.ErrNotFound, http.StatusNotFound, "not_found"},
	{paymentdomain.ErrProcessorNotFound, http.StatusNotFound, "not_found"},

	{checkout.ErrSessionNotPaid, http.StatusConflict, "conflict"},
	{paymentdomain.ErrNotReplayable, http.StatusConflict, "conflict"},

	{coursedomain.ErrCourseHasNoPrice, http.StatusUnprocessableEntity, "unprocessable"},

	{restore.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},

	{paymentdomain.ErrProcessorUnavailable, http.StatusBadGateway, "processor_unavailable"},

	{ErrConcurrentUpdate, http.StatusConflict, "conflict"},
	{ErrStoreUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		var rateErr *restore.RateLimitError
		if errors.As(lastErr.Err, &rateErr) && rateErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(rateErr)))
		}
		if db.IsUnavailableErr(lastErr.Err) {
			c.Header("Retry-After", strconv.Itoa(storeRetryAfterSeconds))
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if rule, ok := matchRule(err); ok {
		return rule.status, errorPayload{
			Type:    rule.kind,
			Message: rule.target.Error(),
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog feeds the request logger's error_type and error_code.
func classifyErrorForLog(err error) (string, string) {
	if asValidationErrors(err) != nil {
		return "validation_error", "invalid_request"
	}
	if rule, ok := matchRule(err); ok {
		return rule.kind, strconv.Itoa(rule.status)
	}
	return "internal_error", strconv.Itoa(http.StatusInternalServerError)
}

func matchRule(err error) (errorRule, bool) {
	err = classifyStoreError(err)
	for _, rule := range errorRules {
		if errors.Is(err, rule.target) {
			return rule, true
		}
	}
	return errorRule{}, false
}

// classifyStoreError turns raw database failures into retryable API errors.
// Anything else passes through unchanged.
func classifyStoreError(err error) error {
	switch {
	case db.IsUnavailableErr(err):
		return ErrStoreUnavailable
	case db.IsDuplicateKeyErr(err):
		return ErrConcurrentUpdate
	default:
		return err
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

const storeRetryAfterSeconds = 5

func retryAfterSeconds(err *restore.RateLimitError) int {
	return int(math.Ceil(err.RetryAfter.Seconds()))
}
