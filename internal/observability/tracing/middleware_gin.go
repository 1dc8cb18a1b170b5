package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var untracedRoutes = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// GinMiddleware opens a server span per request. Probe routes are not traced.
// Subject and course ids set by later handlers are attached when the request
// finishes.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("coursepay/http")
	return func(c *gin.Context) {
		if _, skip := untracedRoutes[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ctx = withCorrelationBaggage(ctx, span)
		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		if courseID := strings.TrimSpace(c.GetString("course_id")); courseID != "" {
			attrs = append(attrs, attribute.String("course.id", courseID))
		}
		if subjectID := obscontext.SubjectIDFromContext(c.Request.Context()); subjectID != "" {
			attrs = append(attrs, attribute.String("subject.id", subjectID))
		}
		if strings.HasPrefix(route, "/api/payments/webhooks/") {
			attrs = append(attrs, attribute.Bool("webhook", true))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status < http.StatusInternalServerError {
			return
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
		}
		if status == http.StatusBadGateway {
			span.SetStatus(codes.Error, "payment processor error")
			return
		}
		span.SetStatus(codes.Error, "request error")
	}
}

func withCorrelationBaggage(ctx context.Context, span trace.Span) context.Context {
	var members []baggage.Member
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		span.SetAttributes(attribute.String("request_id", requestID))
		if m, err := baggage.NewMember("request_id", requestID); err == nil {
			members = append(members, m)
		}
	}
	if correlationID := obscontext.CorrelationIDFromContext(ctx); correlationID != "" {
		span.SetAttributes(attribute.String("correlation_id", correlationID))
		if m, err := baggage.NewMember("correlation_id", correlationID); err == nil {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		return ctx
	}
	bag, err := baggage.New(members...)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
