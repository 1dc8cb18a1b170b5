package tracing

import (
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/checkout"),
		attribute.String("stripe.signature", "t=1,v1=abc"),
		attribute.String("subject.email", "a@example.com"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorKeepsOutermostMessage(t *testing.T) {
	err := fmt.Errorf("upsert entitlement: %w", errors.New("pq: connection refused to 10.0.0.1"))
	if got := SafeError(err).Error(); got != "upsert entitlement" {
		t.Fatalf("unexpected message %q", got)
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}
