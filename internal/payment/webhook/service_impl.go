package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
	entitlementdomain "github.com/smallbiznis/coursepay/internal/entitlement/domain"
	notificationdomain "github.com/smallbiznis/coursepay/internal/notificationlog/domain"
	obslogger "github.com/smallbiznis/coursepay/internal/observability/logger"
	"github.com/smallbiznis/coursepay/internal/observability/metrics"
	"github.com/smallbiznis/coursepay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"github.com/smallbiznis/coursepay/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const msgMissingMetadata = "missing subject_id/course_id metadata"

type Params struct {
	fx.In

	Log           *zap.Logger
	Source        paymentdomain.EventSource
	Gateway       paymentdomain.Gateway
	Entitlements  entitlementdomain.Service
	Subscriptions subscriptiondomain.Service
	Notifications notificationdomain.Service
	Policy        *config.PolicyHolder
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	source        paymentdomain.EventSource
	gateway       paymentdomain.Gateway
	entitlements  entitlementdomain.Service
	subscriptions subscriptiondomain.Service
	notifications notificationdomain.Service
	policy        *config.PolicyHolder
	metrics       *metrics.Metrics
}

// Result is what the processor is told about a delivery.
type Result struct {
	EventID   string                     `json:"event_id"`
	EventType string                     `json:"event_type"`
	Outcome   notificationdomain.Outcome `json:"outcome"`
	Message   string                     `json:"message,omitempty"`
}

func NewService(p Params) *Service {
	return &Service{
		log:           p.Log.Named("webhook.service"),
		source:        p.Source,
		gateway:       p.Gateway,
		entitlements:  p.Entitlements,
		subscriptions: p.Subscriptions,
		notifications: p.Notifications,
		policy:        p.Policy,
		metrics:       p.Metrics,
	}
}

// Ingest authenticates, applies and logs one notification. Only an invalid
// signature or a failure to write the log entry is reported as an error;
// processing failures are recorded in the log and acknowledged.
func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) (*Result, error) {
	ctx, span := otel.Tracer("coursepay/webhook").Start(ctx, "webhook.ingest")
	defer span.End()

	eventID, eventType := peek(payload)
	log := obslogger.WithEvent(obslogger.WithContext(ctx, s.log), eventID, eventType)

	verifier, err := s.source.Verify(payload, signatureHeader)
	if err != nil {
		log.Warn("notification signature rejected")
		span.SetStatus(codes.Error, "invalid signature")
		entry := notificationdomain.Entry{
			ProcessorEventID: notificationdomain.UnverifiedKey(payload),
			EventType:        eventType,
			Outcome:          notificationdomain.OutcomeError,
			Message:          paymentdomain.ErrInvalidSignature.Error(),
			RawPayload:       string(payload),
		}
		if logErr := s.notifications.Record(ctx, entry); logErr != nil {
			log.Error("failed to log rejected notification", zap.Error(logErr))
		}
		s.metrics.RecordWebhookEvent(ctx, eventType, "invalid_signature")
		return nil, paymentdomain.ErrInvalidSignature
	}

	res := Result{EventID: eventID, EventType: eventType}
	ev, err := s.source.Decode(payload)
	if err != nil {
		log.Warn("notification could not be decoded", zap.Error(err))
		res.Outcome, res.Message = notificationdomain.OutcomeError, err.Error()
	} else {
		res.EventID, res.EventType = ev.Header().ID, ev.Header().Type
		res.Outcome, res.Message = s.dispatch(ctx, log, ev)
	}
	if res.EventID == "" {
		res.EventID = notificationdomain.NoIDKey(payload)
	}
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("event.id", res.EventID),
		attribute.String("event.type", res.EventType),
		attribute.String("event.outcome", string(res.Outcome)),
	)...)

	entry := notificationdomain.Entry{
		ProcessorEventID: res.EventID,
		EventType:        res.EventType,
		Verified:         true,
		Verifier:         verifier,
		Outcome:          res.Outcome,
		Message:          res.Message,
		RawPayload:       string(payload),
	}
	if err := s.notifications.Record(ctx, entry); err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "notification log write failed")
		log.Error("failed to log notification", zap.Error(err))
		return nil, fmt.Errorf("log notification %s: %w", res.EventID, err)
	}

	s.metrics.RecordWebhookEvent(ctx, res.EventType, string(res.Outcome))
	return &res, nil
}

// Replay re-runs a logged, previously verified notification.
func (s *Service) Replay(ctx context.Context, eventID string) (*Result, error) {
	entry, err := s.notifications.Get(ctx, eventID)
	if err != nil {
		if errors.Is(err, notificationdomain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not logged", paymentdomain.ErrNotReplayable, eventID)
		}
		return nil, err
	}
	if !entry.Verified {
		return nil, fmt.Errorf("%w: %s was never verified", paymentdomain.ErrNotReplayable, eventID)
	}

	log := obslogger.WithEvent(obslogger.WithContext(ctx, s.log), entry.ProcessorEventID, entry.EventType)
	res := Result{EventID: entry.ProcessorEventID, EventType: entry.EventType}
	ev, err := s.source.Decode([]byte(entry.RawPayload))
	if err != nil {
		res.Outcome, res.Message = notificationdomain.OutcomeError, err.Error()
	} else {
		res.Outcome, res.Message = s.dispatch(ctx, log, ev)
	}

	if err := s.notifications.UpdateOutcome(ctx, entry.ProcessorEventID, res.Outcome, res.Message); err != nil {
		return nil, err
	}
	log.Info("notification replayed", zap.String("outcome", string(res.Outcome)))
	s.metrics.RecordWebhookEvent(ctx, res.EventType, string(res.Outcome))
	return &res, nil
}

func (s *Service) ListNotifications(ctx context.Context, filter notificationdomain.ListFilter) ([]notificationdomain.Entry, pagination.PageInfo, error) {
	return s.notifications.List(ctx, filter)
}

func (s *Service) dispatch(ctx context.Context, log *zap.Logger, ev paymentdomain.Event) (notificationdomain.Outcome, string) {
	var (
		outcome notificationdomain.Outcome
		message string
		err     error
	)
	switch e := ev.(type) {
	case paymentdomain.CheckoutCompleted:
		outcome, message, err = s.onCheckoutCompleted(ctx, e)
	case paymentdomain.InvoicePaid:
		outcome, message, err = s.onInvoicePaid(ctx, e)
	case paymentdomain.SubscriptionUpdated:
		outcome, message, err = s.onSubscriptionUpdated(ctx, e)
	case paymentdomain.SubscriptionDeleted:
		outcome, message, err = s.onSubscriptionDeleted(ctx, e)
	case paymentdomain.ChargeRefunded:
		outcome, message, err = s.onChargeRefunded(ctx, e)
	case paymentdomain.Unrecognized:
		outcome, message = notificationdomain.OutcomeIgnored, "unhandled event type"
	default:
		outcome, message = notificationdomain.OutcomeIgnored, fmt.Sprintf("unhandled event %T", ev)
	}

	switch {
	case err != nil:
		log.Error("notification processing failed", zap.Error(err))
		return notificationdomain.OutcomeError, err.Error()
	case outcome == notificationdomain.OutcomeIgnored && message == msgMissingMetadata:
		log.Warn("notification missing correlation metadata")
	case outcome == notificationdomain.OutcomeIgnored:
		log.Debug("notification ignored", zap.String("reason", message))
	default:
		log.Info("notification applied", zap.String("message", message))
	}
	return outcome, message
}

func (s *Service) onCheckoutCompleted(ctx context.Context, e paymentdomain.CheckoutCompleted) (notificationdomain.Outcome, string, error) {
	md, ok := paymentdomain.MetadataFrom(e.Session.Metadata)
	if !ok {
		return notificationdomain.OutcomeIgnored, msgMissingMetadata, nil
	}
	if !e.Session.IsPaid() {
		return notificationdomain.OutcomeIgnored, "checkout session not paid", nil
	}
	res, err := s.entitlements.Activate(ctx, entitlementdomain.Transition{
		SubjectID: md.SubjectID,
		CourseID:  md.CourseID,
		Refs: entitlementdomain.Refs{
			CustomerRef:     e.Session.CustomerRef,
			SubscriptionRef: e.Session.SubscriptionRef,
			SessionRef:      e.Session.ID,
		},
		OccurredAt: e.Occurred,
	})
	if err != nil {
		return "", "", err
	}
	return notificationdomain.OutcomeOK, transitionMessage("entitlement activated", res.Applied), nil
}

func (s *Service) onInvoicePaid(ctx context.Context, e paymentdomain.InvoicePaid) (notificationdomain.Outcome, string, error) {
	if e.SubscriptionRef == "" {
		return notificationdomain.OutcomeIgnored, "invoice has no subscription", nil
	}
	sub, err := s.gateway.GetSubscription(ctx, e.SubscriptionRef)
	if err != nil {
		return "", "", fmt.Errorf("lookup subscription %s: %w", e.SubscriptionRef, err)
	}
	md, ok := paymentdomain.MetadataFrom(sub.Metadata)
	if !ok {
		return notificationdomain.OutcomeIgnored, msgMissingMetadata, nil
	}
	if sub.CustomerRef == "" {
		sub.CustomerRef = e.CustomerRef
	}
	if _, err := s.subscriptions.Mirror(ctx, *sub, md, e.Occurred); err != nil {
		return "", "", err
	}
	res, err := s.entitlements.Activate(ctx, entitlementdomain.Transition{
		SubjectID: md.SubjectID,
		CourseID:  md.CourseID,
		Refs: entitlementdomain.Refs{
			CustomerRef:     sub.CustomerRef,
			SubscriptionRef: sub.Ref,
		},
		OccurredAt: e.Occurred,
	})
	if err != nil {
		return "", "", err
	}
	return notificationdomain.OutcomeOK, transitionMessage("entitlement renewed", res.Applied), nil
}

func (s *Service) onSubscriptionUpdated(ctx context.Context, e paymentdomain.SubscriptionUpdated) (notificationdomain.Outcome, string, error) {
	md, ok := paymentdomain.MetadataFrom(e.Subscription.Metadata)
	if !ok {
		return notificationdomain.OutcomeIgnored, msgMissingMetadata, nil
	}
	mirror, err := s.subscriptions.Mirror(ctx, e.Subscription, md, e.Occurred)
	if err != nil {
		return "", "", err
	}
	if !mirror.Applied {
		return notificationdomain.OutcomeOK, "stale subscription update skipped", nil
	}

	switch e.Subscription.Status {
	case "past_due", "unpaid":
		res, err := s.entitlements.MarkPastDue(ctx, s.transition(md, e.Subscription, e.Occurred))
		if err != nil {
			return "", "", err
		}
		return notificationdomain.OutcomeOK, transitionMessage("entitlement past due", res.Applied), nil
	default:
		return notificationdomain.OutcomeOK, "subscription recorded", nil
	}
}

func (s *Service) onSubscriptionDeleted(ctx context.Context, e paymentdomain.SubscriptionDeleted) (notificationdomain.Outcome, string, error) {
	md, ok := paymentdomain.MetadataFrom(e.Subscription.Metadata)
	if !ok {
		return notificationdomain.OutcomeIgnored, msgMissingMetadata, nil
	}
	sub := e.Subscription
	sub.Status = subscriptiondomain.StatusCanceled
	mirror, err := s.subscriptions.Mirror(ctx, sub, md, e.Occurred)
	if err != nil {
		return "", "", err
	}
	if !mirror.Applied {
		return notificationdomain.OutcomeOK, "stale subscription deletion skipped", nil
	}
	res, err := s.entitlements.EndSubscription(ctx, s.transition(md, sub, e.Occurred))
	if err != nil {
		return "", "", err
	}
	if s.policy.Get().DeletedSubscriptionRetainsAccess {
		return notificationdomain.OutcomeOK, transitionMessage("subscription ended, access retained", res.Applied), nil
	}
	return notificationdomain.OutcomeOK, transitionMessage("subscription ended, access revoked", res.Applied), nil
}

func (s *Service) onChargeRefunded(ctx context.Context, e paymentdomain.ChargeRefunded) (notificationdomain.Outcome, string, error) {
	md, ok := paymentdomain.MetadataFrom(e.Metadata)
	subRef := ""
	if !ok && e.CustomerRef != "" {
		rec, err := s.subscriptions.FindByCustomer(ctx, e.CustomerRef)
		if err != nil {
			return "", "", err
		}
		if rec != nil {
			md = paymentdomain.Metadata{SubjectID: rec.SubjectID, CourseID: rec.CourseID}
			subRef = rec.ProcessorSubscriptionRef
			ok = true
		}
	}
	if !ok {
		return notificationdomain.OutcomeIgnored, "no entitlement matched refund", nil
	}
	res, err := s.entitlements.Refund(ctx, entitlementdomain.Transition{
		SubjectID: md.SubjectID,
		CourseID:  md.CourseID,
		Refs: entitlementdomain.Refs{
			CustomerRef:     e.CustomerRef,
			SubscriptionRef: subRef,
		},
		OccurredAt: e.Occurred,
	})
	if err != nil {
		return "", "", err
	}
	return notificationdomain.OutcomeOK, transitionMessage("entitlement refunded", res.Applied), nil
}

func (s *Service) transition(md paymentdomain.Metadata, sub paymentdomain.Subscription, occurred time.Time) entitlementdomain.Transition {
	return entitlementdomain.Transition{
		SubjectID: md.SubjectID,
		CourseID:  md.CourseID,
		Refs: entitlementdomain.Refs{
			CustomerRef:     sub.CustomerRef,
			SubscriptionRef: sub.Ref,
		},
		OccurredAt: occurred,
	}
}

func transitionMessage(msg string, applied bool) string {
	if applied {
		return msg
	}
	return msg + " (superseded by newer event)"
}

// peek reads the event id and type without trusting the payload.
func peek(payload []byte) (string, string) {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", ""
	}
	return strings.TrimSpace(head.ID), strings.TrimSpace(head.Type)
}
