package domain

//go:generate mockgen -source=gateway.go -destination=../mock/gateway_mock.go -package=mock

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	MetadataSubjectID = "subject_id"
	MetadataCourseID  = "course_id"
)

const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"
)

// Metadata is the correlation pair attached to every processor object this
// service creates.
type Metadata struct {
	SubjectID string
	CourseID  string
}

// MetadataFrom extracts the correlation pair. ok is false when either key is
// missing or blank.
func MetadataFrom(m map[string]string) (Metadata, bool) {
	md := Metadata{
		SubjectID: strings.TrimSpace(m[MetadataSubjectID]),
		CourseID:  strings.TrimSpace(m[MetadataCourseID]),
	}
	return md, md.SubjectID != "" && md.CourseID != ""
}

func (m Metadata) Map() map[string]string {
	return map[string]string{
		MetadataSubjectID: m.SubjectID,
		MetadataCourseID:  m.CourseID,
	}
}

// Subscription is the processor's view of a recurring billing agreement.
type Subscription struct {
	Ref               string
	CustomerRef       string
	Status            string
	PriceRef          string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	CanceledAt        *time.Time
	Metadata          map[string]string
}

type Session struct {
	ID              string
	URL             string
	Mode            string
	PaymentStatus   string
	CustomerRef     string
	SubscriptionRef string
	Metadata        map[string]string
}

// IsPaid reports whether the session's payment completed.
func (s Session) IsPaid() bool {
	return IsPaidSessionStatus(s.PaymentStatus)
}

func IsPaidSessionStatus(status string) bool {
	switch status {
	case "paid", "no_payment_required":
		return true
	default:
		return false
	}
}

// InlinePrice is a price created on the fly for a single checkout.
type InlinePrice struct {
	AmountCents int64
	Currency    string
	ProductName string
	Interval    string
}

type CreateSessionParams struct {
	Mode           string
	Metadata       Metadata
	CustomerEmail  string
	PriceRef       string
	InlinePrice    *InlinePrice
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type CreateProductParams struct {
	CourseID string
	Name     string
}

type CreatePriceParams struct {
	CourseID    string
	ProductRef  string
	AmountCents int64
	Currency    string
	Interval    string
}

// Gateway is the outbound surface of the payment processor.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CreateSessionParams) (*Session, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*Session, error)
	GetSubscription(ctx context.Context, ref string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, customerRef string, limit int) ([]Subscription, error)
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	CancelAtPeriodEnd(ctx context.Context, ref string) (*Subscription, error)
	CreateProduct(ctx context.Context, params CreateProductParams) (string, error)
	CreatePrice(ctx context.Context, params CreatePriceParams) (string, error)
}

var (
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
	ErrProcessorNotFound    = errors.New("payment processor object not found")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidPayload       = errors.New("invalid event payload")
	ErrNotReplayable        = errors.New("notification cannot be replayed")
)
