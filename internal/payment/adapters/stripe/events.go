package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Source verifies notification signatures against an ordered list of
// signing secrets and decodes payloads into domain events.
type Source struct {
	secrets   []config.WebhookSecret
	tolerance time.Duration
}

func NewSource(cfg config.Config) *Source {
	tolerance := cfg.Stripe.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Source{secrets: cfg.Stripe.WebhookSecrets, tolerance: tolerance}
}

// Verify checks the signature only. A correctly signed body that does not
// parse is still verified; Decode reports the parse failure.
func (s *Source) Verify(payload []byte, signatureHeader string) (string, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return "", paymentdomain.ErrInvalidSignature
	}
	for _, secret := range s.secrets {
		if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, secret.Secret, s.tolerance); err == nil {
			return secret.Name, nil
		}
	}
	return "", paymentdomain.ErrInvalidSignature
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type expandable struct {
	ID string
}

// UnmarshalJSON accepts either a bare id or an expanded object.
func (e *expandable) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		e.ID = id
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

type stripeSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	Customer      expandable        `json:"customer"`
	Subscription  expandable        `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID           string     `json:"id"`
	Customer     expandable `json:"customer"`
	Subscription expandable `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          expandable        `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeCharge struct {
	ID       string            `json:"id"`
	Customer expandable        `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// Decode parses a notification body. Unknown types decode to
// paymentdomain.Unrecognized.
func (s *Source) Decode(payload []byte) (paymentdomain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrInvalidPayload, err)
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", paymentdomain.ErrInvalidPayload)
	}

	env := paymentdomain.Envelope{
		ID:       event.ID,
		Type:     event.Type,
		Occurred: unix(event.Created),
	}

	switch event.Type {
	case paymentdomain.EventCheckoutCompleted, paymentdomain.EventCheckoutAsyncSucceeded:
		var obj stripeSession
		if err := decodeObject(event, &obj); err != nil {
			return nil, err
		}
		return paymentdomain.CheckoutCompleted{Envelope: env, Session: toSession(obj)}, nil

	case paymentdomain.EventInvoicePaid:
		var obj stripeInvoice
		if err := decodeObject(event, &obj); err != nil {
			return nil, err
		}
		subRef := obj.Subscription.ID
		if subRef == "" && obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
			subRef = obj.Parent.SubscriptionDetails.Subscription.ID
		}
		return paymentdomain.InvoicePaid{
			Envelope:        env,
			InvoiceRef:      obj.ID,
			CustomerRef:     obj.Customer.ID,
			SubscriptionRef: subRef,
		}, nil

	case paymentdomain.EventSubscriptionCreated, paymentdomain.EventSubscriptionUpdated:
		var obj stripeSubscription
		if err := decodeObject(event, &obj); err != nil {
			return nil, err
		}
		return paymentdomain.SubscriptionUpdated{Envelope: env, Subscription: toSubscription(obj)}, nil

	case paymentdomain.EventSubscriptionDeleted:
		var obj stripeSubscription
		if err := decodeObject(event, &obj); err != nil {
			return nil, err
		}
		return paymentdomain.SubscriptionDeleted{Envelope: env, Subscription: toSubscription(obj)}, nil

	case paymentdomain.EventChargeRefunded:
		var obj stripeCharge
		if err := decodeObject(event, &obj); err != nil {
			return nil, err
		}
		return paymentdomain.ChargeRefunded{
			Envelope:    env,
			ChargeRef:   obj.ID,
			CustomerRef: obj.Customer.ID,
			Metadata:    obj.Metadata,
		}, nil

	default:
		return paymentdomain.Unrecognized{Envelope: env}, nil
	}
}

func decodeObject(event stripeEvent, dst any) error {
	if len(event.Data.Object) == 0 {
		return fmt.Errorf("%w: %s has no data.object", paymentdomain.ErrInvalidPayload, event.Type)
	}
	if err := json.Unmarshal(event.Data.Object, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", paymentdomain.ErrInvalidPayload, event.Type, err)
	}
	return nil
}

func toSession(obj stripeSession) paymentdomain.Session {
	return paymentdomain.Session{
		ID:              obj.ID,
		URL:             obj.URL,
		Mode:            obj.Mode,
		PaymentStatus:   obj.PaymentStatus,
		CustomerRef:     obj.Customer.ID,
		SubscriptionRef: obj.Subscription.ID,
		Metadata:        obj.Metadata,
	}
}

func toSubscription(obj stripeSubscription) paymentdomain.Subscription {
	sub := paymentdomain.Subscription{
		Ref:               obj.ID,
		CustomerRef:       obj.Customer.ID,
		Status:            obj.Status,
		CancelAtPeriodEnd: obj.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(obj.CanceledAt),
		Metadata:          obj.Metadata,
	}
	periodEnd := obj.CurrentPeriodEnd
	if len(obj.Items.Data) > 0 {
		sub.PriceRef = obj.Items.Data[0].Price.ID
		if periodEnd == 0 {
			periodEnd = obj.Items.Data[0].CurrentPeriodEnd
		}
	}
	sub.CurrentPeriodEnd = unixPtr(periodEnd)
	return sub
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := unix(sec)
	return &t
}

var errEmptyID = errors.New("stripe: empty id")
