package domain

import "time"

const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventInvoicePaid            = "invoice.paid"
	EventSubscriptionCreated    = "customer.subscription.created"
	EventSubscriptionUpdated    = "customer.subscription.updated"
	EventSubscriptionDeleted    = "customer.subscription.deleted"
	EventChargeRefunded         = "charge.refunded"
)

// Envelope carries the fields shared by every processor event.
type Envelope struct {
	ID       string
	Type     string
	Occurred time.Time
}

// Event is one decoded processor notification. The concrete types below are
// the only implementations.
type Event interface {
	Header() Envelope
	isEvent()
}

type CheckoutCompleted struct {
	Envelope
	Session Session
}

type InvoicePaid struct {
	Envelope
	InvoiceRef      string
	CustomerRef     string
	SubscriptionRef string
}

type SubscriptionUpdated struct {
	Envelope
	Subscription Subscription
}

type SubscriptionDeleted struct {
	Envelope
	Subscription Subscription
}

type ChargeRefunded struct {
	Envelope
	ChargeRef   string
	CustomerRef string
	Metadata    map[string]string
}

// Unrecognized is any event type this service does not act on.
type Unrecognized struct {
	Envelope
}

func (e Envelope) Header() Envelope { return e }

func (CheckoutCompleted) isEvent()   {}
func (InvoicePaid) isEvent()         {}
func (SubscriptionUpdated) isEvent() {}
func (SubscriptionDeleted) isEvent() {}
func (ChargeRefunded) isEvent()      {}
func (Unrecognized) isEvent()        {}

// EventSource authenticates and decodes raw notification bodies.
type EventSource interface {
	// Verify returns the name of the signing secret that matched, or
	// ErrInvalidSignature.
	Verify(payload []byte, signatureHeader string) (string, error)
	// Decode parses a payload without checking its signature.
	Decode(payload []byte) (Event, error)
}
