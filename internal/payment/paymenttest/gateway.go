// Package paymenttest provides an in-memory payment gateway for state-based
// tests.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

// Gateway stores sessions, subscriptions and customers in memory. Set Err to
// make every call fail.
type Gateway struct {
	mu sync.Mutex

	Sessions      map[string]paymentdomain.Session
	Subscriptions map[string]paymentdomain.Subscription
	// CustomerSubs lists subscription refs per customer in processor order.
	CustomerSubs map[string][]string
	Customers    map[string]string // email -> customer ref
	Created      []paymentdomain.CreateSessionParams
	Products     []paymentdomain.CreateProductParams
	Prices       []paymentdomain.CreatePriceParams
	Err          error

	seq int
}

func NewGateway() *Gateway {
	return &Gateway{
		Sessions:      map[string]paymentdomain.Session{},
		Subscriptions: map[string]paymentdomain.Subscription{},
		CustomerSubs:  map[string][]string{},
		Customers:     map[string]string{},
	}
}

// AddSubscription registers sub under its customer.
func (g *Gateway) AddSubscription(sub paymentdomain.Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.Subscriptions[sub.Ref]; !ok {
		g.CustomerSubs[sub.CustomerRef] = append(g.CustomerSubs[sub.CustomerRef], sub.Ref)
	}
	g.Subscriptions[sub.Ref] = sub
}

func (g *Gateway) CreateCheckoutSession(_ context.Context, params paymentdomain.CreateSessionParams) (*paymentdomain.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	g.seq++
	id := fmt.Sprintf("cs_test_%d", g.seq)
	sess := paymentdomain.Session{
		ID:            id,
		URL:           "https://checkout.test/" + id,
		Mode:          params.Mode,
		PaymentStatus: "unpaid",
		Metadata:      params.Metadata.Map(),
	}
	g.Sessions[id] = sess
	g.Created = append(g.Created, params)
	return &sess, nil
}

// CompleteSession marks a session paid the way the processor would after a
// successful payment.
func (g *Gateway) CompleteSession(id, customerRef string) paymentdomain.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess := g.Sessions[id]
	sess.PaymentStatus = "paid"
	sess.CustomerRef = customerRef
	g.Sessions[id] = sess
	return sess
}

func (g *Gateway) GetCheckoutSession(_ context.Context, sessionID string) (*paymentdomain.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	sess, ok := g.Sessions[sessionID]
	if !ok {
		return nil, paymentdomain.ErrProcessorNotFound
	}
	return &sess, nil
}

func (g *Gateway) GetSubscription(_ context.Context, ref string) (*paymentdomain.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	sub, ok := g.Subscriptions[ref]
	if !ok {
		return nil, paymentdomain.ErrProcessorNotFound
	}
	return &sub, nil
}

func (g *Gateway) ListSubscriptions(_ context.Context, customerRef string, limit int) ([]paymentdomain.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	var out []paymentdomain.Subscription
	for _, ref := range g.CustomerSubs[customerRef] {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, g.Subscriptions[ref])
	}
	return out, nil
}

func (g *Gateway) FindCustomerByEmail(_ context.Context, email string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return "", g.Err
	}
	return g.Customers[email], nil
}

func (g *Gateway) CancelAtPeriodEnd(_ context.Context, ref string) (*paymentdomain.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	sub, ok := g.Subscriptions[ref]
	if !ok {
		return nil, paymentdomain.ErrProcessorNotFound
	}
	sub.CancelAtPeriodEnd = true
	g.Subscriptions[ref] = sub
	return &sub, nil
}

func (g *Gateway) CreateProduct(_ context.Context, params paymentdomain.CreateProductParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return "", g.Err
	}
	g.Products = append(g.Products, params)
	return fmt.Sprintf("prod_test_%d", len(g.Products)), nil
}

func (g *Gateway) CreatePrice(_ context.Context, params paymentdomain.CreatePriceParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return "", g.Err
	}
	g.Prices = append(g.Prices, params)
	return fmt.Sprintf("price_test_%d", len(g.Prices)), nil
}
