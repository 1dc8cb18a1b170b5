package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

// Gateway implements paymentdomain.Gateway on the Stripe API.
type Gateway struct {
	sc      *client.API
	log     *zap.Logger
	metrics *metrics.Metrics
}

type gatewayOptions struct {
	backend *stripe.BackendConfig
	metrics *metrics.Metrics
}

type GatewayOption func(*gatewayOptions)

// WithBaseURL points the client at another API host.
func WithBaseURL(url string) GatewayOption {
	return func(o *gatewayOptions) { o.backend.URL = stripe.String(url) }
}

// WithMetrics records call latency and failures per operation.
func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(o *gatewayOptions) { o.metrics = m }
}

func NewGateway(cfg config.Config, log *zap.Logger, opts ...GatewayOption) *Gateway {
	o := &gatewayOptions{backend: &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.Stripe.MaxNetworkRetries),
		LeveledLogger:     &leveledLogger{log: log.Named("stripe.client")},
	}}
	for _, opt := range opts {
		opt(o)
	}

	sc := &client.API{}
	sc.Init(cfg.Stripe.SecretKey, stripe.NewBackendsWithConfig(o.backend))
	return &Gateway{sc: sc, log: log.Named("stripe.gateway"), metrics: o.metrics}
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, in paymentdomain.CreateSessionParams) (*paymentdomain.Session, error) {
	lineItem := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	switch {
	case in.PriceRef != "":
		lineItem.Price = stripe.String(in.PriceRef)
	case in.InlinePrice != nil:
		priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(in.InlinePrice.Currency),
			UnitAmount: stripe.Int64(in.InlinePrice.AmountCents),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(in.InlinePrice.ProductName),
			},
		}
		if in.Mode == paymentdomain.ModeSubscription {
			priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval: stripe.String(intervalOrMonth(in.InlinePrice.Interval)),
			}
		}
		lineItem.PriceData = priceData
	default:
		return nil, errors.New("stripe: checkout session needs a price")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(in.Mode),
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		ClientReferenceID: stripe.String(in.Metadata.SubjectID),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{lineItem},
	}
	params.Context = ctx
	if in.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(in.CustomerEmail)
	}
	for k, v := range in.Metadata.Map() {
		params.AddMetadata(k, v)
	}
	if in.Mode == paymentdomain.ModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: in.Metadata.Map()}
	} else {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: in.Metadata.Map()}
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	start := time.Now()
	sess, err := g.sc.CheckoutSessions.New(params)
	if err := g.finish(ctx, "create checkout session", start, err); err != nil {
		return nil, err
	}
	out := fromSession(sess)
	return &out, nil
}

func (g *Gateway) GetCheckoutSession(ctx context.Context, sessionID string) (*paymentdomain.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errEmptyID
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	start := time.Now()
	sess, err := g.sc.CheckoutSessions.Get(sessionID, params)
	if err := g.finish(ctx, "get checkout session", start, err); err != nil {
		return nil, err
	}
	out := fromSession(sess)
	return &out, nil
}

func (g *Gateway) GetSubscription(ctx context.Context, ref string) (*paymentdomain.Subscription, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, errEmptyID
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	start := time.Now()
	sub, err := g.sc.Subscriptions.Get(ref, params)
	if err := g.finish(ctx, "get subscription", start, err); err != nil {
		return nil, err
	}
	out := fromSubscription(sub)
	return &out, nil
}

// ListSubscriptions returns every subscription of the customer regardless of
// status, up to limit.
func (g *Gateway) ListSubscriptions(ctx context.Context, customerRef string, limit int) ([]paymentdomain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerRef),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(min(limit, 100)))

	var out []paymentdomain.Subscription
	start := time.Now()
	iter := g.sc.Subscriptions.List(params)
	for iter.Next() {
		out = append(out, fromSubscription(iter.Subscription()))
		if len(out) >= limit {
			break
		}
	}
	if err := g.finish(ctx, "list subscriptions", start, iter.Err()); err != nil {
		return nil, err
	}
	return out, nil
}

// FindCustomerByEmail returns the first customer with the email, or "".
func (g *Gateway) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil
	}
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	start := time.Now()
	iter := g.sc.Customers.List(params)
	var ref string
	if iter.Next() {
		ref = iter.Customer().ID
	}
	if err := g.finish(ctx, "find customer", start, iter.Err()); err != nil {
		return "", err
	}
	return ref, nil
}

func (g *Gateway) CancelAtPeriodEnd(ctx context.Context, ref string) (*paymentdomain.Subscription, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, errEmptyID
	}
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	start := time.Now()
	sub, err := g.sc.Subscriptions.Update(ref, params)
	if err := g.finish(ctx, "cancel subscription", start, err); err != nil {
		return nil, err
	}
	out := fromSubscription(sub)
	return &out, nil
}

func (g *Gateway) CreateProduct(ctx context.Context, in paymentdomain.CreateProductParams) (string, error) {
	params := &stripe.ProductParams{Name: stripe.String(in.Name)}
	params.Context = ctx
	params.AddMetadata(paymentdomain.MetadataCourseID, in.CourseID)
	start := time.Now()
	product, err := g.sc.Products.New(params)
	if err := g.finish(ctx, "create product", start, err); err != nil {
		return "", err
	}
	return product.ID, nil
}

func (g *Gateway) CreatePrice(ctx context.Context, in paymentdomain.CreatePriceParams) (string, error) {
	params := &stripe.PriceParams{
		Product:    stripe.String(in.ProductRef),
		Currency:   stripe.String(in.Currency),
		UnitAmount: stripe.Int64(in.AmountCents),
	}
	params.Context = ctx
	params.AddMetadata(paymentdomain.MetadataCourseID, in.CourseID)
	if in.Interval != "" {
		params.Recurring = &stripe.PriceRecurringParams{Interval: stripe.String(in.Interval)}
	}
	start := time.Now()
	price, err := g.sc.Prices.New(params)
	if err := g.finish(ctx, "create price", start, err); err != nil {
		return "", err
	}
	return price.ID, nil
}

// finish records the call and maps a client error onto the domain errors.
// 404s become ErrProcessorNotFound; everything else is treated as
// unavailable.
func (g *Gateway) finish(ctx context.Context, op string, start time.Time, err error) error {
	g.metrics.RecordProcessorCall(ctx, op, err, time.Since(start))
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, paymentdomain.ErrProcessorNotFound)
	}
	g.log.Warn("stripe call failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w: %v", op, paymentdomain.ErrProcessorUnavailable, err)
}

func fromSession(s *stripe.CheckoutSession) paymentdomain.Session {
	out := paymentdomain.Session{
		ID:            s.ID,
		URL:           s.URL,
		Mode:          string(s.Mode),
		PaymentStatus: string(s.PaymentStatus),
		Metadata:      s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionRef = s.Subscription.ID
	}
	return out
}

func fromSubscription(s *stripe.Subscription) paymentdomain.Subscription {
	out := paymentdomain.Subscription{
		Ref:               s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(s.CanceledAt),
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			out.PriceRef = item.Price.ID
		}
		out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	return out
}

func intervalOrMonth(interval string) string {
	switch interval {
	case "year", "week", "day":
		return interval
	default:
		return "month"
	}
}

type leveledLogger struct {
	log *zap.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}
