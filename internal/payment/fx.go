package payment

import (
	"github.com/smallbiznis/coursepay/internal/payment/adapters/stripe"
	"github.com/smallbiznis/coursepay/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	stripe.Module,
	fx.Provide(webhook.NewService),
)
