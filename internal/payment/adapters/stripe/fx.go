package stripe

import (
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type gatewayParams struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

var Module = fx.Module("payment.stripe",
	fx.Provide(func(p gatewayParams) paymentdomain.Gateway {
		return NewGateway(p.Cfg, p.Log, WithMetrics(p.Metrics))
	}),
	fx.Provide(func(cfg config.Config) paymentdomain.EventSource {
		return NewSource(cfg)
	}),
)
