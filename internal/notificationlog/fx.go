package notificationlog

import (
	"github.com/smallbiznis/coursepay/internal/notificationlog/repository"
	"github.com/smallbiznis/coursepay/internal/notificationlog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notificationlog",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
