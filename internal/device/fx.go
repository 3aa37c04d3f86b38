package device

import (
	"github.com/smallbiznis/srmgate/internal/device/repository"
	"github.com/smallbiznis/srmgate/internal/device/service"
	"go.uber.org/fx"
)

var Module = fx.Module("device.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
