package queue

import (
	"github.com/smallbiznis/srmgate/internal/queue/breaker"
	"github.com/smallbiznis/srmgate/internal/queue/dispatcher"
	"github.com/smallbiznis/srmgate/internal/queue/repository"
	"github.com/smallbiznis/srmgate/internal/queue/service"
	"go.uber.org/fx"
)

var Module = fx.Module("queue.service",
	fx.Provide(repository.Provide),
	fx.Provide(repository.ProvideBreakers),
	fx.Provide(breaker.Provide),
	fx.Provide(service.NewService),
	dispatcher.Module,
)
