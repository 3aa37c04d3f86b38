package connectivity

import (
	"github.com/smallbiznis/srmgate/internal/connectivity/domain"
	"github.com/smallbiznis/srmgate/internal/connectivity/repository"
	"github.com/smallbiznis/srmgate/internal/connectivity/service"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("connectivity.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(r receiptdomain.Repository) domain.ReceiptCounter { return r }),
	fx.Provide(service.NewService),
)
