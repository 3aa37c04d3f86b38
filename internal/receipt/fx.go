package receipt

import (
	enrollmentdomain "github.com/smallbiznis/srmgate/internal/enrollment/domain"
	"github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/receipt/repository"
	"github.com/smallbiznis/srmgate/internal/receipt/service"
	"go.uber.org/fx"
)

var Module = fx.Module("receipt.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(s enrollmentdomain.Service) domain.CertificateHistory { return s }),
	fx.Provide(service.NewService),
)
