package migration

import (
	"context"

	"github.com/smallbiznis/srmgate/internal/config"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, devices devicedomain.Service, log *zap.Logger) error {
		if err := Migrate(conn); err != nil {
			return err
		}
		if cfg.SRM.DefaultTenantID == "" {
			return nil
		}
		// A single-terminal install gets its device profile provisioned up front.
		profile, err := devices.Provision(context.Background(), cfg.SRM.DefaultTenantID, cfg.SRM.DefaultEnvironment)
		if err != nil {
			return err
		}
		log.Named("migrations").Info("device.provisioned",
			zap.String("tenant_id", profile.TenantID),
			zap.String("environment", profile.Environment),
			zap.String("device_id", profile.DeviceID),
			zap.String("state", string(profile.EnrollmentState)),
		)
		return nil
	}),
)
