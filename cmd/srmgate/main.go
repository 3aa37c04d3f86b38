package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/audit"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/connectivity"
	"github.com/smallbiznis/srmgate/internal/device"
	"github.com/smallbiznis/srmgate/internal/enrollment"
	"github.com/smallbiznis/srmgate/internal/evidence"
	"github.com/smallbiznis/srmgate/internal/fleetmetrics"
	"github.com/smallbiznis/srmgate/internal/lock"
	"github.com/smallbiznis/srmgate/internal/migration"
	"github.com/smallbiznis/srmgate/internal/observability"
	"github.com/smallbiznis/srmgate/internal/queue"
	"github.com/smallbiznis/srmgate/internal/receipt"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"github.com/smallbiznis/srmgate/internal/server"
	"github.com/smallbiznis/srmgate/internal/vault"
	"github.com/smallbiznis/srmgate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		vault.Module,
		lock.Module,

		// SRM domains
		audit.Module,
		regulator.Module,
		device.Module,
		enrollment.Module,
		receipt.Module,
		connectivity.Module,
		queue.Module,
		evidence.Module,
		migration.Module,

		// Outer surfaces
		fleetmetrics.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
