// @title           ShiftMarket Escrow API
// @version         1.0
// @description     Escrow payment core for the ShiftMarket labor marketplace

// @host      localhost:8080
// @BasePath  /api
// @Schemes 	http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/shiftmarket/escrow/internal/audit"
	"github.com/shiftmarket/escrow/internal/clock"
	"github.com/shiftmarket/escrow/internal/config"
	"github.com/shiftmarket/escrow/internal/dispute"
	"github.com/shiftmarket/escrow/internal/escrow"
	"github.com/shiftmarket/escrow/internal/events"
	"github.com/shiftmarket/escrow/internal/fee"
	"github.com/shiftmarket/escrow/internal/ledger"
	"github.com/shiftmarket/escrow/internal/migration"
	"github.com/shiftmarket/escrow/internal/observability/logger"
	"github.com/shiftmarket/escrow/internal/observability/tracing"
	"github.com/shiftmarket/escrow/internal/payout"
	"github.com/shiftmarket/escrow/internal/processor"
	"github.com/shiftmarket/escrow/internal/server"
	"github.com/shiftmarket/escrow/internal/webhook"
	"github.com/shiftmarket/escrow/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		fx.Provide(func(cfg config.Config) (fee.Calculator, error) {
			return fee.NewCalculator(cfg.FeeBasisPoints)
		}),
		fx.Provide(events.NewOutbox),

		fx.Invoke(func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return migration.RunMigrations(sqlDB)
		}),

		processor.Module,
		audit.Module,
		ledger.Module,
		escrow.Module,
		dispute.Module,
		payout.Module,
		webhook.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterAPIRoutes()
		}),
		fx.Invoke(server.RunHTTP),
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
