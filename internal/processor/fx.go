package processor

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/shiftmarket/escrow/internal/config"
	"github.com/shiftmarket/escrow/internal/processor/cardrail"
	"github.com/shiftmarket/escrow/internal/processor/walletrail"
)

var Module = fx.Module("processor",
	fx.Provide(func(cfg config.Config, log *zap.Logger) *Registry {
		return NewRegistry(
			cardrail.NewGateway(cfg, log),
			walletrail.NewGateway(cfg, log),
		)
	}),
)
