package dispute

import (
	"go.uber.org/fx"

	"github.com/shiftmarket/escrow/internal/dispute/service"
)

var Module = fx.Module("dispute.service",
	fx.Provide(service.NewService),
)
