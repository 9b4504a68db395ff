package audit

import (
	"go.uber.org/fx"

	"github.com/shiftmarket/escrow/internal/audit/repository"
	"github.com/shiftmarket/escrow/internal/audit/service"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
