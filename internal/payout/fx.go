package payout

import (
	"go.uber.org/fx"

	"github.com/shiftmarket/escrow/internal/payout/repository"
	"github.com/shiftmarket/escrow/internal/payout/service"
)

var Module = fx.Module("payout.service",
	fx.Provide(
		service.NewService,
		repository.NewBalanceStore,
	),
)
