package webhook

import (
	"go.uber.org/fx"

	"github.com/shiftmarket/escrow/internal/webhook/service"
)

var Module = fx.Module("webhook.service",
	fx.Provide(service.NewService),
	fx.Provide(NewWorker),
	fx.Invoke(func(*Worker) {}),
)
