package meta

import (
	"context"

	"go.uber.org/fx"

	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	"github.com/vendazap/vendazap/internal/tracking"
)

func runDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			d.Stop()
			return nil
		},
	})
}

var Module = fx.Module("meta",
	fx.Provide(func(s *tracking.Store) SnapshotSource { return s }),
	fx.Provide(NewDispatcher),
	fx.Provide(fx.Annotate(
		func(d *Dispatcher) paymentdomain.PaidListener { return d },
		fx.ResultTags(`group:"payment.listeners"`),
	)),
	fx.Invoke(runDispatcher),
)
