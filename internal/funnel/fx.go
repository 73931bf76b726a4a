package funnel

import (
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/delivery"
	"github.com/vendazap/vendazap/internal/meta"
	paymentservice "github.com/vendazap/vendazap/internal/payment/service"
	"github.com/vendazap/vendazap/internal/ratelimit"
	"github.com/vendazap/vendazap/internal/remarketing"
	"github.com/vendazap/vendazap/internal/router"
	"github.com/vendazap/vendazap/internal/tracking"
)

var Module = fx.Module("funnel",
	fx.Provide(func(s *paymentservice.Service) PaymentCreator { return s }),
	fx.Provide(func(s *tracking.Store) Attribution { return s }),
	fx.Provide(func(s *delivery.Service) Deliverer { return s }),
	fx.Provide(func(d *meta.Dispatcher) ViewContentEmitter { return d }),
	fx.Provide(func(s *remarketing.Service) HookScheduler { return s }),
	fx.Provide(func(l *ratelimit.Locker) Cooldowner { return l }),
	fx.Provide(New),
	fx.Provide(fx.Annotate(
		func(e *Engine) router.Engine { return e },
		fx.ResultTags(`name:"engine.funnel"`),
	)),
)
