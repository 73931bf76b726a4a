package flow

import (
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/bot/fleet"
	"github.com/vendazap/vendazap/internal/delivery"
	paymentservice "github.com/vendazap/vendazap/internal/payment/service"
	"github.com/vendazap/vendazap/internal/router"
	"github.com/vendazap/vendazap/internal/tracking"
)

var Module = fx.Module("flow",
	fx.Provide(func(s *tracking.Store) CursorStore { return s }),
	fx.Provide(func(s *paymentservice.Service) PaymentCreator { return s }),
	fx.Provide(func(s *delivery.Service) Deliverer { return s }),
	fx.Provide(func(m *fleet.Manager) ClientSource { return m }),
	fx.Provide(New),
	fx.Provide(fx.Annotate(
		func(e *Engine) router.Engine { return e },
		fx.ResultTags(`name:"engine.flow"`),
	)),
)
