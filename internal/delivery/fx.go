package delivery

import (
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/bot/fleet"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	subscriptionservice "github.com/vendazap/vendazap/internal/subscription/service"
)

var Module = fx.Module("delivery",
	fx.Provide(func(m *fleet.Manager) ClientSource { return m }),
	fx.Provide(func(s *subscriptionservice.Service) SubscriptionStarter { return s }),
	fx.Provide(NewService),
	fx.Provide(fx.Annotate(
		func(s *Service) paymentdomain.PaidListener { return s },
		fx.ResultTags(`group:"payment.listeners"`),
	)),
)
