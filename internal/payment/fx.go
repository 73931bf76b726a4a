package payment

import (
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/payment/repository"
	paymentservice "github.com/vendazap/vendazap/internal/payment/service"
	"github.com/vendazap/vendazap/internal/ratelimit"
	"github.com/vendazap/vendazap/internal/tracking"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
	fx.Provide(func(l *ratelimit.Locker) paymentservice.Locker { return l }),
	fx.Provide(func(s *tracking.Store) paymentservice.AttributionSource { return s }),
	fx.Provide(paymentservice.NewService),
)
