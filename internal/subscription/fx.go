package subscription

import (
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/bot/fleet"
	"github.com/vendazap/vendazap/internal/subscription/repository"
	"github.com/vendazap/vendazap/internal/subscription/service"
)

var Module = fx.Module("subscription",
	fx.Provide(repository.Provide),
	fx.Provide(func(m *fleet.Manager) service.ClientSource { return m }),
	fx.Provide(service.NewService),
)
