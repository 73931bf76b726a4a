package bot

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/bot/fleet"
	"github.com/vendazap/vendazap/internal/bot/repository"
	"github.com/vendazap/vendazap/internal/bot/users"
	"github.com/vendazap/vendazap/internal/clock"
	"github.com/vendazap/vendazap/internal/router"
	"github.com/vendazap/vendazap/internal/tracking"
)

func newBinder(db *gorm.DB, log *zap.Logger, repo domain.Repository, track *tracking.Store, clk clock.Clock) *users.Binder {
	return users.NewBinder(db, log, repo, track, clk)
}

// runFleet wires the router into the fleet and resumes the running bots
// once the process is up.
func runFleet(lc fx.Lifecycle, m *fleet.Manager, r *router.Router) {
	m.SetHandler(r)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.RestartRunning(ctx)
		},
		OnStop: func(context.Context) error {
			m.StopAll()
			return nil
		},
	})
}

var Module = fx.Module("bot",
	fx.Provide(repository.Provide),
	fx.Provide(newBinder),
	fx.Provide(fleet.NewManager),
	fx.Invoke(runFleet),
)
