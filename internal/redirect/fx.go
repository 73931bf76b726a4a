package redirect

import (
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/bot/fleet"
	"github.com/vendazap/vendazap/internal/meta"
	"github.com/vendazap/vendazap/internal/tracking"
)

var Module = fx.Module("redirect",
	fx.Provide(func(s *tracking.Store) SnapshotStore { return s }),
	fx.Provide(func(d *meta.Dispatcher) PageViewEmitter { return d }),
	fx.Provide(func(m *fleet.Manager) Health { return m }),
	fx.Provide(New),
)
