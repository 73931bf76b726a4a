package router

import (
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/ratelimit"
)

var Module = fx.Module("router",
	fx.Provide(func(l *ratelimit.Locker) Locker { return l }),
	fx.Provide(New),
)
