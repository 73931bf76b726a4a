package tracking

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/vendazap/vendazap/internal/config"
	"go.uber.org/fx"
)

func NewFromConfig(client *redis.Client, cfg config.Config) *Store {
	return NewStore(client, cfg.TrackingTTL)
}

var Module = fx.Module("tracking",
	fx.Provide(NewFromConfig),
)
