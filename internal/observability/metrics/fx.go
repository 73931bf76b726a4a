package metrics

import (
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/config"
)

var Module = fx.Module("metrics",
	fx.Provide(
		provideConfig,
		NewProvider,
		New,
	),
)

func provideConfig(cfg config.Config) Config {
	return Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.OTLPProtocol,
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
	}
}
