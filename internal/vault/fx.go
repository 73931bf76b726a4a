package vault

import (
	"github.com/vendazap/vendazap/internal/config"
	"go.uber.org/fx"
)

func NewFromConfig(cfg config.Config) (*Vault, error) {
	return New(cfg.VaultMasterKey)
}

// Module provides the credential vault. Construction fails when the
// master key is not configured, aborting application start.
var Module = fx.Module("vault",
	fx.Provide(NewFromConfig),
)
