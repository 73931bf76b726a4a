package gateway

import (
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/gateway/adapters"
	"github.com/vendazap/vendazap/internal/gateway/adapters/atomopay"
	"github.com/vendazap/vendazap/internal/gateway/adapters/orionpay"
	"github.com/vendazap/vendazap/internal/gateway/adapters/paradise"
	"github.com/vendazap/vendazap/internal/gateway/adapters/pushynpay"
	"github.com/vendazap/vendazap/internal/gateway/adapters/syncpay"
	"github.com/vendazap/vendazap/internal/gateway/adapters/umbrellapag"
	"github.com/vendazap/vendazap/internal/gateway/adapters/wiinpay"
	"github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/gateway/httpx"
)

var Module = fx.Module("gateway",
	fx.Provide(
		httpx.New,
		NewRegistry,
	),
)

func NewRegistry(client *httpx.Client) *adapters.Registry {
	return adapters.NewRegistry(
		domain.Adapter(syncpay.New(client)),
		domain.Adapter(pushynpay.New(client)),
		domain.Adapter(paradise.New(client)),
		domain.Adapter(wiinpay.New(client)),
		domain.Adapter(atomopay.New(client)),
		domain.Adapter(umbrellapag.New(client)),
		domain.Adapter(orionpay.New(client)),
	)
}
