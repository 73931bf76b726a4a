package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/bot"
	"github.com/vendazap/vendazap/internal/clock"
	"github.com/vendazap/vendazap/internal/config"
	"github.com/vendazap/vendazap/internal/delivery"
	"github.com/vendazap/vendazap/internal/flow"
	"github.com/vendazap/vendazap/internal/funnel"
	"github.com/vendazap/vendazap/internal/gateway"
	"github.com/vendazap/vendazap/internal/kv"
	"github.com/vendazap/vendazap/internal/logger"
	"github.com/vendazap/vendazap/internal/meta"
	"github.com/vendazap/vendazap/internal/migration"
	obsmetrics "github.com/vendazap/vendazap/internal/observability/metrics"
	"github.com/vendazap/vendazap/internal/payment"
	"github.com/vendazap/vendazap/internal/ratelimit"
	"github.com/vendazap/vendazap/internal/redirect"
	"github.com/vendazap/vendazap/internal/remarketing"
	"github.com/vendazap/vendazap/internal/router"
	"github.com/vendazap/vendazap/internal/scheduler"
	"github.com/vendazap/vendazap/internal/server"
	"github.com/vendazap/vendazap/internal/subscription"
	"github.com/vendazap/vendazap/internal/telegram"
	"github.com/vendazap/vendazap/internal/tracking"
	"github.com/vendazap/vendazap/internal/vault"
	"github.com/vendazap/vendazap/pkg/db"
)

func main() {
	app := fx.New(
		// Infrastructure
		config.Module,
		logger.Module,
		obsmetrics.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		kv.Module,
		clock.Module,
		vault.Module,
		ratelimit.Module,
		migration.Module,

		// Domains
		tracking.Module,
		gateway.Module,
		payment.Module,
		telegram.Module,
		bot.Module,
		router.Module,
		funnel.Module,
		flow.Module,
		delivery.Module,
		subscription.Module,
		remarketing.Module,
		meta.Module,
		redirect.Module,

		// Surfaces
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
