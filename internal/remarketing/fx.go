package remarketing

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/vendazap/vendazap/internal/bot/fleet"
	"github.com/vendazap/vendazap/internal/config"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	"github.com/vendazap/vendazap/internal/remarketing/repository"
)

type queueParams struct {
	fx.In

	Cfg config.Config
	KV  *redis.Client `optional:"true"`
}

func newQueue(p queueParams) *Queue {
	return NewQueue(p.KV, p.Cfg.RemarketingQueueLimit)
}

var Module = fx.Module("remarketing",
	fx.Provide(repository.Provide),
	fx.Provide(newQueue),
	fx.Provide(func(q *Queue) JobQueue { return q }),
	fx.Provide(func(m *fleet.Manager) ClientSource { return m }),
	fx.Provide(NewService),
	fx.Provide(fx.Annotate(
		func(s *Service) paymentdomain.PaidListener { return s },
		fx.ResultTags(`group:"payment.listeners"`),
	)),
)
