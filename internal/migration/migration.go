package migration

import (
	"gorm.io/gorm"

	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	gatewaydomain "github.com/vendazap/vendazap/internal/gateway/domain"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	remarketingdomain "github.com/vendazap/vendazap/internal/remarketing/domain"
	subscriptiondomain "github.com/vendazap/vendazap/internal/subscription/domain"
)

// Run creates or updates every table on startup so the service is
// usable out of the box on a fresh database.
func Run(db *gorm.DB) error {
	return db.AutoMigrate(
		&botdomain.Bot{},
		&botdomain.BotUser{},
		&botdomain.RedirectPool{},
		&botdomain.PoolBot{},
		&gatewaydomain.GatewayAccount{},
		&paymentdomain.Payment{},
		&paymentdomain.WebhookEventRecord{},
		&subscriptiondomain.Subscription{},
		&remarketingdomain.Campaign{},
		&remarketingdomain.BlacklistEntry{},
	)
}
