package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vendazap/vendazap/internal/bot/fleet"
	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/config"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	paymentservice "github.com/vendazap/vendazap/internal/payment/service"
	"github.com/vendazap/vendazap/internal/redirect"
)

const maxWebhookBody = 1 << 20

const telegramAPIHost = "api.telegram.org"

// Workers reports whether the background job loop is live.
type Workers interface {
	Running() bool
}

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	DB       *gorm.DB
	Redirect *redirect.Service
	Fleet    *fleet.Manager
	Payments *paymentservice.Service
	Workers  Workers       `optional:"true"`
	KV       *redis.Client `optional:"true"`
}

// Server owns the HTTP surface: redirect, webhooks, PIX generation and
// operational endpoints.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	db       *gorm.DB
	redirect *redirect.Service
	fleet    *fleet.Manager
	payments *paymentservice.Service
	workers  Workers
	kv       *redis.Client
}

func New(p Params) *Server {
	return &Server{
		cfg:      p.Cfg,
		log:      p.Log.Named("http"),
		db:       p.DB,
		redirect: p.Redirect,
		fleet:    p.Fleet,
		payments: p.Payments,
		workers:  p.Workers,
		kv:       p.KV,
	}
}

func NewEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// RegisterRoutes binds the HTTP surface onto the engine.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/go/:slug", s.handleRedirect)
	r.POST("/webhook/telegram/:bot_id/:secret", s.handleTelegramWebhook)
	r.POST("/webhook/payment/:gateway_type", s.handlePaymentWebhook)
	r.POST("/webhook/payment/:gateway_type/:webhook_secret", s.handlePaymentWebhook)
	r.POST("/pix/generate", s.handlePixGenerate)
}

func (s *Server) handleRedirect(c *gin.Context) {
	cookies := map[string]string{}
	for _, cookie := range c.Request.Cookies() {
		cookies[cookie.Name] = cookie.Value
	}

	res, err := s.redirect.Handle(c.Request.Context(), &redirect.Request{
		Slug:      c.Param("slug"),
		Query:     c.Request.URL.Query(),
		Header:    c.Request.Header,
		Cookies:   cookies,
		RemoteIP:  c.Request.RemoteAddr,
		FullURL:   s.cfg.PublicBaseURL + c.Request.URL.RequestURI(),
		UserAgent: c.Request.UserAgent(),
		Referer:   c.Request.Referer(),
	})
	if err != nil {
		s.log.Error("redirect failed", zap.String("slug", c.Param("slug")), zap.Error(err))
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(redirect.BenignHTML))
		return
	}
	switch {
	case res.NotFound:
		c.Status(http.StatusNotFound)
	case res.Benign:
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(redirect.BenignHTML))
	default:
		c.Redirect(http.StatusFound, res.RedirectURL)
	}
}

func (s *Server) handleTelegramWebhook(c *gin.Context) {
	botID, err := strconv.ParseInt(c.Param("bot_id"), 10, 64)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	err = s.fleet.HandleWebhookUpdate(c.Request.Context(), botID, c.Param("secret"), body)
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, botdomain.ErrNotFound):
		c.Status(http.StatusNotFound)
	default:
		s.log.Error("telegram webhook failed", zap.Int64("bot_id", botID), zap.Error(err))
		c.Status(http.StatusInternalServerError)
	}
}

func (s *Server) handlePaymentWebhook(c *gin.Context) {
	gatewayType := c.Param("gateway_type")
	secret := c.Param("webhook_secret")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	var form url.Values
	if ct := c.GetHeader("Content-Type"); strings.Contains(ct, "application/x-www-form-urlencoded") {
		if parsed, err := url.ParseQuery(string(body)); err == nil {
			form = parsed
		}
	}

	err = s.payments.HandleWebhook(c.Request.Context(), gatewayType, body, form, secret)
	switch {
	case err == nil, errors.Is(err, paymentdomain.ErrDuplicateEvent):
		// Acceptance is always an empty 200, duplicates included.
		c.Status(http.StatusOK)
	case errors.Is(err, paymentdomain.ErrUnresolvedWebhook):
		s.log.Info("webhook unresolved",
			zap.String("gateway_type", gatewayType),
			zap.Int("body_bytes", len(body)),
		)
		c.Status(http.StatusNoContent)
	case errors.Is(err, paymentdomain.ErrLockContention):
		// The gateway retries; let it.
		c.Status(http.StatusServiceUnavailable)
	default:
		s.log.Error("payment webhook failed",
			zap.String("gateway_type", gatewayType),
			zap.Error(err),
		)
		c.Status(http.StatusInternalServerError)
	}
}

type pixGenerateRequest struct {
	OwnerID        int64  `json:"owner_id" binding:"required"`
	BotID          int64  `json:"bot_id" binding:"required"`
	ChatID         int64  `json:"chat_id"`
	TelegramUserID int64  `json:"telegram_user_id"`
	Amount         int64  `json:"amount" binding:"required"`
	Description    string `json:"description"`
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`

	CustomerName     string `json:"customer_name"`
	CustomerEmail    string `json:"customer_email"`
	CustomerPhone    string `json:"customer_phone"`
	CustomerDocument string `json:"customer_document"`

	TrackingToken   string `json:"tracking_token"`
	HasSubscription bool   `json:"has_subscription"`
	IsRemarketing   bool   `json:"is_remarketing"`
}

func (s *Server) handlePixGenerate(c *gin.Context) {
	var req pixGenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	out, err := s.payments.CreatePix(c.Request.Context(), &paymentdomain.CreatePixInput{
		OwnerID:          req.OwnerID,
		BotID:            req.BotID,
		ChatID:           req.ChatID,
		TelegramUserID:   req.TelegramUserID,
		Amount:           req.Amount,
		Description:      req.Description,
		ProductID:        req.ProductID,
		ProductName:      req.ProductName,
		CustomerName:     req.CustomerName,
		CustomerEmail:    req.CustomerEmail,
		CustomerPhone:    req.CustomerPhone,
		CustomerDocument: req.CustomerDocument,
		TrackingToken:    req.TrackingToken,
		HasSubscription:  req.HasSubscription,
		IsRemarketing:    req.IsRemarketing,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"payment_id": out.Payment.PaymentID,
			"pix_code":   out.Payment.PixCode,
			"qr_image":   out.Payment.QRImageBase64,
			"amount":     out.Payment.Amount,
			"status":     out.Payment.Status,
			"reused":     out.Reused,
		})
	case errors.Is(err, paymentdomain.ErrCrossProductBlocked):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "another pix was generated moments ago, wait a few seconds"})
	case errors.Is(err, paymentdomain.ErrNoEligibleGateway):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no eligible gateway configured"})
	case errors.Is(err, paymentdomain.ErrCreationFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway unavailable, try again shortly"})
	default:
		s.log.Error("pix generation failed", zap.Int64("bot_id", req.BotID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components := gin.H{}
	status := http.StatusOK

	if s.kv != nil {
		if err := s.kv.Ping(ctx).Err(); err != nil {
			components["redis"] = "error"
			status = http.StatusServiceUnavailable
		} else {
			components["redis"] = "ok"
		}
	} else {
		components["redis"] = "disabled"
	}

	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		components["db"] = "error"
		status = http.StatusServiceUnavailable
	} else {
		components["db"] = "ok"
	}

	if _, err := net.DefaultResolver.LookupHost(ctx, s.telegramHost()); err != nil {
		components["telegram_dns"] = "error"
		status = http.StatusServiceUnavailable
	} else {
		components["telegram_dns"] = "ok"
	}

	switch {
	case s.workers == nil:
		components["workers"] = "disabled"
	case s.workers.Running():
		components["workers"] = "ok"
	default:
		components["workers"] = "stopped"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":     http.StatusText(status),
		"components": components,
	})
}

// telegramHost is the hostname the fleet actually talks to, so the DNS
// check follows a TELEGRAM_API_BASE override.
func (s *Server) telegramHost() string {
	if s.cfg.TelegramAPIBase == "" {
		return telegramAPIHost
	}
	u, err := url.Parse(s.cfg.TelegramAPIBase)
	if err != nil || u.Hostname() == "" {
		return telegramAPIHost
	}
	return u.Hostname()
}

func run(lc fx.Lifecycle, cfg config.Config, engine *gin.Engine, srv *Server, log *zap.Logger) {
	srv.RegisterRoutes(engine)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine, New),
	fx.Invoke(run),
)
