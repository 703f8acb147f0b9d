package httptransport

import (
	"context"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"unibox/backend/internal/auth/jwt"
	"unibox/backend/internal/config"
	"unibox/backend/internal/domain"
	"unibox/backend/internal/health"
	"unibox/backend/internal/middleware"
	"unibox/backend/internal/monitoring"
	"unibox/backend/internal/service"
)

// Sender 发送与已读操作
type Sender interface {
	Send(ctx context.Context, userID string, input service.SendInput) (*service.SendResult, error)
	MarkRead(ctx context.Context, userID, conversationID string) error
}

// Ingester webhook 与反馈入站
type Ingester interface {
	HandleWebhook(ctx context.Context, body []byte) service.Ack
	HandleFeedback(ctx context.Context, input service.FeedbackInput) error
}

// Workspace 工作区管理操作
type Workspace interface {
	GetPolicy(ctx context.Context, userID string) (*service.PolicyView, error)
	UpdatePolicy(ctx context.Context, userID string, policy domain.WorkspacePolicy) (*service.PolicyView, error)
	RecentLimiterEvents(ctx context.Context, userID string, window time.Duration) ([]domain.LimiterEvent, error)
	Reputation(ctx context.Context, userID string) (*domain.ReputationRecord, error)
	ConnectAccount(ctx context.Context, userID string, input service.ConnectAccountInput) (*domain.Account, error)
	CollapseDuplicates(ctx context.Context) (int, error)
}

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	sender    Sender
	ingest    Ingester
	workspace Workspace
	log       *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config     *config.Config
	Sender     Sender
	Ingest     Ingester
	Workspace  Workspace
	JWTManager *jwt.Manager
	Health     *health.HealthChecker // 可选
	Metrics    *monitoring.Metrics   // 可选
	Logger     *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
		router.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-Max-Body-Size"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		sender:    deps.Sender,
		ingest:    deps.Ingest,
		workspace: deps.Workspace,
		log:       log,
	}
	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)
	requireAdmin := middleware.RequireRole(jwt.RoleAdmin)

	registerHealth(router, deps)

	v1 := router.Group("/v1")
	{
		// ========== 厂商回调（签名校验，无 JWT） ==========
		hooks := v1.Group("/webhooks")
		hooks.Use(middleware.BodySizeLimit(middleware.WebhookBodyLimit))
		hooks.Use(middleware.WebhookSignature(deps.Config.Webhook.Secret, log))
		{
			hooks.POST("/unified", handler.unifiedWebhook)
			// 一条投诉即可拦截收件人，未配置签名密钥时不开放反馈接口
			if deps.Config.Webhook.Secret != "" {
				hooks.POST("/feedback", handler.feedbackWebhook)
			} else {
				log.Warn("webhook secret not configured, feedback endpoint disabled and signatures unchecked")
			}
		}

		// ========== 需要 JWT 的接口 ==========
		authed := v1.Group("")
		authed.Use(jwtAuth.RequireAuth())
		{
			authed.POST("/accounts/connect", handler.connectAccount)
			authed.POST("/messages/send", handler.sendMessage)
			authed.POST("/conversations/:id/read", handler.markConversationRead)
			authed.GET("/limiter/events", handler.limiterEvents)
			authed.GET("/workspace/policy", handler.getPolicy)
			authed.PUT("/workspace/policy", requireAdmin, handler.updatePolicy)
			authed.GET("/reputation", handler.reputation)
			authed.POST("/maintenance/dedupe", requireAdmin, handler.collapseDuplicates)
		}
	}

	return router
}

func registerHealth(router *gin.Engine, deps RouterDependencies) {
	if deps.Health == nil {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	} else {
		hc := deps.Health
		router.GET("/health", func(c *gin.Context) {
			results := hc.CheckHealth()
			status := http.StatusOK
			if !hc.Healthy(results) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, results)
		})
		router.GET("/health/live", gin.WrapF(hc.LiveHandler))
		router.GET("/health/ready", gin.WrapF(hc.ReadyHandler))
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}
}
