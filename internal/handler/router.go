package handler

import (
	"mailbroker/internal/config"
	"mailbroker/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, registry *upstream.Registry, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(db, rdb, registry, cfg)

	api := r.Group("/api/v1")
	{
		// 钱包相关
		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetWallet)
			wallet.GET("/transactions", h.ListTransactions)
			wallet.GET("/transaction", h.GetTransactionDetail)
			wallet.POST("/recharge", h.Recharge)
			wallet.POST("/refund", h.Refund)
		}

		// 接码任务相关
		task := api.Group("/task")
		{
			task.POST("/get-email", h.GetEmail)
			task.POST("/get-code", h.GetCode)
			task.POST("/check-mail", h.CheckMail)
			task.POST("/release", h.ReleaseEmail)
			task.GET("/list", h.ListTasks)
			task.GET("/detail", h.GetTaskDetail)
		}

		// 上游源相关
		up := api.Group("/upstream")
		{
			up.GET("/health", h.UpstreamHealth)
			up.POST("/refresh", h.RefreshUpstream)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
