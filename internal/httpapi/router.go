package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/lumizhao/sparkchat/internal/common"
	"github.com/lumizhao/sparkchat/internal/config"
	"github.com/lumizhao/sparkchat/internal/httpapi/handlers"
	"github.com/lumizhao/sparkchat/internal/httpapi/middleware"
	"github.com/lumizhao/sparkchat/internal/store/rabbitmq"
	"github.com/lumizhao/sparkchat/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, rabbit *rabbitmq.Publisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.ClientOrigin},
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Idempotency-Key", "X-Owner-ID"},
		AllowCredentials: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, rds, rabbit)

	r.GET("/healthz", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/upload", h.UploadAuth)
	api.POST("/upload/redeem", h.UploadRedeem)
	api.POST("/chats", h.CreateChat)
	api.GET("/userchats", h.ListUserChats)
	api.GET("/chats/:id", h.GetChat)
	api.PUT("/chats/:id", h.AppendChat)
	api.POST("/chats/:id/stream", h.StreamChat)
	api.POST("/chats/:id/generate", h.GenerateAsync)
	api.GET("/jobs/:job_id", h.GetJob)

	return r
}
