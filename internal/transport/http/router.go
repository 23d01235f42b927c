package http

import (
	"github.com/gin-gonic/gin"
	pubhttp "github.com/richardliu001/payment-event-service/http"
	"github.com/richardliu001/payment-event-service/internal/config"
	"github.com/richardliu001/payment-event-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(store *service.EventStore, consumer *service.Consumer, replay *service.Replay, detector *service.Detector, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(pubhttp.LoggingMiddleware(log))
	r.Use(pubhttp.RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, store, consumer, replay, detector)
	return r
}
