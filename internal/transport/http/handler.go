package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/payment-event-service/internal/service"
	"gorm.io/gorm"
)

func RegisterHandlers(r *gin.Engine, store *service.EventStore, consumer *service.Consumer, replay *service.Replay, detector *service.Detector) {
	v1 := r.Group("/v1")
	{
		v1.POST("/events", appendHandler(store))
		v1.GET("/events", listEventsHandler(store))
		v1.GET("/orders/:id/payment", paymentHandler(consumer))
		v1.GET("/orders/:id/events", historyHandler(store))
		v1.POST("/consumers/:name/tick", tickHandler(consumer))
		v1.POST("/consumers/:name/replay", replayHandler(replay))
		v1.POST("/integrity/scan", scanHandler(detector))
	}
}

type appendReq struct {
	ID            string          `json:"id" binding:"required"`
	AggregateID   string          `json:"aggregate_id" binding:"required"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type" binding:"required"`
	Payload       json.RawMessage `json:"payload" binding:"required"`
	EmittedBy     string          `json:"emitted_by"`
	EventTime     time.Time       `json:"event_time"`
}

func appendHandler(store *service.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req appendReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		evt, err := store.Append(c, service.AppendInput{
			ID:            req.ID,
			AggregateID:   req.AggregateID,
			AggregateType: req.AggregateType,
			EventType:     req.EventType,
			Payload:       string(req.Payload),
			EmittedBy:     req.EmittedBy,
			EventTime:     req.EventTime,
		})
		if err != nil {
			if kind := service.RejectionKind(err); kind != "" {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "kind": kind})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"sequence": evt.Sequence, "id": evt.ID, "version": evt.Version})
	}
}

func listEventsHandler(store *service.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		evts, err := store.List(c, after, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, evts)
	}
}

func paymentHandler(consumer *service.Consumer) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := consumer.GetPayment(c, c.Param("id"))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func historyHandler(store *service.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		evts, err := store.History(c, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, evts)
	}
}

func tickHandler(consumer *service.Consumer) gin.HandlerFunc {
	return func(c *gin.Context) {
		worked, err := consumer.Tick(c, c.Param("name"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"worked": worked})
	}
}

func replayHandler(replay *service.Replay) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := replay.FullReplay(c, c.Param("name")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	}
}

func scanHandler(detector *service.Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		found, err := detector.ScanAndRemediate(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"found": found})
	}
}
