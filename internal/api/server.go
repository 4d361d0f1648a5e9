// Package api is the thin operator surface over the settlement engine:
// approving payouts and inspecting their state. Authentication lives in
// the upstream proxy, which forwards the operator identity in a header.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexapay/settler/internal/approval"
	"github.com/nexapay/settler/pkg/models"
)

const approverHeader = "X-Approver-ID"

// Server is the operator HTTP API.
type Server struct {
	router *gin.Engine
	db     *gorm.DB
	gate   *approval.Gate
	logger *zap.Logger
}

func NewServer(db *gorm.DB, gate *approval.Gate, logger *zap.Logger) *Server {
	s := &Server{
		db:     db,
		gate:   gate,
		logger: logger,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("settler-api"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", approverHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/payouts/:id/approve", s.approvePayout)
		v1.GET("/payouts/:id", s.getPayout)
		v1.GET("/payouts", s.listPayouts)
	}

	s.router = router
	return s
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type approveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) approvePayout(c *gin.Context) {
	payoutID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}
	approverID, err := uuid.Parse(c.GetHeader(approverHeader))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid " + approverHeader + " header"})
		return
	}
	// Notes are optional; an empty body is fine.
	var req approveRequest
	_ = c.ShouldBindJSON(&req)

	payout, err := s.gate.Approve(c.Request.Context(), payoutID, approverID, req.Notes)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, payout)
	case errors.Is(err, models.ErrPayoutNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payout not found"})
	case errors.Is(err, models.ErrInvalidStateTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, approval.ErrUnauthorizedApprover):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		s.logger.Error("approve payout failed",
			zap.String("payout_id", payoutID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) getPayout(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}
	var payout models.Payout
	if err := s.db.WithContext(c.Request.Context()).First(&payout, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payout not found"})
			return
		}
		s.logger.Error("load payout failed", zap.String("payout_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (s *Server) listPayouts(c *gin.Context) {
	q := s.db.WithContext(c.Request.Context()).Order("created_at desc").Limit(100)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if merchant := c.Query("merchant_id"); merchant != "" {
		id, err := uuid.Parse(merchant)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid merchant id"})
			return
		}
		q = q.Where("merchant_id = ?", id)
	}
	var payouts []models.Payout
	if err := q.Find(&payouts).Error; err != nil {
		s.logger.Error("list payouts failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}
