package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dashwall/calhub/internal/config"
	"github.com/dashwall/calhub/internal/crypto"
	"github.com/dashwall/calhub/internal/db"
	"github.com/dashwall/calhub/internal/scheduler"
	"github.com/dashwall/calhub/internal/sync"
	"github.com/dashwall/calhub/internal/validator"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	db        *db.DB
	encryptor *crypto.Encryptor
	engine    *sync.Engine
	scheduler *scheduler.Scheduler
	validator *validator.Validator
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	database *db.DB,
	encryptor *crypto.Encryptor,
	engine *sync.Engine,
	sched *scheduler.Scheduler,
	v *validator.Validator,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		db:        database,
		encryptor: encryptor,
		engine:    engine,
		scheduler: sched,
		validator: v,
	}
}

// HealthCheck reports service and database health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "ok",
	})
}

// Liveness is a minimal liveness probe.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
