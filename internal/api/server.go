// Package api is the HTTP request layer in front of the generation queue.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/aristath/dreammaker/internal/metrics"
	"github.com/aristath/dreammaker/internal/persistence"
	"github.com/aristath/dreammaker/internal/plans"
	"github.com/aristath/dreammaker/internal/quota"
	"github.com/aristath/dreammaker/internal/scheduler"
)

// UserHeader carries the caller's user id, set by the authentication layer in front.
const UserHeader = "X-User-ID"

const ctxUserID = "user_id"

// Queue is the scheduler surface the handlers use.
type Queue interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (scheduler.EnqueueResult, error)
	Status(ctx context.Context, taskID int64) (scheduler.StatusSnapshot, error)
	Stats() scheduler.Stats
}

// Accounts manages users, plans and quota.
type Accounts interface {
	Snapshot(ctx context.Context, userID int64) (quota.Snapshot, error)
	Register(ctx context.Context, username, email, planID string) (int64, error)
	Credit(ctx context.Context, userID int64, packageID string) (plans.TokenPackage, error)
	ChangePlan(ctx context.Context, userID int64, planID string) (plans.Plan, error)
}

var _ Accounts = (*quota.Governor)(nil)

// Store is the read side of persistence the handlers use.
type Store interface {
	Ping(ctx context.Context) error
	ListImages(ctx context.Context, userID int64, limit int) ([]*persistence.Image, error)
	GetImage(ctx context.Context, imageID int64) (*persistence.Image, error)
	GetUser(ctx context.Context, userID int64) (*persistence.User, error)
	CountByStatus(ctx context.Context) (map[scheduler.TaskStatus]int, error)
}

// Deps bundles the handlers' collaborators.
type Deps struct {
	Queue    Queue
	Accounts Accounts
	Store    Store
	Catalog  *plans.Catalog
}

// Server routes HTTP requests.
type Server struct {
	deps   Deps
	engine *gin.Engine
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{deps: deps, engine: engine}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.engine.Group("/api")
	api.GET("/plans", s.listPlans)
	api.GET("/token-packages", s.listPackages)
	api.GET("/queue", s.queueStats)
	api.POST("/users", s.createUser)

	authed := api.Group("", identify())
	authed.POST("/generate", s.generate)
	authed.GET("/tasks/:id", s.taskStatus)
	authed.GET("/me", s.me)
	authed.GET("/quota", s.quota)
	authed.GET("/images", s.listImages)
	authed.GET("/images/:id", s.getImage)
	authed.POST("/users/:id/tokens", s.creditTokens)
	authed.PUT("/users/:id/plan", s.changePlan)
}

// requestLogger logs each request through logrus.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if uid, ok := c.Get(ctxUserID); ok {
			entry = entry.WithField("user_id", uid)
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request failed")
		default:
			entry.Debug("request served")
		}
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		log.WithError(err).Warn("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"scheduler": s.deps.Queue.Stats().State,
	})
}
