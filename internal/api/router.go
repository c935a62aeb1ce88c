package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/cache"
	"github.com/arbor-social/arbor/internal/db"
	"github.com/arbor-social/arbor/internal/dispatch"
	"github.com/arbor-social/arbor/internal/feed"
	"github.com/arbor-social/arbor/internal/store"
	"github.com/arbor-social/arbor/pkg/logging"
)

// Router sets up API routes
type Router struct {
	store      *store.ThreadStore
	feed       *feed.Index
	dispatcher *dispatch.Dispatcher
	db         *db.DB
	cache      *cache.Cache
	logger     *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(threads *store.ThreadStore, feedIndex *feed.Index, dispatcher *dispatch.Dispatcher, database *db.DB, redisCache *cache.Cache) *Router {
	return &Router{
		store:      threads,
		feed:       feedIndex,
		dispatcher: dispatcher,
		db:         database,
		cache:      redisCache,
		logger:     logging.GetLogger().With(zap.String("component", "api-router")),
	}
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	// Health check endpoints
	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)

	// Federation delivery
	engine.POST("/inbox", r.inboxHandler)

	// Local reads and writes
	engine.GET("/feed", r.feedHandler)
	engine.POST("/posts", r.createPostHandler)
	engine.GET("/posts/:id", r.getPostHandler)
	engine.DELETE("/posts/:id", r.deletePostHandler)
	engine.GET("/posts/:id/replies", r.repliesHandler)
	engine.GET("/walls/:id/posts", r.wallHandler)
	engine.GET("/walls/:id/between/:other", r.wallToWallHandler)
	engine.GET("/stats", r.statsHandler)
}
