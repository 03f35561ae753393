// Package api provides HTTP handlers for the Backlog monitoring and
// administration surface. Handlers are mounted on a gin router and are
// meant to be embedded into the host application's server.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/engine"
)

// actorHeader carries the administrator identity recorded in the audit
// trail. Requests without it are attributed to the system actor.
const actorHeader = "X-Backlog-Actor"

// API wires all HTTP handlers together for the backlog engine.
type API struct {
	eng *engine.Engine
}

// New creates an API from a backlog Engine.
func New(eng *engine.Engine) *API {
	return &API{eng: eng}
}

// Handler returns a fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	a.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers all backlog API routes into the given
// router group.
func (a *API) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/v1")

	v1.GET("/jobs", a.listJobs)
	v1.GET("/jobs/:jobId", a.getJob)
	v1.POST("/jobs/:jobId/retry", a.retryJob)
	v1.DELETE("/jobs/:jobId", a.deleteJob)

	v1.POST("/queues/:name/purge", a.purgeQueue)
	v1.PATCH("/queues/:name/concurrency", a.setQueueConcurrency)

	v1.GET("/stats", a.stats)
	v1.GET("/cron", a.listRules)
	v1.PATCH("/cron/:name", a.setRuleEnabled)
	v1.GET("/audit", a.listAudit)
}

// actor resolves the audit actor from the request headers.
func actor(c *gin.Context) string {
	if v := c.GetHeader(actorHeader); v != "" {
		return v
	}
	return audit.SystemActor
}

// renderError maps store and engine errors onto HTTP statuses.
func renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, backlog.ErrJobNotFound), errors.Is(err, backlog.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, backlog.ErrUnknownQueue), errors.Is(err, backlog.ErrUnknownType):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, backlog.ErrInvalidState), errors.Is(err, backlog.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, backlog.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
