package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// PurgeQueueRequest bounds the purge to terminal jobs finished before
// the given cutoff. A zero OlderThan purges everything terminal.
type PurgeQueueRequest struct {
	OlderThan time.Time `json:"older_than"`
}

// SetConcurrencyRequest adjusts a queue's worker ceiling.
type SetConcurrencyRequest struct {
	MaxConcurrency int `json:"max_concurrency"`
}

func (a *API) purgeQueue(c *gin.Context) {
	var req PurgeQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if req.OlderThan.IsZero() {
		req.OlderThan = time.Now().UTC()
	}

	purged, err := a.eng.PurgeQueue(c.Request.Context(), actor(c), c.Param("name"), req.OlderThan)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

func (a *API) setQueueConcurrency(c *gin.Context) {
	var req SetConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if req.MaxConcurrency < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_concurrency must not be negative"})
		return
	}

	if err := a.eng.SetQueueConcurrency(c.Request.Context(), actor(c), c.Param("name"), req.MaxConcurrency); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
