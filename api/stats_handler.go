package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ledgerline/backlog/audit"
)

func (a *API) stats(c *gin.Context) {
	stats, err := a.eng.Stats(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

func (a *API) listAudit(c *gin.Context) {
	opts := audit.ListOpts{
		Action: c.Query("action"),
		Limit:  defaultListLimit,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", v)})
			return
		}
		opts.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid offset %q", v)})
			return
		}
		opts.Offset = n
	}

	entries, err := a.eng.ListAudit(c.Request.Context(), opts)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
