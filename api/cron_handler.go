package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetRuleEnabledRequest toggles a schedule rule on or off.
type SetRuleEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (a *API) listRules(c *gin.Context) {
	rules, err := a.eng.ListRules(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (a *API) setRuleEnabled(c *gin.Context) {
	var req SetRuleEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	if err := a.eng.SetRuleEnabled(c.Request.Context(), c.Param("name"), *req.Enabled); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
