package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

const defaultListLimit = 50

func (a *API) listJobs(c *gin.Context) {
	opts := job.ListOpts{
		Queue: c.Query("queue"),
		State: job.State(c.Query("state")),
		Limit: defaultListLimit,
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

	jobs, err := a.eng.ListJobs(c.Request.Context(), opts)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (a *API) getJob(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid job ID: %v", err)})
		return
	}

	j, err := a.eng.GetJob(c.Request.Context(), jobID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) retryJob(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid job ID: %v", err)})
		return
	}

	if err := a.eng.RequeueJob(c.Request.Context(), actor(c), jobID); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) deleteJob(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid job ID: %v", err)})
		return
	}

	if err := a.eng.DeleteJob(c.Request.Context(), actor(c), jobID); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
