package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/middleware"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/orchestrator"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := api.repo.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// Connect account endpoint
func (api *API) connectAccount(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req struct {
		Provider          string `json:"provider" binding:"required"`
		ExternalAccountID string `json:"external_account_id" binding:"required"`
		AccountLabel      string `json:"account_label"`
		Plan              string `json:"plan"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// A user connecting for the first time gets an entitlement row for
	// their plan before the slot check runs.
	if _, err := api.accounter.EnsureEntitlement(c.Request.Context(), userID, req.Plan); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to ensure entitlement"})
		return
	}

	result, err := api.ledger.RecordOrReactivateConnection(c.Request.Context(), userID, req.Provider, req.ExternalAccountID, req.AccountLabel, req.Plan)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSlotLimitReached):
			c.JSON(http.StatusConflict, gin.H{"error": "slot_limit_reached"})
		case errors.Is(err, models.ErrEntitlementNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "entitlement_not_found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	status := http.StatusOK
	if result.Allocated {
		status = http.StatusCreated
	}

	c.JSON(status, gin.H{
		"slot":        result.Slot,
		"allocated":   result.Allocated,
		"reactivated": result.Reactivated,
	})
}

// Disconnect account endpoint. Idempotent: disconnecting an already
// disconnected account succeeds.
func (api *API) disconnectAccount(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req struct {
		Provider          string `json:"provider" binding:"required"`
		ExternalAccountID string `json:"external_account_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := api.ledger.Disconnect(c.Request.Context(), userID, req.Provider, req.ExternalAccountID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Account disconnected"})
}

// List slots endpoint
func (api *API) listSlots(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	slots, err := api.ledger.ListSlots(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"slots": slots})
}

// Get entitlement endpoint
func (api *API) getEntitlement(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	ent, err := api.accounter.GetEntitlement(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrEntitlementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entitlement_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entitlement": ent,
		"usage":       ent.Usage(time.Now().UTC()),
	})
}

// Create job endpoint
func (api *API) createJob(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req struct {
		SourceProvider  string            `json:"source_provider" binding:"required"`
		SourceAccountID string            `json:"source_account_id" binding:"required"`
		TargetProvider  string            `json:"target_provider" binding:"required"`
		TargetAccountID string            `json:"target_account_id" binding:"required"`
		TargetFolder    string            `json:"target_folder"`
		Items           []string          `json:"items" binding:"required"`
		Metadata        map[string]string `json:"metadata"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := api.orchestrator.Create(c.Request.Context(), orchestrator.CreateJobRequest{
		UserID:          userID,
		SourceProvider:  req.SourceProvider,
		SourceAccountID: req.SourceAccountID,
		TargetProvider:  req.TargetProvider,
		TargetAccountID: req.TargetAccountID,
		TargetFolder:    req.TargetFolder,
		Items:           req.Items,
		Metadata:        req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNoItems), errors.Is(err, models.ErrTooManyItems):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, job)
}

// List jobs endpoint
func (api *API) listJobs(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	jobs, err := api.repo.GetUserJobs(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// Get job status endpoint, serving the dashboard poll loop through the
// short-TTL cache when available.
func (api *API) getJobStatus(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	jobID := c.Param("id")

	if api.cache != nil {
		var cached orchestrator.StatusPayload
		found, err := api.cache.GetJobStatus(c.Request.Context(), jobID, &cached)
		if err == nil && found && cached.Job != nil && cached.Job.UserID == userID {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	payload, err := api.orchestrator.Status(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Jobs are only visible to their owner.
	if payload.Job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	if api.cache != nil && api.statusTTL > 0 {
		_ = api.cache.SetJobStatus(c.Request.Context(), jobID, payload, api.statusTTL)
	}

	c.JSON(http.StatusOK, payload)
}

// Cancel job endpoint
func (api *API) cancelJob(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	jobID := c.Param("id")

	job, err := api.repo.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	if err := api.orchestrator.Cancel(c.Request.Context(), jobID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cancellation requested", "job_id": jobID})
}

// Prepare job endpoint (internal, normally driven by the worker)
func (api *API) prepareJob(c *gin.Context) {
	jobID := c.Param("id")

	if err := api.orchestrator.Prepare(c.Request.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, models.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, models.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, models.ErrTooManyItems):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Job prepared", "job_id": jobID})
}

// Run job endpoint (internal, normally driven by the worker)
func (api *API) runJob(c *gin.Context) {
	jobID := c.Param("id")

	if err := api.orchestrator.Run(c.Request.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, models.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, models.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Job run finished", "job_id": jobID})
}

// Complete usage endpoint (internal). Safe to call repeatedly for the same
// job; only the first settlement moves the counters.
func (api *API) completeUsage(c *gin.Context) {
	jobID := c.Param("id")

	var req struct {
		UserID    string `json:"user_id" binding:"required"`
		BytesUsed int64  `json:"bytes_used"`
		Items     int64  `json:"items"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alreadyCompleted, err := api.accounter.CompleteUsage(c.Request.Context(), jobID, req.UserID, req.BytesUsed, req.Items)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if api.cache != nil {
		_ = api.cache.DeleteEntitlement(c.Request.Context(), req.UserID)
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":            jobID,
		"already_completed": alreadyCompleted,
	})
}

// Transfer ownership endpoint (internal)
func (api *API) transferOwnership(c *gin.Context) {
	var req struct {
		Provider          string `json:"provider" binding:"required"`
		ExternalAccountID string `json:"external_account_id" binding:"required"`
		NewUser           string `json:"new_user" binding:"required"`
		ExpectedOldUser   string `json:"expected_old_user" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := api.ownership.Transfer(c.Request.Context(), req.Provider, req.ExternalAccountID, req.NewUser, req.ExpectedOldUser)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
		case errors.Is(err, models.ErrOwnerChanged):
			c.JSON(http.StatusConflict, gin.H{"error": "owner_changed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": result.AccountID,
		"slot_id":    result.SlotID,
	})
}
