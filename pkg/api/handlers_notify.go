package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"leasecast/pkg/medium"
	"leasecast/pkg/models"
	"leasecast/pkg/notify"
	"leasecast/pkg/queue"
	"leasecast/pkg/resilience"
	"leasecast/pkg/storage"
)

// VisibilityRequest is the body of PUT /api/v1/visibility.
type VisibilityRequest struct {
	Visibility string `json:"visibility" binding:"required"`
}

// RejectRequest is the optional body of the reject routes.
type RejectRequest struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UpdateTargetsRequest is the body of POST /api/v1/targets/current.
type UpdateTargetsRequest struct {
	TargetIDs []models.TargetID `json:"target_ids" binding:"required,min=1"`
}

// setVisibility handles PUT /api/v1/visibility. The elector and the
// channel both learn the new state.
func (s *Server) setVisibility(c *gin.Context) {
	var req VisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := models.ParseVisibility(req.Visibility)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := errors.Join(
		s.elector.SetVisibility(ctx, state),
		s.channel.SetVisibility(ctx, state),
	); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visibility": state})
}

// addMutation handles POST /api/v1/mutations/:id
func (s *Server) addMutation(c *gin.Context) {
	id, ok := batchParam(c)
	if !ok {
		return
	}
	s.respond(c, s.channel.AddMutation(c.Request.Context(), id), gin.H{"batch_id": id, "status": models.MutationPending})
}

// acknowledgeMutation handles POST /api/v1/mutations/:id/ack
func (s *Server) acknowledgeMutation(c *gin.Context) {
	id, ok := batchParam(c)
	if !ok {
		return
	}
	s.respond(c, s.channel.AcknowledgeMutation(c.Request.Context(), id), gin.H{"batch_id": id, "status": models.MutationAcknowledged})
}

// rejectMutation handles POST /api/v1/mutations/:id/reject
func (s *Server) rejectMutation(c *gin.Context) {
	id, ok := batchParam(c)
	if !ok {
		return
	}
	cause, ok := rejectCause(c)
	if !ok {
		return
	}
	s.respond(c, s.channel.RejectMutation(c.Request.Context(), id, cause), gin.H{"batch_id": id, "status": models.MutationRejected})
}

// addTarget handles POST /api/v1/targets/:id
func (s *Server) addTarget(c *gin.Context) {
	id, ok := targetParam(c)
	if !ok {
		return
	}
	s.respond(c, s.channel.AddQuery(c.Request.Context(), id), gin.H{"target_id": id, "status": models.WatchPending})
}

// removeTarget handles DELETE /api/v1/targets/:id
func (s *Server) removeTarget(c *gin.Context) {
	id, ok := targetParam(c)
	if !ok {
		return
	}
	s.respond(c, s.channel.RemoveQuery(c.Request.Context(), id), gin.H{"target_id": id, "removed": true})
}

// rejectTarget handles POST /api/v1/targets/:id/reject
func (s *Server) rejectTarget(c *gin.Context) {
	id, ok := targetParam(c)
	if !ok {
		return
	}
	cause, ok := rejectCause(c)
	if !ok {
		return
	}
	s.respond(c, s.channel.RejectQuery(c.Request.Context(), id, cause), gin.H{"target_id": id, "status": models.WatchRejected})
}

// updateTargets handles POST /api/v1/targets/current
func (s *Server) updateTargets(c *gin.Context) {
	var req UpdateTargetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.respond(c, s.channel.UpdateQuery(c.Request.Context(), req.TargetIDs), gin.H{"target_ids": req.TargetIDs, "status": models.WatchCurrent})
}

func (s *Server) respond(c *gin.Context, err error, body gin.H) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

// fail maps dependency failures to 503 and everything else to 500.
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notify.ErrNotStarted),
		errors.Is(err, medium.ErrUnavailable),
		errors.Is(err, medium.ErrClosed),
		errors.Is(err, queue.ErrClosed),
		errors.Is(err, storage.ErrTransient),
		errors.Is(err, resilience.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	default:
		s.log.Error("control request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func batchParam(c *gin.Context) (models.BatchID, bool) {
	n, ok := idParam(c)
	return models.BatchID(n), ok
}

func targetParam(c *gin.Context) (models.TargetID, bool) {
	n, ok := idParam(c)
	return models.TargetID(n), ok
}

func idParam(c *gin.Context) (int64, bool) {
	n, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return n, true
}

// rejectCause reads an optional RejectRequest body.
func rejectCause(c *gin.Context) (*models.StatusError, bool) {
	cause := &models.StatusError{Code: "rejected", Message: "rejected via control API"}
	if c.Request.ContentLength == 0 {
		return cause, true
	}
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if req.Code != "" {
		cause.Code = req.Code
	}
	if req.Message != "" {
		cause.Message = req.Message
	}
	return cause, true
}
