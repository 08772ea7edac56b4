package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"leasecast/pkg/models"
	"leasecast/pkg/resilience"
	"leasecast/pkg/storage"
)

// StatusResponse describes this instance's view of the partition.
type StatusResponse struct {
	InstanceID  string                 `json:"instance_id"`
	UserID      string                 `json:"user_id"`
	Partition   string                 `json:"partition"`
	Primary     bool                   `json:"primary"`
	State       string                 `json:"state"`
	Visibility  models.VisibilityState `json:"visibility"`
	LeaseExpiry *time.Time             `json:"lease_expiry,omitempty"`
	Breaker     resilience.Snapshot    `json:"breaker"`
}

// LeaseResponse is the stored lease as read in one transaction.
type LeaseResponse struct {
	Lease *models.OwnerLease `json:"lease"`
	Valid bool               `json:"valid"`
	// Self is true when this instance holds the valid lease.
	Self bool      `json:"self"`
	At   time.Time `json:"at"`
}

// healthCheck reports store, medium and channel status.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{
		"store":   "ok",
		"medium":  "ok",
		"channel": "ok",
	}
	healthy := true

	if err := s.store.RunTransaction(ctx, "health", func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Owner().Get(ctx)
		return err
	}); err != nil {
		deps["store"] = err.Error()
		healthy = false
	}
	if s.medium == nil {
		deps["medium"] = "not configured"
		healthy = false
	} else if err := s.medium.Available(ctx); err != nil {
		deps["medium"] = err.Error()
		healthy = false
	}
	if !s.channel.Started() {
		deps["channel"] = "not started"
		healthy = false
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    s.clock.Now().UTC(),
	})
}

// getStatus handles GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	resp := StatusResponse{
		InstanceID: s.elector.InstanceID(),
		UserID:     s.elector.UserID(),
		Partition:  s.partition,
		Primary:    s.elector.IsPrimary(),
		State:      s.elector.State().String(),
		Visibility: s.elector.Visibility(),
		Breaker:    s.elector.Breaker(),
	}
	if exp := s.elector.LeaseExpiry(); !exp.IsZero() {
		resp.LeaseExpiry = &exp
	}
	c.JSON(http.StatusOK, resp)
}

// getLease handles GET /api/v1/lease
func (s *Server) getLease(c *gin.Context) {
	var lease *models.OwnerLease
	err := s.store.RunTransaction(c.Request.Context(), "read lease", func(ctx context.Context, tx storage.Tx) error {
		var err error
		lease, err = tx.Owner().Get(ctx)
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	now := s.clock.Now()
	c.JSON(http.StatusOK, LeaseResponse{
		Lease: lease,
		Valid: lease.ValidAt(now),
		Self:  lease.HeldBy(s.elector.InstanceID(), now),
		At:    now,
	})
}

// listInstances handles GET /api/v1/instances
func (s *Server) listInstances(c *gin.Context) {
	rows := s.channel.KnownInstances()
	c.JSON(http.StatusOK, gin.H{
		"instances": rows,
		"count":     len(rows),
	})
}
