/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wso2/api-platform/resilience/pkg/api/middleware"
	"github.com/wso2/api-platform/resilience/pkg/channel"
	"github.com/wso2/api-platform/resilience/pkg/clienterrors"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/failover"
	"github.com/wso2/api-platform/resilience/pkg/session"
	"github.com/wso2/api-platform/resilience/pkg/syncengine"
	"go.uber.org/zap"
)

// StatusResponse aggregates the status of every component
type StatusResponse struct {
	Session      session.Status      `json:"session" yaml:"session"`
	Connectivity connectivity.Status `json:"connectivity" yaml:"connectivity"`
	Failover     FailoverStatus      `json:"failover" yaml:"failover"`
	Sync         SyncStatus          `json:"sync" yaml:"sync"`
	Channel      *channel.Status     `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// FailoverStatus is the failover part of StatusResponse
type FailoverStatus struct {
	Status              failover.Status `json:"status" yaml:"status"`
	ConsecutiveFailures int             `json:"consecutiveFailures" yaml:"consecutiveFailures"`
}

// SyncStatus is the sync part of StatusResponse
type SyncStatus struct {
	QueueDepth int `json:"queueDepth" yaml:"queueDepth"`
	Conflicts  int `json:"conflicts" yaml:"conflicts"`
	Failed     int `json:"failed" yaml:"failed"`
}

// ResolveRequest is the body of a conflict resolution
type ResolveRequest struct {
	Resolution syncengine.Resolution `json:"resolution" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	resp := StatusResponse{
		Session:      s.services.Session.Status(),
		Connectivity: s.services.Connectivity.Status(),
		Failover: FailoverStatus{
			Status:              s.services.Failover.Status(),
			ConsecutiveFailures: s.services.Failover.ConsecutiveFailures(),
		},
	}

	queue, err := s.services.Sync.Queue(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	conflicts, err := s.services.Sync.Conflicts(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	failed, err := s.services.Sync.FailedMutations(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp.Sync = SyncStatus{QueueDepth: len(queue), Conflicts: len(conflicts), Failed: len(failed)}

	if s.services.Channel != nil {
		ch := s.services.Channel.Status()
		resp.Channel = &ch
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) failoverHistory(c *gin.Context) {
	history, err := s.services.Failover.History(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if history == nil {
		history = []failover.Record{}
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) failoverReset(c *gin.Context) {
	s.services.Failover.Reset()
	middleware.GetLogger(c, s.logger).Info("Failover status reset through admin API")
	c.JSON(http.StatusOK, gin.H{"status": s.services.Failover.Status()})
}

func (s *Server) runRecovery(c *gin.Context) {
	result, err := s.services.Failover.PerformSystemRecovery(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	code := http.StatusOK
	if result.Outcome == failover.OutcomeRecoveryFailed {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, result)
}

func (s *Server) snapshot(c *gin.Context) {
	snap, err := s.services.Failover.LatestSnapshot(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) syncQueue(c *gin.Context) {
	queue, err := s.services.Sync.Queue(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if queue == nil {
		queue = []syncengine.PendingMutation{}
	}
	c.JSON(http.StatusOK, queue)
}

func (s *Server) syncFailed(c *gin.Context) {
	failed, err := s.services.Sync.FailedMutations(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if failed == nil {
		failed = []syncengine.FailedMutation{}
	}
	c.JSON(http.StatusOK, failed)
}

func (s *Server) syncFlush(c *gin.Context) {
	result, err := s.services.Sync.FlushQueue(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) syncCollection(c *gin.Context) {
	mode := syncengine.Mode(c.DefaultQuery("mode", string(syncengine.ModeIncremental)))
	result, err := s.services.Sync.SyncCollection(c.Request.Context(), c.Param("name"), mode)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) syncConflicts(c *gin.Context) {
	conflicts, err := s.services.Sync.Conflicts(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if conflicts == nil {
		conflicts = []syncengine.SyncConflict{}
	}
	c.JSON(http.StatusOK, conflicts)
}

func (s *Server) resolveConflict(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.ErrorResponse{Status: "error", Message: "invalid request body: " + err.Error()})
		return
	}
	if req.Resolution != syncengine.ResolveServer && req.Resolution != syncengine.ResolveClient {
		c.JSON(http.StatusBadRequest, middleware.ErrorResponse{Status: "error", Message: "resolution must be 'server' or 'client'"})
		return
	}

	err := s.services.Sync.ResolveConflict(c.Request.Context(), c.Param("collection"), c.Param("id"), req.Resolution)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) logout(c *gin.Context) {
	s.services.Session.Logout(c.Request.Context())
	c.JSON(http.StatusOK, s.services.Session.Status())
}

// writeError maps component errors to HTTP status codes
func (s *Server) writeError(c *gin.Context, err error) {
	resp := middleware.ErrorResponse{Status: "error", Message: err.Error()}
	code := http.StatusInternalServerError

	var cerr *clienterrors.Error
	switch {
	case errors.Is(err, syncengine.ErrConflictNotFound), errors.Is(err, failover.ErrNoSnapshot):
		code = http.StatusNotFound
	case errors.Is(err, syncengine.ErrInvalidMode), errors.Is(err, syncengine.ErrInvalidMutation):
		code = http.StatusBadRequest
	case errors.Is(err, failover.ErrRecoveryInProgress):
		code = http.StatusConflict
	case errors.As(err, &cerr):
		code = http.StatusBadGateway
		resp.Kind = string(cerr.Kind)
	}

	if code >= http.StatusInternalServerError {
		middleware.GetLogger(c, s.logger).Error("Admin request failed", zap.Error(err))
	}
	c.JSON(code, resp)
}
