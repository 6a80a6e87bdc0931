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

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/scheduler"
	"go.uber.org/zap"
)

// DefaultMemoryInterval is how often memory gauges are refreshed
const DefaultMemoryInterval = 15 * time.Second

var ready atomic.Bool

// SetUp flips the up gauge and the readiness reported on /ready
func SetUp(up bool) {
	ready.Store(up)
	if up {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Server exposes /metrics, /health (liveness) and /ready (the agent finished
// starting and is not shutting down). It also refreshes the memory gauges.
type Server struct {
	port       int
	httpServer *http.Server
	listener   net.Listener
	memory     *scheduler.Task
	log        *zap.Logger
}

// NewServer creates a stopped metrics server
func NewServer(cfg config.MetricsConfig, log *zap.Logger) *Server {
	registry := Init()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	return &Server{
		port: cfg.Port,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		memory: scheduler.NewTask("memory-metrics", DefaultMemoryInterval, func(context.Context) {
			UpdateMemoryMetrics()
		}, log, scheduler.OnSkip(TickSkipped)),
		log: log,
	}
}

// Start binds the listener, serves in the background and starts refreshing
// memory gauges until Stop or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to bind: %w", err)
	}
	s.listener = ln
	s.log.Info("Metrics server listening", zap.String("address", ln.Addr().String()))

	UpdateMemoryMetrics()
	s.memory.Start(ctx)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Stop halts the memory refresh and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.memory.Stop()
	s.memory.Wait()
	s.log.Info("Stopping metrics server")
	return s.httpServer.Shutdown(ctx)
}
