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

// Package metrics holds the Prometheus collectors for the resilience agent.
// Collectors are always live so components can record unconditionally;
// they are only exposed when the metrics server is enabled.
package metrics

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "resilience_agent"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	// Request client
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of executed requests by outcome",
		},
		[]string{"method", "outcome"},
	)
	RequestAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_attempts_total",
			Help:      "Total number of request attempts including retries",
		},
		[]string{"method"},
	)
	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of executed requests including retries",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// Session
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)
	SessionRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_renewals_total",
			Help:      "Total number of credential renewals by status",
		},
		[]string{"status"},
	)

	// Connectivity
	ConnectivityState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_state",
			Help:      "Current connectivity state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of endpoint health probes by result",
		},
		[]string{"result"},
	)
	EndpointSwitchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_switches_total",
			Help:      "Total number of times the current endpoint changed",
		},
	)

	// Failover and recovery
	FailoverStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failover_status",
			Help:      "Current failover orchestrator status (1 = active)",
		},
		[]string{"status"},
	)
	FailoverAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_attempts_total",
			Help:      "Total number of failover cycles by result",
		},
		[]string{"result"},
	)
	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Total number of system recoveries by outcome",
		},
		[]string{"outcome"},
	)
	RecoveryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of system recovery runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
	)

	// Sync engine
	SyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Number of pending mutations waiting to be flushed",
		},
	)
	SyncMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_mutations_total",
			Help:      "Total number of flushed mutations by result",
		},
		[]string{"result"},
	)
	SyncQueueOverflowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_queue_overflows_total",
			Help:      "Total number of pending mutations dropped for capacity",
		},
	)
	SyncCollectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_collections_total",
			Help:      "Total number of collection synchronizations by mode and status",
		},
		[]string{"mode", "status"},
	)
	SyncConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Total number of detected conflicts by resolution policy",
		},
		[]string{"policy"},
	)

	// Realtime channel
	ChannelConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connection_state",
			Help:      "Current realtime channel state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)
	ChannelReconnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnections_total",
			Help:      "Total number of realtime channel reconnection attempts",
		},
	)
	ChannelMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_total",
			Help:      "Total number of messages received on the realtime channel",
		},
	)

	// Background tasks
	SkippedTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Total number of timer ticks skipped because the previous run was in flight",
		},
		[]string{"task"},
	)

	// Admin API
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_http_requests_total",
			Help:      "Total number of admin API requests",
		},
		[]string{"method", "route", "status_code"},
	)
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admin_http_request_duration_seconds",
			Help:      "Admin API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	PanicRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panic_recoveries_total",
			Help:      "Total number of recovered panics",
		},
		[]string{"component"},
	)

	// Process
	Up = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Whether the agent is up (1) or shutting down (0)",
		},
	)
	Info = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Agent information",
		},
		[]string{"version", "storage_type"},
	)
	MemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)
)

func initRegistry() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		RequestsTotal,
		RequestAttemptsTotal,
		RequestDurationSeconds,
		SessionState,
		SessionRenewalsTotal,
		ConnectivityState,
		HealthChecksTotal,
		EndpointSwitchesTotal,
		FailoverStatus,
		FailoverAttemptsTotal,
		RecoveriesTotal,
		RecoveryDurationSeconds,
		SyncQueueDepth,
		SyncMutationsTotal,
		SyncQueueOverflowsTotal,
		SyncCollectionsTotal,
		SyncConflictsTotal,
		ChannelConnectionState,
		ChannelReconnectionsTotal,
		ChannelMessagesTotal,
		SkippedTicksTotal,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		PanicRecoveriesTotal,
		Up,
		Info,
		MemoryBytes,
	)
}

// Init creates the registry on first call and returns it
func Init() *prometheus.Registry {
	once.Do(initRegistry)
	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// SetState marks current as the active state of a state gauge and clears the others
func SetState(gauge *prometheus.GaugeVec, states []string, current string) {
	for _, s := range states {
		if s == current {
			gauge.WithLabelValues(s).Set(1)
		} else {
			gauge.WithLabelValues(s).Set(0)
		}
	}
}

// TickSkipped counts a background tick dropped because its task was busy
func TickSkipped(task string) {
	SkippedTicksTotal.WithLabelValues(task).Inc()
}

// UpdateMemoryMetrics updates memory-related metrics
func UpdateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryBytes.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryBytes.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	MemoryBytes.WithLabelValues("stack_inuse").Set(float64(m.StackInuse))
}
