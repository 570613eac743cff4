// Package metrics registers the Prometheus instruments the orchestrator
// exposes across the scheduler, arbiter, and subprocess bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StageExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_stage_executions_total",
		Help: "Total stage executions by node name and terminal status",
	}, []string{"node_name", "status"})

	StageCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_stage_cache_hits_total",
		Help: "Total stages short-circuited via cache reuse, by node name",
	}, []string{"node_name"})

	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orch_stage_duration_seconds",
		Help:    "Stage execution duration in seconds, by node name",
		Buckets: prometheus.DefBuckets,
	}, []string{"node_name"})

	GPUArbiterWaitQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_gpu_arbiter_wait_queue_length",
		Help: "Number of callers currently blocked in GpuArbiter.Acquire, by device",
	}, []string{"device_id"})

	GPUArbiterAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_gpu_arbiter_acquire_total",
		Help: "Total GpuArbiter.Acquire outcomes by device and result",
	}, []string{"device_id", "result"})

	SubprocessStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_subprocess_start_total",
		Help: "Total inference subprocess starts by node name and result",
	}, []string{"node_name", "result"})

	SubprocessExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_subprocess_exit_total",
		Help: "Total inference subprocess exits by node name and reason",
	}, []string{"node_name", "reason"})
)
