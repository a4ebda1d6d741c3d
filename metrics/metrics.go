// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package metrics defines the Sink every orchestrator and transport
// component reports through. The default is a no-op; appstate.New wires
// in the Prometheus-backed implementation when metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives operational counters without the caller knowing or
// caring whether anything is actually collecting them.
type Sink interface {
	TaskStarted(appName, op string)
	TaskFinished(appName, op string, d time.Duration, failed bool)
	ActiveTasks(delta int)
	WSConnections(delta int)
	LogLinesStreamed(appName string, n int)
	ActionExecuted(appName, action string, failed bool)
}

// NopSink discards everything; it is the default until a caller
// supplies a real Sink.
type NopSink struct{}

func (NopSink) TaskStarted(string, string)                     {}
func (NopSink) TaskFinished(string, string, time.Duration, bool) {}
func (NopSink) ActiveTasks(int)                                {}
func (NopSink) WSConnections(int)                              {}
func (NopSink) LogLinesStreamed(string, int)                   {}
func (NopSink) ActionExecuted(string, string, bool)            {}

// Prometheus is the Sink implementation backing GET /metrics.
type Prometheus struct {
	Registry *prometheus.Registry

	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tasksActive     prometheus.Gauge
	wsConnections   prometheus.Gauge
	logLines        *prometheus.CounterVec
	actionsExecuted *prometheus.CounterVec
}

// NewPrometheus creates and registers every collector against a
// dedicated registry, so the returned Sink never pollutes the global
// default registry used by other libraries.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()

	p := &Prometheus{
		Registry: reg,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scotty",
			Name:      "tasks_total",
			Help:      "Total number of orchestrator tasks started, by operation and outcome.",
		}, []string{"app", "op", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scotty",
			Name:      "task_duration_seconds",
			Help:      "Duration of orchestrator tasks by operation.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"op"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scotty",
			Name:      "tasks_active",
			Help:      "Number of orchestrator tasks currently running.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scotty",
			Name:      "ws_connections",
			Help:      "Number of open WebSocket connections.",
		}),
		logLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scotty",
			Name:      "log_lines_streamed_total",
			Help:      "Total log lines forwarded to WebSocket clients, by app.",
		}, []string{"app"}),
		actionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scotty",
			Name:      "custom_actions_executed_total",
			Help:      "Total custom actions executed, by app and outcome.",
		}, []string{"app", "action", "outcome"}),
	}

	reg.MustRegister(
		p.tasksTotal,
		p.taskDuration,
		p.tasksActive,
		p.wsConnections,
		p.logLines,
		p.actionsExecuted,
	)
	return p
}

func (p *Prometheus) TaskStarted(appName, op string) {
	p.tasksActive.Inc()
}

func (p *Prometheus) TaskFinished(appName, op string, d time.Duration, failed bool) {
	p.tasksActive.Dec()
	outcome := "success"
	if failed {
		outcome = "failed"
	}
	p.tasksTotal.WithLabelValues(appName, op, outcome).Inc()
	p.taskDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (p *Prometheus) ActiveTasks(delta int) {
	p.tasksActive.Add(float64(delta))
}

func (p *Prometheus) WSConnections(delta int) {
	p.wsConnections.Add(float64(delta))
}

func (p *Prometheus) LogLinesStreamed(appName string, n int) {
	p.logLines.WithLabelValues(appName).Add(float64(n))
}

func (p *Prometheus) ActionExecuted(appName, action string, failed bool) {
	outcome := "success"
	if failed {
		outcome = "failed"
	}
	p.actionsExecuted.WithLabelValues(appName, action, outcome).Inc()
}
