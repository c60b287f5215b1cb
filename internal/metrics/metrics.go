// Package metrics holds the prometheus collectors shared by the core components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autodeploy"

var (
	// Observers tracks currently subscribed observers.
	Observers = registerGauge(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "observers",
		Help:      "Number of subscribed observers",
	}))

	// Deliveries counts delivery attempts by outcome (delivered, failed, timeout, overflow).
	Deliveries = registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "deliveries_total",
		Help:      "Observer delivery attempts by outcome",
	}, []string{"outcome"}))

	// TasksActive tracks in-flight background tasks.
	TasksActive = registerGauge(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "tasks_active",
		Help:      "Number of in-flight background tasks",
	}))

	// Tasks counts finished background tasks by outcome (ok, error, panic, cancelled).
	Tasks = registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "tasks_total",
		Help:      "Finished background tasks by outcome",
	}, []string{"outcome"}))

	// QueueResolutions counts queue ticket resolutions by terminal state.
	QueueResolutions = registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "resolutions_total",
		Help:      "Queue ticket resolutions by terminal state",
	}, []string{"state"}))

	// QueuePolls counts individual queue polls by result (ready, pending, error).
	QueuePolls = registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "polls_total",
		Help:      "Queue item polls by result",
	}, []string{"result"}))
)

func registerGauge(g prometheus.Gauge) prometheus.Gauge {
	if err := prometheus.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
	}
	return g
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}
