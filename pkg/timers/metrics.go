package timers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pendingTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "yarb",
		Name:      "timers_pending",
		Help:      "Number of timers waiting to fire.",
	})
	firedTimers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yarb",
		Name:      "timers_fired_total",
		Help:      "Timers picked up by the scheduler, by outcome.",
	}, []string{"outcome"})
)
