package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var invocations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fnrouter",
		Subsystem: "proxy",
		Name:      "invocations_total",
		Help:      "Function invocations handled, by outcome",
	},
	[]string{
		"outcome",
	})

var watchRestarts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fnrouter",
		Subsystem: "discovery",
		Name:      "watch_restarts_total",
		Help:      "Times the ZooKeeper watch loop was restarted after a failure",
	})

type prometheusFeeder struct {
	environment string
	ticker      *time.Ticker
	monitor     *backendMonitor
}

func newPrometheusFeeder(environment string, monitor *backendMonitor) *prometheusFeeder {
	ticker := time.NewTicker(60 * time.Second)
	return &prometheusFeeder{
		environment: environment,
		ticker:      ticker,
		monitor:     monitor,
	}
}

func (g prometheusFeeder) feed() {
	setPilotLight(g.environment)
	functionBackends := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fnrouter",
			Subsystem: "discovery",
			Name:      "function_backends",
			Help:      "Number of registered backends per function",
		},
		[]string{
			"environment",
			"function",
		})
	prometheus.MustRegister(functionBackends, invocations, watchRestarts)
	for range g.ticker.C {
		functionBackends.Reset()
		for functionID, count := range g.monitor.directory.backendCounts() {
			functionBackends.With(
				prometheus.Labels{
					"environment": g.environment,
					"function":    functionID.String(),
				}).Set(float64(count))
		}
	}
}

func setPilotLight(environment string) {
	pilotLight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fnrouter",
			Subsystem: "discovery",
			Name:      "pilotlight",
			Help:      "Pilot light for the function routing tier",
		},
		[]string{
			"environment",
		})
	prometheus.MustRegister(pilotLight)
	pilotLight.With(prometheus.Labels{"environment": environment}).Set(1)
}
