// Package metrics exposes the engine's Prometheus collectors. Every helper is a no-op until
// Init has run, so services and tests can call them unconditionally.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "spa_"

	resultOK       = "ok"
	resultFailed   = "failed"
	resultUnknown  = "unknown"
	resultChanged  = "changed"
	resultNoChange = "unchanged"
	resultDecode   = "decode_error"
	resultRead     = "read_error"
)

var (
	registerOnce sync.Once

	commandsTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram

	connectionTransitions *prometheus.CounterVec
	connectionState       *prometheus.GaugeVec

	refreshTotal *prometheus.CounterVec

	eventsDropped prometheus.Counter
	subscribers   prometheus.Gauge

	automationFired *prometheus.CounterVec

	historyWriteErrors prometheus.Counter
)

// connectionStates mirrors models.ConnectionState; kept as strings to avoid an import cycle.
var connectionStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "ERROR"}

// Init registers all collectors with reg. A nil reg means the default registerer.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		commandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Commands finished by kind, origin and result",
			},
			[]string{"kind", "origin", "result"},
		)
		dispatchDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_dispatch_seconds",
				Help:    "Time spent writing a command to the controller",
				Buckets: prometheus.DefBuckets,
			},
		)

		connectionTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "connection_transitions_total",
				Help: "Connection state transitions by target state",
			},
			[]string{"state"},
		)
		connectionState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "connection_state",
				Help: "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		)

		refreshTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "refresh_total",
				Help: "State refresh cycles by result",
			},
			[]string{"result"},
		)

		eventsDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_dropped_total",
				Help: "Events dropped because a subscriber buffer was full",
			},
		)
		subscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "subscribers",
				Help: "Active event subscribers",
			},
		)

		automationFired = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "automation_fired_total",
				Help: "Automation rule firings by result",
			},
			[]string{"result"},
		)

		historyWriteErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_write_errors_total",
				Help: "History entries that could not be persisted",
			},
		)

		reg.MustRegister(
			commandsTotal,
			dispatchDuration,
			connectionTransitions,
			connectionState,
			refreshTotal,
			eventsDropped,
			subscribers,
			automationFired,
			historyWriteErrors,
		)
	})
}

func resultLabel(ok bool) string {
	if ok {
		return resultOK
	}
	return resultFailed
}

// ObserveCommand records a finished command.
func ObserveCommand(kind, origin string, ok bool) {
	if kind == "" {
		kind = resultUnknown
	}
	if origin == "" {
		origin = resultUnknown
	}
	if commandsTotal != nil {
		commandsTotal.WithLabelValues(kind, origin, resultLabel(ok)).Inc()
	}
}

// ObserveDispatch records how long a controller write took.
func ObserveDispatch(d time.Duration) {
	if dispatchDuration != nil {
		dispatchDuration.Observe(d.Seconds())
	}
}

// SetConnectionState counts a transition into state and flips the state gauge.
func SetConnectionState(state string) {
	if connectionTransitions != nil {
		connectionTransitions.WithLabelValues(state).Inc()
	}
	if connectionState == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

// Refresh outcomes.
const (
	RefreshChanged   = resultChanged
	RefreshUnchanged = resultNoChange
	RefreshDecode    = resultDecode
	RefreshRead      = resultRead
)

// IncRefresh counts one refresh cycle.
func IncRefresh(result string) {
	if result == "" {
		result = resultUnknown
	}
	if refreshTotal != nil {
		refreshTotal.WithLabelValues(result).Inc()
	}
}

func IncEventsDropped() {
	if eventsDropped != nil {
		eventsDropped.Inc()
	}
}

func SetSubscribers(n int) {
	if subscribers != nil {
		subscribers.Set(float64(n))
	}
}

// IncAutomationFired counts a rule firing.
func IncAutomationFired(ok bool) {
	if automationFired != nil {
		automationFired.WithLabelValues(resultLabel(ok)).Inc()
	}
}

func IncHistoryWriteError() {
	if historyWriteErrors != nil {
		historyWriteErrors.Inc()
	}
}
