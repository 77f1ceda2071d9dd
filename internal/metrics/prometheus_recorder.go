package metrics

import (
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	connects       *prom.CounterVec
	reconnects     prom.Counter
	hostErrors     *prom.CounterVec
	commands       *prom.CounterVec
	cardsDetected  prom.Counter
	broadcasts     prom.Counter
	listening      prom.Gauge
	watchdogEvents *prom.CounterVec
}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		connects: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "nfcbridge",
			Name:      "host_connects_total",
			Help:      "Attempts to open the host channel by result",
		}, []string{"result"}),
		reconnects: prom.NewCounter(prom.CounterOpts{
			Namespace: "nfcbridge",
			Name:      "host_reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after an unexpected close",
		}),
		hostErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "nfcbridge",
			Name:      "host_errors_total",
			Help:      "Host errors, split by whether side effects were suppressed as duplicates",
		}, []string{"suppressed"}),
		commands: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "nfcbridge",
			Name:      "host_commands_total",
			Help:      "Commands written to the host channel",
		}, []string{"action"}),
		cardsDetected: prom.NewCounter(prom.CounterOpts{
			Namespace: "nfcbridge",
			Name:      "cards_detected_total",
			Help:      "Card presentations reported by the host",
		}),
		broadcasts: prom.NewCounter(prom.CounterOpts{
			Namespace: "nfcbridge",
			Name:      "state_broadcasts_total",
			Help:      "State snapshots pushed to UI surfaces",
		}),
		listening: prom.NewGauge(prom.GaugeOpts{
			Namespace: "nfcbridge",
			Name:      "listening",
			Help:      "1 while a listening session is active",
		}),
		watchdogEvents: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "nfcbridge",
			Name:      "watchdog_events_total",
			Help:      "Reconnect watchdog lifecycle events",
		}, []string{"outcome"}),
	}
	reg.MustRegister(pr.connects, pr.reconnects, pr.hostErrors, pr.commands, pr.cardsDetected, pr.broadcasts, pr.listening, pr.watchdogEvents)
	return pr
}

func (p *PrometheusRecorder) IncConnect(result string) {
	p.connects.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncReconnectScheduled() {
	p.reconnects.Inc()
}

func (p *PrometheusRecorder) IncHostError(suppressed bool) {
	p.hostErrors.WithLabelValues(strconv.FormatBool(suppressed)).Inc()
}

func (p *PrometheusRecorder) IncCommand(action string) {
	p.commands.WithLabelValues(action).Inc()
}

func (p *PrometheusRecorder) IncCardDetected() {
	p.cardsDetected.Inc()
}

func (p *PrometheusRecorder) IncBroadcast() {
	p.broadcasts.Inc()
}

func (p *PrometheusRecorder) SetListening(listening bool) {
	if listening {
		p.listening.Set(1)
		return
	}
	p.listening.Set(0)
}

func (p *PrometheusRecorder) IncWatchdog(outcome string) {
	p.watchdogEvents.WithLabelValues(outcome).Inc()
}

// HTTPHandler serves the metrics registered on reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
