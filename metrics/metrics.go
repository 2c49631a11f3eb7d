// Package metrics exposes Prometheus gauges and counters for the unit link.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	gauges    = map[string]prometheus.Gauge{}
	gaugeVecs = map[string]*prometheus.GaugeVec{}
	counters  = map[string]prometheus.Counter{}
)

// Register defines and registers all airbridge metrics. Call once at startup,
// before any of the update functions.
func Register() {
	addGauge("airbridge_link_up", "Whether the unit link is connected (1) or not (0)")
	addGaugeVec("airbridge_variable_value", "Last numeric value read from the unit, by variable name")

	addCounter("airbridge_readings_total", "Total values read back from the unit")
	addCounter("airbridge_tasks_dropped_total", "Total queued requests discarded on disconnect")

	for _, g := range gauges {
		prometheus.MustRegister(g)
	}
	for _, gv := range gaugeVecs {
		prometheus.MustRegister(gv)
	}
	for _, c := range counters {
		prometheus.MustRegister(c)
	}
}

func addGauge(name, help string) {
	gauges[name] = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	})
}

func addGaugeVec(name, help string) {
	gaugeVecs[name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, []string{"name"})
}

func addCounter(name, help string) {
	counters[name] = prometheus.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: help,
	})
}

// SetLinkUp records the connection state of the unit link.
func SetLinkUp(up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	gauges["airbridge_link_up"].Set(v)
}

// AddDropped accumulates requests discarded when the link went down.
func AddDropped(n int) {
	counters["airbridge_tasks_dropped_total"].Add(float64(n))
}

// ObserveReading counts a successful read and, when the value parses as a
// number, publishes it on the per-variable gauge. Non-numeric values such as
// mode strings only count.
func ObserveReading(name, value string) {
	counters["airbridge_readings_total"].Inc()

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return
	}
	gaugeVecs["airbridge_variable_value"].WithLabelValues(name).Set(v)
}

// Handler serves the metrics in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
