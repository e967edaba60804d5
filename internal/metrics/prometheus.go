package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const prometheusFamily = "aero_mesh_signaling_events_total"

var labelEscaper = strings.NewReplacer("\\", `\\`, "\"", `\"`, "\n", `\n`)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format as a
// single counter family labelled by event. Gauges are emitted as extra families.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Signaling relay event counters.\n", prometheusFamily)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", prometheusFamily)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", prometheusFamily, labelEscaper.Replace(k), snap[k])
		}

		for _, g := range gauges {
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "%s %d\n", g.Name, g.Value())
		}
	})
}

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int
}
