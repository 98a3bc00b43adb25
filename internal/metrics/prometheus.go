package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const metricPrefix = "securevox_call_server"

// PrometheusHandler exposes the registry in Prometheus' text exposition
// format. Counters are exported as a single metric family with an `event`
// label; gauges and histograms get their own families.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		counters := m.Snapshot()
		keys := make([]string, 0, len(counters))
		for k := range counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		_, _ = fmt.Fprintf(w, "# HELP %s_events_total Internal event counters.\n", metricPrefix)
		_, _ = fmt.Fprintf(w, "# TYPE %s_events_total counter\n", metricPrefix)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s_events_total{event=\"%s\"} %d\n", metricPrefix, escapeLabel(k), counters[k])
		}

		gauges := m.snapshotGauges()
		gaugeKeys := make([]string, 0, len(gauges))
		for k := range gauges {
			gaugeKeys = append(gaugeKeys, k)
		}
		sort.Strings(gaugeKeys)
		for _, k := range gaugeKeys {
			_, _ = fmt.Fprintf(w, "# TYPE %s_%s gauge\n", metricPrefix, k)
			_, _ = fmt.Fprintf(w, "%s_%s %g\n", metricPrefix, k, gauges[k])
		}

		hists := m.snapshotHistograms()
		histKeys := make([]string, 0, len(hists))
		for k := range hists {
			histKeys = append(histKeys, k)
		}
		sort.Strings(histKeys)
		for _, k := range histKeys {
			h := hists[k]
			_, _ = fmt.Fprintf(w, "# TYPE %s_%s histogram\n", metricPrefix, k)
			var cumulative uint64
			for i, upper := range h.buckets {
				cumulative += h.counts[i]
				_, _ = fmt.Fprintf(w, "%s_%s_bucket{le=\"%g\"} %d\n", metricPrefix, k, upper, cumulative)
			}
			_, _ = fmt.Fprintf(w, "%s_%s_bucket{le=\"+Inf\"} %d\n", metricPrefix, k, h.total)
			_, _ = fmt.Fprintf(w, "%s_%s_sum %g\n", metricPrefix, k, h.sum)
			_, _ = fmt.Fprintf(w, "%s_%s_count %d\n", metricPrefix, k, h.total)
		}
	})
}

func escapeLabel(s string) string {
	return strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(s)
}
