package metrics

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
)

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Gauge is a point-in-time value read on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int
}

type family struct {
	name, help string
	events     []string
}

// PrometheusHandler renders the counters in the Prometheus text format.
// Relay-side events ("relay_" prefix) and call events are exposed as two
// families labelled by event name.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		relayEvents := family{name: "aero_relay_events_total", help: "Signaling relay event counters."}
		callEvents := family{name: "aero_call_events_total", help: "Call and client event counters."}
		for k := range snap {
			if strings.HasPrefix(k, "relay_") {
				relayEvents.events = append(relayEvents.events, k)
			} else {
				callEvents.events = append(callEvents.events, k)
			}
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, f := range []family{callEvents, relayEvents} {
			if len(f.events) == 0 {
				continue
			}
			slices.Sort(f.events)
			writeHeader(w, f.name, f.help, "counter")
			for _, k := range f.events {
				_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", f.name, labelEscaper.Replace(k), snap[k])
			}
		}
		for _, g := range gauges {
			writeHeader(w, g.Name, g.Help, "gauge")
			_, _ = fmt.Fprintf(w, "%s %d\n", g.Name, g.Value())
		}
	})
}

func writeHeader(w io.Writer, name, help, kind string) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}
