// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for the importer. It avoids the prometheus/client_golang package;
// a handful of counters and gauges do not justify the dependency.
//
// # Label keys
//
// Every series uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Dispatched / Imported / Failed / Retried / Pending / InFlight / BackingOff  →  key = "group"
//	HTTPReqs                                                                   →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                                                     →  key = "method\tpath"
//
// Registry.Handler() renders everything in the Prometheus exposition format
// (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelValue ───────────────────────────────────────────────────────────────

// labelValue is a lock-free, label-keyed int64 map backed by sync.Map and
// atomic.Int64 values. It serves as both counter and gauge.
type labelValue struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lv *labelValue) get(key string) *atomic.Int64 {
	v, _ := lv.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the value for key by 1.
func (lv *labelValue) Inc(key string) { lv.get(key).Add(1) }

// Add increments the value for key by n (n may be negative for gauges).
func (lv *labelValue) Add(key string, n int64) { lv.get(key).Add(n) }

// Set overwrites the value for key.
func (lv *labelValue) Set(key string, n int64) { lv.get(key).Store(n) }

// Get returns the current value for key.
func (lv *labelValue) Get(key string) int64 { return lv.get(key).Load() }

// Each calls fn for every key/value pair in key order.
func (lv *labelValue) Each(fn func(key string, val int64)) {
	type kv struct {
		k string
		v int64
	}
	var all []kv
	lv.vals.Range(func(k, v any) bool {
		all = append(all, kv{k.(string), v.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].k < all[j].k })
	for _, e := range all {
		fn(e.k, e.v)
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all importer metrics.
type Registry struct {
	// Message counters.  key = group
	Dispatched labelValue
	Imported   labelValue
	Failed     labelValue
	Retried    labelValue

	// Gauges.  key = group
	Pending    labelValue
	InFlight   labelValue
	BackingOff labelValue

	// Status server counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelValue
	HTTPDurMs  labelValue // sum of request durations in milliseconds
	HTTPDurCnt labelValue // number of requests (same key as HTTPDurMs, for avg)
}

type family struct {
	name, help, typ string
	vals            *labelValue
	labels          func(key string) string
}

func groupLabels(key string) string { return fmt.Sprintf(`group=%q`, key) }

func httpReqLabels(key string) string {
	method, path, status := splitThree(key)
	return fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status)
}

func httpDurLabels(key string) string {
	method, path := splitTwo(key)
	return fmt.Sprintf(`method=%q,path=%q`, method, path)
}

func (r *Registry) families() []family {
	return []family{
		{"mbox_import_messages_dispatched_total", "Messages handed to a worker", "counter", &r.Dispatched, groupLabels},
		{"mbox_import_messages_imported_total", "Messages the migration API accepted", "counter", &r.Imported, groupLabels},
		{"mbox_import_messages_failed_total", "Messages given up on and left in the working directory", "counter", &r.Failed, groupLabels},
		{"mbox_import_retries_total", "Insert attempts repeated after a transient failure", "counter", &r.Retried, groupLabels},
		{"mbox_import_messages_pending", "Messages not yet dispatched", "gauge", &r.Pending, groupLabels},
		{"mbox_import_messages_in_flight", "Messages dispatched but not yet reported", "gauge", &r.InFlight, groupLabels},
		{"mbox_import_workers_backing_off", "Workers currently in a retry backoff", "gauge", &r.BackingOff, groupLabels},
		{"mbox_import_http_requests_total", "Status server requests by method, path, and status code", "counter", &r.HTTPReqs, httpReqLabels},
		{"mbox_import_http_request_duration_milliseconds_sum", "Sum of status server request durations in milliseconds", "counter", &r.HTTPDurMs, httpDurLabels},
		{"mbox_import_http_request_duration_milliseconds_count", "Count of observed status server request durations", "counter", &r.HTTPDurCnt, httpDurLabels},
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, f := range r.families() {
			writeFamily(&b, f)
		}
		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b, skipping the
// header when the family has no series yet.
func writeFamily(b *strings.Builder, f family) {
	var lines []string
	f.vals.Each(func(key string, val int64) {
		lines = append(lines, fmt.Sprintf("%s{%s} %d\n", f.name, f.labels(key), val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
