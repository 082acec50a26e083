// Package obshttp exposes a Distributor's statistics tables and Prometheus
// metrics over HTTP. Routing follows the module's Chi-based conventions
// (response envelope, route grouping); metrics export follows
// prometheus/client_golang's Collector pattern rather than a one-off JSON
// dump, so the Distributor's counters show up natively in a Prometheus
// scrape alongside everything else an embedding service exports.
package obshttp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nexusdb/distributor"
)

// Source is the subset of *distributor.Distributor this package depends on.
type Source interface {
	GetConnectionStats(interval bool) []distributor.ConnectionStatsRow
	GetProcedureStats(interval bool) []distributor.ProcedureStatsRow
	GetLatencyHistogram(clientRTT bool, interval bool) []distributor.HistogramRow
	PoolSize() int
}

// envelope is the module's standard {"data": ...} response wrapper.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func ok(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, envelope{"data": payload})
}

// collector adapts a Source's statistics tables into a prometheus.Collector,
// recomputed on every scrape rather than cached between polls.
type collector struct {
	src Source

	poolSize        *prometheus.Desc
	connCompleted   *prometheus.Desc
	connAborted     *prometheus.Desc
	connErrored     *prometheus.Desc
	procCompleted   *prometheus.Desc
	procAborted     *prometheus.Desc
	procErrored     *prometheus.Desc
	procClientRTT   *prometheus.Desc
	procClusterRTT  *prometheus.Desc
}

func newCollector(src Source) *collector {
	return &collector{
		src: src,
		poolSize: prometheus.NewDesc(
			"distributor_pool_size", "Number of connections currently in the pool.", nil, nil),
		connCompleted: prometheus.NewDesc(
			"distributor_connection_completed_total", "Completed invocations per connection.",
			[]string{"connection_id", "hostname"}, nil),
		connAborted: prometheus.NewDesc(
			"distributor_connection_aborted_total", "Aborted invocations per connection.",
			[]string{"connection_id", "hostname"}, nil),
		connErrored: prometheus.NewDesc(
			"distributor_connection_errored_total", "Errored invocations per connection.",
			[]string{"connection_id", "hostname"}, nil),
		procCompleted: prometheus.NewDesc(
			"distributor_procedure_completed_total", "Completed invocations per (connection, procedure).",
			[]string{"connection_id", "hostname", "procedure"}, nil),
		procAborted: prometheus.NewDesc(
			"distributor_procedure_aborted_total", "Aborted invocations per (connection, procedure).",
			[]string{"connection_id", "hostname", "procedure"}, nil),
		procErrored: prometheus.NewDesc(
			"distributor_procedure_errored_total", "Errored invocations per (connection, procedure).",
			[]string{"connection_id", "hostname", "procedure"}, nil),
		procClientRTT: prometheus.NewDesc(
			"distributor_procedure_client_rtt_seconds_sum", "Cumulative client-observed RTT per (connection, procedure).",
			[]string{"connection_id", "hostname", "procedure"}, nil),
		procClusterRTT: prometheus.NewDesc(
			"distributor_procedure_cluster_rtt_seconds_sum", "Cumulative cluster-reported RTT per (connection, procedure).",
			[]string{"connection_id", "hostname", "procedure"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolSize
	ch <- c.connCompleted
	ch <- c.connAborted
	ch <- c.connErrored
	ch <- c.procCompleted
	ch <- c.procAborted
	ch <- c.procErrored
	ch <- c.procClientRTT
	ch <- c.procClusterRTT
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(c.src.PoolSize()))

	for _, row := range c.src.GetConnectionStats(false) {
		connID := connIDLabel(row.ConnectionID)
		ch <- prometheus.MustNewConstMetric(c.connCompleted, prometheus.CounterValue, float64(row.Completed), connID, row.Hostname)
		ch <- prometheus.MustNewConstMetric(c.connAborted, prometheus.CounterValue, float64(row.Aborted), connID, row.Hostname)
		ch <- prometheus.MustNewConstMetric(c.connErrored, prometheus.CounterValue, float64(row.Errored), connID, row.Hostname)
	}

	for _, row := range c.src.GetProcedureStats(false) {
		connID := connIDLabel(row.ConnectionID)
		ch <- prometheus.MustNewConstMetric(c.procCompleted, prometheus.CounterValue, float64(row.Completed), connID, row.Hostname, row.Procedure)
		ch <- prometheus.MustNewConstMetric(c.procAborted, prometheus.CounterValue, float64(row.Aborted), connID, row.Hostname, row.Procedure)
		ch <- prometheus.MustNewConstMetric(c.procErrored, prometheus.CounterValue, float64(row.Errored), connID, row.Hostname, row.Procedure)
		ch <- prometheus.MustNewConstMetric(c.procClientRTT, prometheus.CounterValue, row.ClientRTTSum.Seconds(), connID, row.Hostname, row.Procedure)
		ch <- prometheus.MustNewConstMetric(c.procClusterRTT, prometheus.CounterValue, row.ClusterRTTSum.Seconds(), connID, row.Hostname, row.Procedure)
	}
}

func connIDLabel(id int) string {
	return strconv.Itoa(id)
}

// NewRouter builds the observability HTTP surface: /metrics for Prometheus
// scraping and /stats/* for the raw JSON snapshot tables.
func NewRouter(src Source, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("obshttp")

	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(src))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/stats", func(r chi.Router) {
		r.Get("/connections", func(w http.ResponseWriter, req *http.Request) {
			interval := req.URL.Query().Get("interval") == "true"
			ok(w, src.GetConnectionStats(interval))
		})
		r.Get("/procedures", func(w http.ResponseWriter, req *http.Request) {
			interval := req.URL.Query().Get("interval") == "true"
			ok(w, src.GetProcedureStats(interval))
		})
		r.Get("/histogram", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			interval := q.Get("interval") == "true"
			clientRTT := q.Get("metric") != "cluster"
			ok(w, src.GetLatencyHistogram(clientRTT, interval))
		})
	})

	logger.Info("observability HTTP surface ready", zap.Strings("routes", []string{"/metrics", "/stats/connections", "/stats/procedures", "/stats/histogram"}))
	return r
}
