// Package metrics exposes prometheus collectors for synchronization and analysis.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
)

const namespace = "vuln_identify"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	syncRuns        *prometheus.CounterVec
	pagesFetched    prometheus.Counter
	recordsMerged   prometheus.Counter
	fetchRetries    prometheus.Counter
	artifacts       *prometheus.CounterVec
	findings        prometheus.Counter
	lastSyncSuccess prometheus.Gauge
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Synchronization runs by mode and final state.",
		}, []string{"mode", "state"}),
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_pages_fetched_total",
			Help:      "Pages fetched from the remote corpus.",
		}),
		recordsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_merged_total",
			Help:      "Vulnerability records upserted into the store.",
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_fetch_retries_total",
			Help:      "Page fetch attempts retried after a transient failure.",
		}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_artifacts_total",
			Help:      "Artifacts analyzed by outcome.",
		}, []string{"outcome"}),
		findings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_findings_total",
			Help:      "Vulnerabilities reported after filtering.",
		}),
		lastSyncSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful synchronization.",
		}),
	}

	for _, c := range []prometheus.Collector{m.syncRuns, m.pagesFetched, m.recordsMerged,
		m.fetchRetries, m.artifacts, m.findings, m.lastSyncSuccess} {
		if err := reg.Register(c); err != nil {
			return nil, xerrors.Errorf("unable to register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) SyncRun(mode, state string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(mode, state).Inc()
}

func (m *Metrics) SyncSucceeded(unix float64) {
	if m == nil {
		return
	}
	m.lastSyncSuccess.Set(unix)
}

func (m *Metrics) PageFetched() {
	if m == nil {
		return
	}
	m.pagesFetched.Inc()
}

func (m *Metrics) RecordsMerged(n int) {
	if m == nil {
		return
	}
	m.recordsMerged.Add(float64(n))
}

func (m *Metrics) FetchRetried() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

func (m *Metrics) ArtifactAnalyzed(failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.artifacts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Findings(n int) {
	if m == nil {
		return
	}
	m.findings.Add(float64(n))
}
