// Package metrics exposes pacsd's Prometheus instrumentation: per-stage
// pipeline counters and histograms, storage operation counters, and
// health gauges fed by the pipeline coordinator's HealthSnapshot.
// Grounded on marmos91-dittofs's internal/adapter/nlm.Metrics: one
// struct of pre-registered vectors, a constructor that MustRegisters
// them all, and nil-receiver-safe Record* methods so instrumentation
// can be wired in even where a caller holds a possibly-nil *Metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus metric pacsd exports, all under the
// pacscore_ prefix.
type Metrics struct {
	StageDuration *prometheus.HistogramVec
	StageQueued   *prometheus.GaugeVec
	StageDropped  *prometheus.CounterVec

	StorageOpsTotal    *prometheus.CounterVec
	StorageOpsDuration *prometheus.HistogramVec

	AssociationsActive   prometheus.Gauge
	AssociationsTotal    *prometheus.CounterVec
	DIMSEOperationsTotal *prometheus.CounterVec

	HealthyStages prometheus.Gauge
}

// NewMetrics builds and registers pacsd's metrics against reg
// (typically prometheus.DefaultRegisterer). Panics on a registration
// conflict, which only happens at process start.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacscore_pipeline_stage_duration_seconds",
				Help:    "Job processing duration per pipeline stage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		StageQueued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacscore_pipeline_stage_queued",
				Help: "Current number of jobs queued per pipeline stage",
			},
			[]string{"stage"},
		),
		StageDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacscore_pipeline_stage_dropped_total",
				Help: "Total jobs rejected per stage due to a full queue",
			},
			[]string{"stage"},
		),
		StorageOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacscore_storage_ops_total",
				Help: "Total storage index operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		StorageOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacscore_storage_ops_duration_seconds",
				Help:    "Storage index operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		AssociationsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pacscore_associations_active",
				Help: "Current number of established DICOM associations",
			},
		),
		AssociationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacscore_associations_total",
				Help: "Total associations by terminal outcome (closed, failed)",
			},
			[]string{"outcome"},
		),
		DIMSEOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacscore_dimse_operations_total",
				Help: "Total DIMSE operations by command and status",
			},
			[]string{"command", "status"},
		),
		HealthyStages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pacscore_pipeline_healthy_stages",
				Help: "Number of pipeline stages currently reporting healthy",
			},
		),
	}

	reg.MustRegister(
		m.StageDuration,
		m.StageQueued,
		m.StageDropped,
		m.StorageOpsTotal,
		m.StorageOpsDuration,
		m.AssociationsActive,
		m.AssociationsTotal,
		m.DIMSEOperationsTotal,
		m.HealthyStages,
	)

	return m
}

// RecordStage records one job's processing time at a pipeline stage.
func (m *Metrics) RecordStage(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// SetStageQueued reports a stage's current queue depth.
func (m *Metrics) SetStageQueued(stage string, depth int) {
	if m == nil {
		return
	}
	m.StageQueued.WithLabelValues(stage).Set(float64(depth))
}

// RecordStageDropped records a job rejected by a full stage queue.
func (m *Metrics) RecordStageDropped(stage string) {
	if m == nil {
		return
	}
	m.StageDropped.WithLabelValues(stage).Inc()
}

// RecordStorageOp records one storage index operation's outcome and
// duration.
func (m *Metrics) RecordStorageOp(op, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StorageOpsTotal.WithLabelValues(op, outcome).Inc()
	m.StorageOpsDuration.WithLabelValues(op).Observe(durationSeconds)
}

// SetAssociationsActive reports the current established-association count.
func (m *Metrics) SetAssociationsActive(count int) {
	if m == nil {
		return
	}
	m.AssociationsActive.Set(float64(count))
}

// RecordAssociation records an association reaching a terminal outcome.
func (m *Metrics) RecordAssociation(outcome string) {
	if m == nil {
		return
	}
	m.AssociationsTotal.WithLabelValues(outcome).Inc()
}

// RecordDIMSEOperation records a completed DIMSE operation.
func (m *Metrics) RecordDIMSEOperation(command, status string) {
	if m == nil {
		return
	}
	m.DIMSEOperationsTotal.WithLabelValues(command, status).Inc()
}

// SetHealthyStages reports how many pipeline stages are currently healthy.
func (m *Metrics) SetHealthyStages(count int) {
	if m == nil {
		return
	}
	m.HealthyStages.Set(float64(count))
}
