package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record results used as the "result" label of RecordsTotal.
const (
	ResultFetched     = "fetched"
	ResultDecodeError = "decode_error"
	ResultLate        = "late"
	ResultWritten     = "written"
)

// Metrics holds the ingestion Prometheus metrics.
type Metrics struct {
	RecordsTotal    *prometheus.CounterVec
	BatchesTotal    *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	DLQTotal        *prometheus.CounterVec
	PartitionsTotal *prometheus.CounterVec
	BytesWritten    *prometheus.CounterVec
	Watermark       *prometheus.GaugeVec
	CommittedOffset *prometheus.GaugeVec
	PipelineStatus  *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cityingest_records_total",
			Help: "Records seen per stream by result.",
		}, []string{"stream", "result"}),

		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cityingest_batches_total",
			Help: "Committed batches per stream.",
		}, []string{"stream"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cityingest_stage_duration_seconds",
			Help:    "Time spent per pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream", "stage"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cityingest_retries_total",
			Help: "Retried operations per stream.",
		}, []string{"stream", "operation"}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cityingest_dlq_total",
			Help: "Undecodable records forwarded to the dead-letter topic.",
		}, []string{"stream", "outcome"}),

		PartitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cityingest_partitions_published_total",
			Help: "Output partitions published.",
		}, []string{"stream"}),

		BytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cityingest_bytes_written_total",
			Help: "Bytes published to the object store.",
		}, []string{"stream"}),

		Watermark: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cityingest_watermark_seconds",
			Help: "Committed watermark as unix seconds.",
		}, []string{"stream"}),

		CommittedOffset: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cityingest_committed_offset",
			Help: "Last committed offset per partition.",
		}, []string{"stream", "partition"}),

		PipelineStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cityingest_pipeline_status",
			Help: "1 for the pipeline's current status, 0 otherwise.",
		}, []string{"stream", "status"}),
	}
}

// SetStatus marks current as the only active status of stream.
func (m *Metrics) SetStatus(stream, current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.PipelineStatus.WithLabelValues(stream, s).Set(v)
	}
}
