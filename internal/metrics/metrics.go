// Registers:
//
//	#bookstream_reader_* per-source ingestion counters
//	#bookstream_bus_* fan-out counters
//	#bookstream_sessions_active and #bookstream_summaries_sent_total
//	#bookstream_kafka_* relay counters
//	#bookstream_archive_* parquet upload counters
//	#go_* and process_* system metrics
//
// on a dedicated registry served by Handler and gathered by the CloudWatch publisher.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookstream"

var (
	once sync.Once

	// Registry holds every bookstream collector.
	Registry = prometheus.NewRegistry()

	ReaderMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reader_messages_total",
		Help:      "Raw frames received from an upstream feed",
	}, []string{"source"})

	ReaderPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reader_published_total",
		Help:      "Book updates published to the bus",
	}, []string{"source"})

	ReaderDecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reader_decode_errors_total",
		Help:      "Frames skipped because they failed to decode",
	}, []string{"source"})

	ReaderPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reader_publish_failures_total",
		Help:      "Book updates that reached no subscriber",
	}, []string{"source"})

	ReaderRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reader_restarts_total",
		Help:      "Reader restarts performed by the supervisor",
	}, []string{"source"})

	ReaderUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reader_up",
		Help:      "1 while the feed connection is established",
	}, []string{"source"})

	BusPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_published_total",
		Help:      "Events fanned out to at least one subscriber",
	})

	BusDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_dropped_total",
		Help:      "Events evicted from a lagging subscriber queue",
	})

	BusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bus_subscribers",
		Help:      "Current bus subscribers",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Aggregation sessions currently running",
	})

	SummariesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "summaries_sent_total",
		Help:      "Summaries handed to an outbound sink",
	}, []string{"sink"})

	KafkaWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kafka_writes_total",
		Help:      "Summaries written to Kafka",
	})

	KafkaErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kafka_errors_total",
		Help:      "Failed Kafka writes",
	})

	ArchiveUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archive_uploads_total",
		Help:      "Parquet archive uploads by result",
	}, []string{"result"})

	ArchiveRows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archive_rows_total",
		Help:      "Level rows written to uploaded archive files",
	})
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		Registry.MustRegister(
			ReaderMessages,
			ReaderPublished,
			ReaderDecodeErrors,
			ReaderPublishFailures,
			ReaderRestarts,
			ReaderUp,
			BusPublished,
			BusDropped,
			BusSubscribers,
			SessionsActive,
			SummariesSent,
			KafkaWrites,
			KafkaErrors,
			ArchiveUploads,
			ArchiveRows,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
