package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Consumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_msg_mq_consumed_total",
		Help: "Total inbound events handled (including redeliveries).",
	})
	Persisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_msg_persisted_total",
		Help: "Total messages stored for the first time.",
	})
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_msg_duplicates_total",
		Help: "Total inbound events resolved to an already stored message.",
	})
	PersistFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_msg_persist_fail_total",
		Help: "Total persist attempts that failed and were left for redelivery.",
	})
	PersistSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "im_msg_persist_seconds",
		Help:    "Latency of one persist attempt.",
		Buckets: prometheus.DefBuckets,
	})
	DeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_msg_dead_lettered_total",
		Help: "Total events routed to the dead-letter topic, by reason.",
	}, []string{"reason"})

	PublishOK = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_msg_publish_ok_total",
		Help: "Total events published, by topic and path (direct|outbox).",
	}, []string{"topic", "path"})
	PublishFail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_msg_publish_fail_total",
		Help: "Total failed publish attempts, by topic and path.",
	}, []string{"topic", "path"})
	OutboxDue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_msg_outbox_due",
		Help: "Outbox rows fetched by the last relay pass.",
	})
	BreakerOpen = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_msg_breaker_open_total",
		Help: "Total times the publish breaker opened for a topic.",
	}, []string{"topic"})
	BreakerSkip = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_msg_breaker_skip_total",
		Help: "Total direct publishes skipped because the breaker was open (left to the outbox).",
	}, []string{"topic"})

	TTLScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_msg_ttl_scheduled_total",
		Help: "Total expiry triggers registered.",
	})
	TTLExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_msg_ttl_expired_total",
		Help: "Total messages soft-deleted by expiry.",
	})
	TTLRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_msg_ttl_recovered_total",
		Help: "Total overdue messages expired by a recovery or sweep pass.",
	})

	Indexed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_msg_indexed_total",
		Help: "Total search index operations, by op (index|delete) and result.",
	}, []string{"op", "result"})
)

func Register() {
	prometheus.MustRegister(
		Consumed, Persisted, Duplicates, PersistFail, PersistSeconds, DeadLettered,
		PublishOK, PublishFail, OutboxDue, BreakerOpen, BreakerSkip,
		TTLScheduled, TTLExpired, TTLRecovered,
		Indexed,
	)
}
