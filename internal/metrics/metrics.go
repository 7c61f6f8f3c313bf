package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Recorder is the fire-and-forget metrics sink used by the pipeline.
type Recorder interface {
	Enqueued(channel string)
	Delivered(channel string, took time.Duration)
	DeliveryFailed(channel, category string, took time.Duration)
	PermanentlyFailed(channel string)
	MalformedMessage(source string)
}

type Prometheus struct {
	enqueued   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	permanent  *prometheus.CounterVec
	malformed  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulserelay_notifications_enqueued_total",
				Help: "Total notifications durably queued",
			},
			[]string{"channel"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulserelay_deliveries_total",
				Help: "Total delivery attempts by outcome",
			},
			[]string{"channel", "outcome"},
		),
		permanent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulserelay_permanent_failures_total",
				Help: "Total entries marked permanently failed",
			},
			[]string{"channel"},
		),
		malformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulserelay_malformed_messages_total",
				Help: "Total escalation messages that could not be parsed",
			},
			[]string{"source"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulserelay_delivery_duration_seconds",
				Help:    "Provider send latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
	}

	reg.MustRegister(p.enqueued, p.deliveries, p.permanent, p.malformed, p.duration)
	return p
}

func (p *Prometheus) Enqueued(channel string) {
	p.enqueued.WithLabelValues(channel).Inc()
}

func (p *Prometheus) Delivered(channel string, took time.Duration) {
	p.deliveries.WithLabelValues(channel, "sent").Inc()
	p.duration.WithLabelValues(channel).Observe(took.Seconds())
}

func (p *Prometheus) DeliveryFailed(channel, category string, took time.Duration) {
	p.deliveries.WithLabelValues(channel, "failed_"+category).Inc()
	p.duration.WithLabelValues(channel).Observe(took.Seconds())
}

func (p *Prometheus) PermanentlyFailed(channel string) {
	p.permanent.WithLabelValues(channel).Inc()
}

func (p *Prometheus) MalformedMessage(source string) {
	p.malformed.WithLabelValues(source).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Enqueued(string)                              {}
func (Nop) Delivered(string, time.Duration)              {}
func (Nop) DeliveryFailed(string, string, time.Duration) {}
func (Nop) PermanentlyFailed(string)                     {}
func (Nop) MalformedMessage(string)                      {}

// Safe wraps a recorder so that a failing sink is logged and never
// interrupts the caller.
func Safe(r Recorder, logger *zap.Logger) Recorder {
	if r == nil {
		r = Nop{}
	}
	return &safe{next: r, logger: logger}
}

type safe struct {
	next   Recorder
	logger *zap.Logger
}

func (s *safe) guard(metric string) {
	if rec := recover(); rec != nil {
		s.logger.Warn("metrics sink failed", zap.String("metric", metric), zap.Any("panic", rec))
	}
}

func (s *safe) Enqueued(channel string) {
	defer s.guard("enqueued")
	s.next.Enqueued(channel)
}

func (s *safe) Delivered(channel string, took time.Duration) {
	defer s.guard("delivered")
	s.next.Delivered(channel, took)
}

func (s *safe) DeliveryFailed(channel, category string, took time.Duration) {
	defer s.guard("delivery_failed")
	s.next.DeliveryFailed(channel, category, took)
}

func (s *safe) PermanentlyFailed(channel string) {
	defer s.guard("permanently_failed")
	s.next.PermanentlyFailed(channel)
}

func (s *safe) MalformedMessage(source string) {
	defer s.guard("malformed_message")
	s.next.MalformedMessage(source)
}
