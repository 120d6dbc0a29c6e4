// Package metrics provides internal metrics collection. This package is
// internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector holds the protocol-level Prometheus instruments.
type Collector struct {
	messagesTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	budgetDenials    *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates and registers the instruments on reg. Passing a
// fresh prometheus.NewRegistry in tests avoids global-registry collisions.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promautoWith(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.messagesTotal = factory.counterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Total messages handled, by type and terminal status",
	}, []string{"type", "status"})

	c.dispatchDuration = factory.histogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Worker dispatch duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task_prefix"})

	c.budgetDenials = factory.counterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "budget_denials_total",
		Help:      "Budget manager denials by structured reason",
	}, []string{"reason"})

	c.retriesTotal = factory.counterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_retries_total",
		Help:      "Dispatch retries by error kind",
	}, []string{"error_kind"})

	c.queueDepth = factory.gaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inbound_queue_depth",
		Help:      "Current supervisor inbound queue depth",
	}, []string{"supervisor"})

	return c
}

// factory wraps a registerer so instrument construction stays one-liners.
type factory struct{ reg prometheus.Registerer }

func promautoWith(reg prometheus.Registerer) factory { return factory{reg: reg} }

func (f factory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(v)
	return v
}

func (f factory) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(v)
	return v
}

func (f factory) gaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(opts, labels)
	f.reg.MustRegister(v)
	return v
}

// ObserveMessage counts one handled message.
func (c *Collector) ObserveMessage(msgType, status string) {
	c.messagesTotal.WithLabelValues(msgType, status).Inc()
}

// ObserveDispatch records one worker dispatch.
func (c *Collector) ObserveDispatch(taskPrefix string, d time.Duration) {
	c.dispatchDuration.WithLabelValues(taskPrefix).Observe(d.Seconds())
}

// ObserveDenial counts one budget denial.
func (c *Collector) ObserveDenial(reason string) {
	c.budgetDenials.WithLabelValues(reason).Inc()
}

// ObserveRetry counts one dispatch retry.
func (c *Collector) ObserveRetry(errorKind string) {
	c.retriesTotal.WithLabelValues(errorKind).Inc()
}

// SetQueueDepth reports the current inbound queue depth.
func (c *Collector) SetQueueDepth(supervisor string, depth int) {
	c.queueDepth.WithLabelValues(supervisor).Set(float64(depth))
}
