// Package metrics exposes Prometheus counters for ledger operations and balance notifications.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const namespace = "creditgate"

// Collector implements ledger.OperationLogger and notify.DeliveryObserver.
type Collector struct {
	registry         *prometheus.Registry
	operations       *prometheus.CounterVec
	debitedCredits   prometheus.Counter
	grantedCredits   prometheus.Counter
	retryAttempts    prometheus.Histogram
	notifyFailures   prometheus.Counter
	notifyDeliveries *prometheus.CounterVec
}

// NewCollector registers every metric on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by operation, status and error kind.",
		}, []string{"operation", "status", "kind"}),
		debitedCredits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_debited_total",
			Help:      "Credits debited by committed purchases.",
		}),
		grantedCredits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_granted_total",
			Help:      "Credits added by committed grants.",
		}),
		retryAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_attempts",
			Help:      "Store attempts needed per state-changing operation.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}),
		notifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_publish_failures_total",
			Help:      "Balance updates that could not be handed to the notifier bus.",
		}),
		notifyDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_deliveries_total",
			Help:      "Local subscriber deliveries; dropped marks a lagging subscriber losing its oldest update.",
		}, []string{"outcome"}),
	}
}

// LogOperation counts one finished operation.
func (collector *Collector) LogOperation(_ context.Context, entry ledger.OperationLog) {
	collector.operations.WithLabelValues(entry.Operation, entry.Status, string(ledger.KindOf(entry.Error))).Inc()
	if entry.Attempts > 0 {
		collector.retryAttempts.Observe(float64(entry.Attempts))
	}
	if entry.NotifyError != nil {
		collector.notifyFailures.Inc()
	}
	if entry.Error != nil || entry.Status != ledger.StatusOK {
		return
	}
	switch entry.Operation {
	case ledger.OperationPurchase:
		collector.debitedCredits.Add(float64(entry.Amount))
	case ledger.OperationGrant:
		collector.grantedCredits.Add(float64(entry.Amount))
	}
}

// ObserveDelivery counts one subscriber delivery.
func (collector *Collector) ObserveDelivery(dropped bool) {
	outcome := "delivered"
	if dropped {
		outcome = "dropped"
	}
	collector.notifyDeliveries.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (collector *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(collector.registry, promhttp.HandlerOpts{})
}
