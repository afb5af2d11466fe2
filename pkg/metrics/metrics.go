// Package metrics holds the pipeline counters exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "razzler"

// Result label values.
const (
	ResultOK       = "ok"
	ResultDropped  = "dropped"
	ResultError    = "error"
	ResultIgnored  = "ignored"
	ResultRejected = "rejected"
)

var (
	ConsumerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_events_total",
		Help:      "Gateway events seen by consumers, by outcome.",
	}, []string{"result"})

	BrainMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "brain_messages_total",
		Help:      "Incoming messages processed by the dispatcher, by outcome.",
	}, []string{"result"})

	HandlerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handler_runs_total",
		Help:      "Command handler invocations, by handler and outcome.",
	}, []string{"handler", "result"})

	ProducerDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "producer_deliveries_total",
		Help:      "Outbound records delivered to the gateway, by kind and outcome.",
	}, []string{"kind", "result"})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Result maps an error to ResultOK or ResultError.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
