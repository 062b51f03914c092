package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "option_range_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	cycles := counter("cycles_total", "Total number of market cycles run.")
	deposits := counter("deposits_total", "Total number of confirmed range-order deposits.")
	withdrawals := counter("withdrawals_total", "Total number of confirmed range-order withdrawals.")
	settlements := counter("settlements_total", "Total number of confirmed position settlements.")
	annihilations := counter("annihilations_total", "Total number of confirmed annihilations.")
	txRetries := counter("tx_retries_total", "Total number of transaction retry attempts.")
	txFailures := counter("tx_failures_total", "Total number of transactions that exhausted the retry budget.")
	oracleFailures := counter("oracle_failures_total", "Total number of oracle unavailability events.")

	registry.MustRegister(cycles, deposits, withdrawals, settlements, annihilations, txRetries, txFailures, oracleFailures)

	return &Prometheus{
		Metrics: &Metrics{
			CyclesRun:      promCounter{cycles},
			Deposits:       promCounter{deposits},
			Withdrawals:    promCounter{withdrawals},
			Settlements:    promCounter{settlements},
			Annihilations:  promCounter{annihilations},
			TxRetries:      promCounter{txRetries},
			TxFailures:     promCounter{txFailures},
			OracleFailures: promCounter{oracleFailures},
		},
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
