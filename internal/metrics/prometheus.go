package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "cx_carry_bot"

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
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		OrdersPlaced:         promCounter{newCounter("orders_placed_total", "Total number of leg orders placed.")},
		OrdersFailed:         promCounter{newCounter("orders_failed_total", "Total number of leg order failures.")},
		EntriesCommitted:     promCounter{newCounter("entries_committed_total", "Total number of committed entries.")},
		CompoundsCommitted:   promCounter{newCounter("compounds_committed_total", "Total number of committed compounding tranches.")},
		ClosesCommitted:      promCounter{newCounter("closes_committed_total", "Total number of committed closes.")},
		Rollbacks:            promCounter{newCounter("rollbacks_total", "Total number of compensating orders issued.")},
		CompensationFailures: promCounter{newCounter("compensation_failures_total", "Total number of failed compensating orders.")},
		FundingAccruals:      promCounter{newCounter("funding_accruals_total", "Total number of funding payments accrued.")},
		CircuitBreakerTrips:  promCounter{newCounter("circuit_breaker_trips_total", "Total number of forced exits on negative funding.")},
		ScanCycles:           promCounter{newCounter("scan_cycles_total", "Total number of completed market scans.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
