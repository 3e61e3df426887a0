package hook

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"taskq/internal/domain"
	"taskq/internal/ports"
)

// Metrics counts outcomes per queue.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

// NewMetrics registers the outcome counter with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskq_task_outcomes_total",
			Help: "Total number of task attempts by queue and outcome.",
		},
		[]string{"queue", "outcome"},
	)
	if err := reg.Register(outcomes); err != nil {
		return nil, err
	}
	return &Metrics{outcomes: outcomes}, nil
}

// For returns a hook that counts outcomes of queue.
func (m *Metrics) For(queue string) ports.Hook {
	// Pre-initialize label combinations so they appear in /metrics.
	for _, o := range []domain.Outcome{domain.OutcomeSucceeded, domain.OutcomeRetrying, domain.OutcomeDead} {
		m.outcomes.WithLabelValues(queue, o.String())
	}
	return queueMetrics{m: m, queue: queue}
}

type queueMetrics struct {
	m     *Metrics
	queue string
}

func (q queueMetrics) Notify(_ context.Context, outcome domain.Outcome, _, _, _ string) error {
	q.m.outcomes.WithLabelValues(q.queue, outcome.String()).Inc()
	return nil
}
