package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all daemon metric instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	ModelDuration    metric.Float64Histogram
	RoundsTotal      metric.Int64Counter
	TokensUsed       metric.Int64Counter
	SpendUSD         metric.Float64Counter
	DedupRejects     metric.Int64Counter
	BreakerTrips     metric.Int64Counter
	FallbackSwitches metric.Int64Counter
	ActiveWorkers    metric.Int64UpDownCounter
	MailboxMessages  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("ouroboros.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelDuration, err = meter.Float64Histogram("ouroboros.model.duration",
		metric.WithDescription("Model API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RoundsTotal, err = meter.Int64Counter("ouroboros.task.rounds",
		metric.WithDescription("Total execution rounds across all tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("ouroboros.model.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.SpendUSD, err = meter.Float64Counter("ouroboros.budget.spend",
		metric.WithDescription("Committed spend in USD"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return nil, err
	}

	m.DedupRejects, err = meter.Int64Counter("ouroboros.dedup.rejects",
		metric.WithDescription("Submissions rejected as near-duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("ouroboros.breaker.trips",
		metric.WithDescription("Task-type circuit breaker trips"),
	)
	if err != nil {
		return nil, err
	}

	m.FallbackSwitches, err = meter.Int64Counter("ouroboros.model.fallbacks",
		metric.WithDescription("Model identity fallback substitutions"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("ouroboros.workers.active",
		metric.WithDescription("Workers currently executing a task"),
	)
	if err != nil {
		return nil, err
	}

	m.MailboxMessages, err = meter.Int64Counter("ouroboros.mailbox.messages",
		metric.WithDescription("Mailbox messages delivered to workers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
