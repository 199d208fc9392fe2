package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the dispatcher fleet's metric instruments.
type Metrics struct {
	SeatWaitSeconds metric.Float64Histogram
}

// NewMetrics creates the dispatcher's metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	seatWait, err := meter.Float64Histogram("seat_wait_seconds",
		metric.WithDescription("Time a proxy spent waiting for a seat before claimSeat succeeded"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{SeatWaitSeconds: seatWait}, nil
}

// ObserveSeatWait implements dispatcher.MetricsSink.
func (m *Metrics) ObserveSeatWait(specID string, d time.Duration) {
	m.SeatWaitSeconds.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.String("spec_id", specID)),
	)
}
