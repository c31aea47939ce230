package its

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/tinyrange/vits/internal/devices/arm64/its"

type itsMetrics struct {
	commands metric.Int64Counter
	msis     metric.Int64Counter
	stalls   metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*itsMetrics, error) {
	meter := mp.Meter(meterName)

	commands, err := meter.Int64Counter("vits.its.commands",
		metric.WithDescription("commands executed from the command queue"))
	if err != nil {
		return nil, err
	}
	msis, err := meter.Int64Counter("vits.its.msis",
		metric.WithDescription("MSIs received, by whether they were translated"))
	if err != nil {
		return nil, err
	}
	stalls, err := meter.Int64Counter("vits.its.stalls",
		metric.WithDescription("command queue stalls on guest memory faults"))
	if err != nil {
		return nil, err
	}
	return &itsMetrics{commands: commands, msis: msis, stalls: stalls}, nil
}

func (m *itsMetrics) recordCommand(op Opcode, completion Completion) {
	m.commands.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", op.String()),
		attribute.String("completion", completion.String()),
	))
}

func (m *itsMetrics) recordMSI(delivered bool) {
	m.msis.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("delivered", delivered),
	))
}

func (m *itsMetrics) recordStall() {
	m.stalls.Add(context.Background(), 1)
}
