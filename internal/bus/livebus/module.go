package livebus

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/coachpo/livebus/config"
	"github.com/coachpo/livebus/internal/observability"
)

// Module provides a *Bus to an fx application and shuts it down on stop.
func Module() fx.Option {
	return fx.Module("livebus",
		fx.Provide(provideBus),
	)
}

// ModuleInput lists the optional dependencies of the bus.
type ModuleInput struct {
	fx.In
	LC             fx.Lifecycle
	Config         *config.BusConfig    `optional:"true"`
	Logger         observability.Logger `optional:"true"`
	MeterProvider  metric.MeterProvider `optional:"true"`
	TracerProvider trace.TracerProvider `optional:"true"`
}

func provideBus(in ModuleInput) (*Bus, error) {
	cfg := config.Default()
	if in.Config != nil {
		cfg = in.Config.Clone()
	}
	var opts []Option
	if in.Logger != nil {
		opts = append(opts, WithLogger(in.Logger))
	}
	if in.MeterProvider != nil {
		opts = append(opts, WithMeterProvider(in.MeterProvider))
	}
	if in.TracerProvider != nil {
		opts = append(opts, WithTracerProvider(in.TracerProvider))
	}
	bus, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	in.LC.Append(fx.Hook{
		OnStop: bus.Shutdown,
	})
	return bus, nil
}
