package livebus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/coachpo/livebus/config"
	"github.com/coachpo/livebus/errs"
	"github.com/coachpo/livebus/internal/observability"
)

func TestModuleProvidesConfiguredBus(t *testing.T) {
	on := true
	cfg := config.Default()
	cfg.Dispatcher.Name = "fx-bus"
	cfg.Defaults.AutoClear = true
	cfg.Channels["session.expired"] = config.ChannelOverride{AlwaysActive: &on}

	var bus *Bus
	app := fxtest.New(t,
		fx.Supply(&cfg),
		fx.Provide(func() observability.Logger { return observability.Nop() }),
		Module(),
		fx.Populate(&bus),
	)
	app.RequireStart()

	require.Equal(t, "fx-bus", bus.Name())
	require.True(t, bus.Config("anything").AutoClear())
	require.True(t, bus.Config("session.expired").AlwaysActive())

	ctx := context.Background()
	var rec recorder[string]
	_, err := Get[string](bus, "k").ObserveForever(ctx, rec.observe)
	require.NoError(t, err)
	require.NoError(t, bus.Post(ctx, "k", "hello"))
	flush(t, bus)
	require.Equal(t, []string{"hello"}, rec.got())

	app.RequireStop()
	err = bus.Post(ctx, "k", "late")
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestModuleUsesDefaultsWithoutConfig(t *testing.T) {
	var bus *Bus
	app := fxtest.New(t,
		fx.Provide(func() observability.Logger { return observability.Nop() }),
		Module(),
		fx.Populate(&bus),
	)
	app.RequireStart()
	require.Equal(t, "livebus", bus.Name())
	require.False(t, bus.Config("k").AutoClear())
	app.RequireStop()
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "xml"
	_, err := New(cfg)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestNewAppliesLoggingSwitch(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Enabled = false
	logger := new(recordingLogger)
	bus, err := New(cfg, WithLogger(logger))
	require.NoError(t, err)
	defer func() { require.NoError(t, bus.Close()) }()

	require.NoError(t, bus.Post(context.Background(), "k", 1))
	flush(t, bus)
	require.Zero(t, logger.count("", ""))
}
