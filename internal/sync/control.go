package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/MiMillieuh/proton-drive-sync/internal/store"
)

// signalPollInterval is how often the control plane checks the signal bus.
const signalPollInterval = time.Second

// ControlPlane polls the cross-process signal bus and gates the executor:
// pause-sync and resume-sync toggle the PAUSED flag (which this component
// exclusively owns as a setter), stop triggers graceful shutdown, and
// refresh-dashboard is forwarded to the refresh hook.
type ControlPlane struct {
	bus    *store.Bus
	logger *slog.Logger

	// refresh is invoked on refresh-dashboard; the engine uses it to tear
	// down and re-register watchman subscriptions after a config reload.
	// May be nil.
	refresh func(ctx context.Context) error
}

// NewControlPlane creates a ControlPlane. refresh may be nil.
func NewControlPlane(bus *store.Bus, refresh func(ctx context.Context) error, logger *slog.Logger) *ControlPlane {
	return &ControlPlane{bus: bus, logger: logger, refresh: refresh}
}

// Run polls the signal bus until the context is canceled or a stop signal is
// consumed. A consumed stop returns errStopRequested so the engine can begin
// graceful shutdown.
func (cp *ControlPlane) Run(ctx context.Context) error {
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stop, err := cp.poll(ctx)
			if err != nil {
				return err
			}

			if stop {
				return errStopRequested
			}
		}
	}
}

// poll consumes at most one of each signal kind per tick.
func (cp *ControlPlane) poll(ctx context.Context) (stop bool, err error) {
	taken, err := cp.bus.ConsumeSignal(ctx, store.SignalPauseSync)
	if err != nil {
		return false, err
	}

	if taken {
		cp.logger.Info("pause requested")

		if err := cp.bus.SetFlag(ctx, store.FlagPaused, ""); err != nil {
			return false, err
		}
	}

	taken, err = cp.bus.ConsumeSignal(ctx, store.SignalResumeSync)
	if err != nil {
		return false, err
	}

	if taken {
		cp.logger.Info("resume requested")

		if err := cp.bus.ClearFlag(ctx, store.FlagPaused); err != nil {
			return false, err
		}
	}

	taken, err = cp.bus.ConsumeSignal(ctx, store.SignalRefreshDashboard)
	if err != nil {
		return false, err
	}

	if taken {
		cp.logger.Info("refresh requested")

		if cp.refresh != nil {
			if err := cp.refresh(ctx); err != nil {
				cp.logger.Error("refresh failed", slog.String("error", err.Error()))
			}
		}
	}

	taken, err = cp.bus.ConsumeSignal(ctx, store.SignalStop)
	if err != nil {
		return false, err
	}

	if taken {
		cp.logger.Info("stop requested")
		return true, nil
	}

	return false, nil
}
