// Package archiver runs the periodic sweep that turns expired rooms into
// object-storage archives.
package archiver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hushroom/hushroom/internal/v1/logging"
)

const defaultBatchSize = 50

// Sweeper archives everything due and reports how many rooms it handled.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

type Archiver struct {
	sweeper  Sweeper
	interval time.Duration
	batch    int
	clock    clock.WithTicker
}

func New(sweeper Sweeper, interval time.Duration, c clock.WithTicker) *Archiver {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Archiver{
		sweeper:  sweeper,
		interval: interval,
		batch:    defaultBatchSize,
		clock:    c,
	}
}

// Run sweeps once immediately, then on every tick until the context dies.
func (a *Archiver) Run(ctx context.Context) {
	logging.Info(ctx, "archiver started", zap.Duration("interval", a.interval))

	a.sweep(ctx)

	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "archiver stopped")
			return
		case <-ticker.C():
			a.sweep(ctx)
		}
	}
}

func (a *Archiver) sweep(ctx context.Context) {
	n, err := a.sweeper.SweepExpired(ctx, a.batch)
	if err != nil {
		logging.Error(ctx, "archive sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logging.Info(ctx, "archive sweep complete", zap.Int("rooms", n))
	}
}
