package persist

import (
	"context"
	"log/slog"
	"time"

	"audioleds/internal/dirty"
	"audioleds/internal/kvstore"
	"audioleds/internal/metrics"
	"audioleds/internal/state"
)

// Coordinator writes changed state categories back to the store. It wakes
// only when the device signal has pending categories and commits once per
// wake, so a burst of changes to one category costs one write.
type Coordinator struct {
	dev     *state.Device
	store   kvstore.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	// MinInterval spaces consecutive wakes; changes arriving in between
	// are folded into the next wake.
	MinInterval time.Duration
}

func NewCoordinator(dev *state.Device, store kvstore.Store, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		dev:     dev,
		store:   store,
		logger:  logger.With("component", "persist"),
		metrics: m,
	}
}

// Run loops until ctx is canceled, then flushes whatever is still pending.
func (c *Coordinator) Run(ctx context.Context) error {
	sig := c.dev.Signal()
	c.logger.Info("persistence coordinator starting", "min_interval", c.MinInterval)

	for {
		cats, err := sig.Wait(ctx)
		if err != nil {
			if rest := sig.Drain(); rest != 0 {
				c.Flush(rest)
			}
			c.logger.Info("persistence coordinator stopping")
			return nil
		}
		c.Flush(cats)

		if c.MinInterval > 0 {
			t := time.NewTimer(c.MinInterval)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
}

// Flush writes one record per category in cats from a single snapshot,
// then commits. Failures are logged and not retried; the next change to the
// same category writes it again.
func (c *Coordinator) Flush(cats dirty.Category) {
	if cats == 0 {
		return
	}
	c.metrics.PersistWake()
	snap := c.dev.Snapshot()

	if cats&(dirty.Color|dirty.Mode) != 0 {
		c.write(KeyColorMode, EncodeColorMode(snap.Color, snap.Mode))
	}
	if cats&dirty.Name != 0 {
		c.write(KeyRoom, []byte(snap.Room))
	}
	if cats&dirty.Thresholds != 0 {
		c.write(KeyThresholds, EncodeThresholds(snap.Thresholds))
	}

	if err := c.store.Commit(); err != nil {
		c.metrics.PersistFailure("commit")
		c.logger.Error("commit failed", "categories", cats, "error", err)
		return
	}
	c.logger.Debug("state persisted", "categories", cats)
}

func (c *Coordinator) write(key string, value []byte) {
	if err := c.store.Set(key, value); err != nil {
		c.metrics.PersistFailure("set")
		c.logger.Error("write failed", "key", key, "error", err)
		return
	}
	c.metrics.PersistWrite(key)
}
