package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/metrics"
)

// Monitor sweeps the registry on a fixed interval. A connection that failed
// to answer the previous probe is force-unregistered, which triggers the
// same cleanup cascade as an explicit disconnect. This bounds zombie
// memberships in every manager to one interval.
type Monitor struct {
	log      *zerolog.Logger
	registry *Registry
	interval time.Duration
}

// NewMonitor builds a liveness monitor over the given registry.
func NewMonitor(registry *Registry, interval time.Duration, logger *zerolog.Logger) *Monitor {
	return &Monitor{
		log:      logger,
		registry: registry,
		interval: interval,
	}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	m.registry.ForEach(func(c *Conn) {
		if !c.Alive() {
			m.log.Warn().Str("handle", c.Handle()).Msg("liveness probe missed, reclaiming connection")
			metrics.LivenessEvictions.Inc()
			m.registry.Unregister(c.Handle())
			return
		}

		// Mark unanswered; the probe flips it back on success before the
		// next sweep.
		c.SetAlive(false)
		go m.probe(ctx, c)
	})
}

func (m *Monitor) probe(ctx context.Context, c *Conn) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval/2)
	defer cancel()

	if err := c.Ping(probeCtx); err != nil {
		m.log.Debug().Err(err).Str("handle", c.Handle()).Msg("liveness probe failed")
		return
	}
	c.SetAlive(true)
}
