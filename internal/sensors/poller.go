package sensors

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pollable is anything that can be driven on a fixed interval.
type Pollable interface {
	Poll(ctx context.Context) error
}

// Poller drives one adapter on a ticker. Errors are logged and the loop
// keeps going; a persistently failing source simply stops publishing and
// surfaces downstream as staleness.
type Poller struct {
	name     string
	target   Pollable
	interval time.Duration
	log      zerolog.Logger
}

func NewPoller(name string, target Pollable, interval time.Duration, log zerolog.Logger) *Poller {
	return &Poller{
		name:     name,
		target:   target,
		interval: interval,
		log:      log.With().Str("poller", name).Logger(),
	}
}

// Run polls immediately, then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info().Dur("interval", p.interval).Msg("Poller started")
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	start := time.Now()
	if err := p.target.Poll(pollCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Warn().Err(err).Msg("Poll failed")
		return
	}
	p.log.Debug().Dur("took", time.Since(start)).Msg("Poll complete")
}
