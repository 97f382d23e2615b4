package agentsession

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

const DefaultJanitorSchedule = "@every 15s"

// StartJanitor runs Sweep on the given cron schedule until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, schedule string, onSweep func(expired, purged int)) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		expired, purged, err := r.Sweep(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("agent session sweep failed")
			return
		}
		if onSweep != nil && (expired > 0 || purged > 0) {
			onSweep(expired, purged)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	c.Start()
	r.logger.Info().Str("schedule", schedule).Dur("pending_ttl", r.pendingTTL).Msg("agent session janitor started")

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
