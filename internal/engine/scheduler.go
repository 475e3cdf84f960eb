package engine

import (
	"context"
	"log"
	"time"
)

// RunScheduler drives Tick on the configured interval until the context is
// cancelled. A failed tick is logged and abandoned; the next tick starts
// from a clean read of the store.
func RunScheduler(ctx context.Context, e Engine) {
	interval := time.Duration(e.Config.Scheduler.IntervalSeconds) * time.Second
	log.Printf("scheduler: ticking every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: stopped")
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				log.Printf("scheduler: tick failed: %v", err)
			}
		}
	}
}
