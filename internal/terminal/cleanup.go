package terminal

import (
	"context"
	"strconv"
	"time"
)

const defaultCleanupInterval = 30 * time.Second

// StartCleanup runs the dead-session sweep on a fixed interval until the
// context is cancelled.
func (m *Manager) StartCleanup(ctx context.Context) {
	interval := m.cleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := m.Cleanup(ctx); removed > 0 {
					m.logf("cleanup sweep", map[string]string{
						"removed": strconv.Itoa(removed),
					})
				}
			}
		}
	}()
}
