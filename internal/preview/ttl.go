package preview

import (
	"context"
	"strconv"
	"time"
)

// StartSweep periodically stops deployments that have been up longer than
// the TTL, keeping abandoned previews from pinning ports forever.
func (s *Service) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepExpired(ctx)
			}
		}
	}()
}

func (s *Service) sweepExpired(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.ttl)
	for _, view := range s.List() {
		if view.Status != StatusRunning {
			continue
		}
		deployedAt := view.Meta.DeployedAt
		if deployedAt.IsZero() || deployedAt.After(cutoff) {
			continue
		}
		s.logf("preview expired", map[string]string{
			"team":   view.TeamID,
			"branch": view.Branch,
			"port":   strconv.Itoa(view.Port),
			"age":    s.clock.Now().Sub(deployedAt).String(),
		})
		_ = s.StopPreview(ctx, view.TeamID, view.Branch)
	}
}
