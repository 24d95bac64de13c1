package session

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RefreshAll proactively re-authenticates every user with stored
// credentials. One user's failure is logged and skipped; it never aborts the
// pass or surfaces to other users. Driven by cron on a fixed interval.
func (m *Manager) RefreshAll(ctx context.Context, parallel int) {
	owners, err := m.creds.Owners(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("refresh pass: listing owners failed")
		return
	}
	if parallel < 1 {
		parallel = 1
	}

	var g errgroup.Group
	g.SetLimit(parallel)
	for _, owner := range owners {
		owner := owner
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := m.Refresh(ctx, owner); err != nil {
				m.log.Warn().Str("owner", owner).Err(err).Msg("refresh pass: owner skipped")
			}
			return nil
		})
	}
	_ = g.Wait()
	m.log.Debug().Int("owners", len(owners)).Msg("refresh pass complete")
}
