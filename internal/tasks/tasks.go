// Package tasks runs the background loops that keep linked brokerage
// accounts fresh: one loop re-syncs holdings, the other rotates
// session tokens before they expire.
//
// Both loops claim work with skip-locked reads inside one transaction
// per pass, so replicas partition the connection set between
// themselves without any other coordination.
package tasks

import (
	"context"
	"time"
)

// Warmup delays before each loop's first pass. Holdings wait long
// enough that a freshly deployed fleet does not hammer the brokerage;
// token refresh starts almost immediately because expired tokens make
// every other feature useless.
const (
	HoldingsWarmup      = 12 * time.Hour
	RefreshTokensWarmup = 10 * time.Second
)

// Metric label values for per-connection outcomes.
const (
	taskHoldings      = "get_holdings"
	taskRefreshTokens = "refresh_tokens"

	outcomeSynced      = "synced"
	outcomeRefreshed   = "refreshed"
	outcomeDeactivated = "deactivated"
	outcomeFailed      = "failed"
)

// sleep waits d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
