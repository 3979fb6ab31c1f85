package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/igtexd/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_retention.go -package=mocks github.com/mattjoyce/igtexd/internal/scheduler Sweeper,Forgetter

// Sweeper removes workspace directories idle for longer than olderThan.
type Sweeper interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (workspace.CleanupReport, error)
}

// Forgetter drops journal rows last updated before cutoff.
type Forgetter interface {
	Forget(ctx context.Context, cutoff time.Time) (int64, error)
}
