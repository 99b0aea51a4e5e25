package escrow

import (
	"context"
	"log"
	"time"
)

// DueLister finds payments whose escrow deadline has passed.
type DueLister interface {
	DueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Releaser is the release entry point the sweep drives.
type Releaser interface {
	Release(ctx context.Context, params ReleaseParams) (ReleaseResult, error)
}

// Sweeper is the periodic auto-release sweep. Payments past their deadline are
// released with the completion requirement waived.
type Sweeper struct {
	due       DueLister
	releaser  Releaser
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewSweeper(due DueLister, releaser Releaser, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		due:       due,
		releaser:  releaser,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run executes the sweep on a fixed cadence until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			released, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("escrow: sweep failed: %v", err)
				continue
			}
			if released > 0 {
				log.Printf("escrow: sweep auto-released %d payments", released)
			}
		}
	}
}

// Sweep releases every payment past its deadline and returns the number of
// releases it performed. A per-payment failure is logged and skipped; the row
// stays due and the next cycle retries it. Payments released concurrently by
// a manual action count as already handled, not as errors.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	requestIDs, err := s.due.DueForAutoRelease(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, requestID := range requestIDs {
		res, err := s.releaser.Release(ctx, ReleaseParams{
			RequestID:     requestID,
			IsAutoRelease: true,
		})
		if err != nil {
			log.Printf("escrow: auto-release %s failed: %v", requestID, err)
			continue
		}
		if res.AlreadyReleased {
			log.Printf("escrow: auto-release %s already handled", requestID)
			continue
		}
		released++
	}
	return released, nil
}
