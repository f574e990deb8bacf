package authflow

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRetention keeps expired rows around a little longer so a code
// minted just before its request expired can still find the request.
const DefaultRetention = 5 * time.Minute

// Janitor periodically garbage-collects expired requests and codes.
type Janitor struct {
	repo      Repo
	interval  time.Duration
	retention time.Duration
	nowTime   func() time.Time
}

type JanitorOption func(*Janitor)

func WithRetention(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		j.retention = d
	}
}

func WithJanitorNowTime(nowFunc func() time.Time) JanitorOption {
	return func(j *Janitor) {
		j.nowTime = nowFunc
	}
}

func NewJanitor(repo Repo, interval time.Duration, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		repo:      repo,
		interval:  interval,
		retention: DefaultRetention,
		nowTime:   time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				log.Err(err).Msg("[Janitor] failed to delete expired auth flow records")
			}
		}
	}
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	removed, err := j.repo.DeleteExpired(ctx, j.nowTime().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("[Janitor] removed expired auth flow records")
	}
	return removed, nil
}
