package quota

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/elyse-undan/lys-bot/pkg/logger"
)

// RunPruner drops stale usage records whenever expr (a cron expression such
// as "@daily") is due. It checks once a minute until ctx is done.
func RunPruner(ctx context.Context, t *Tracker, expr string) error {
	gx := gronx.New()
	if !gx.IsValid(expr) {
		return &InvalidScheduleError{Expr: expr}
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case tick := <-ticker.C:
			due, err := gx.IsDue(expr, tick.UTC().Truncate(time.Minute))
			if err != nil || !due {
				continue
			}
			if n := t.Prune(tick); n > 0 {
				logger.InfoCF("quota", "Pruned stale usage records", map[string]any{"removed": n})
			}
		}
	}
}

// NextPrune returns when expr next fires after ref.
func NextPrune(expr string, ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, ref.UTC(), false)
}

type InvalidScheduleError struct {
	Expr string
}

func (e *InvalidScheduleError) Error() string {
	return "invalid usage prune schedule: " + e.Expr
}
