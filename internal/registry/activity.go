package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/store"
)

// quietHoursMinSamples is how many dispatched commands a user needs before
// quiet-hour detection produces anything.
const quietHoursMinSamples = 100

// quietHoursMinRun is the shortest low-activity stretch worth recording.
const quietHoursMinRun = 4

// bumpActivity records one dispatched command in the owner's hourly
// histogram and refreshes the detected quiet hours. Best-effort; runs off
// the command path.
func (r *Registry) bumpActivity(userID uuid.UUID, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pattern, err := r.store.BumpActivity(ctx, userID, at.UTC().Hour())
	if err != nil {
		r.logger.Warn("bump activity", zap.Error(err))
		return
	}
	start, end, ok := DetectQuietHours(pattern)
	if !ok {
		return
	}
	if err := r.store.SetQuietHours(ctx, userID, start, end); err != nil {
		r.logger.Warn("set quiet hours", zap.Error(err))
	}
}

// DetectQuietHours finds the longest run of hours whose activity falls
// below a quarter of the hourly average, scanning a doubled 48-hour window
// so runs crossing midnight are seen whole. Runs shorter than four hours,
// or histograms with fewer than 100 samples, yield nothing.
func DetectQuietHours(p *store.CustomerActivityPattern) (start, end int, ok bool) {
	total := p.TotalActivity()
	if total < quietHoursMinSamples {
		return 0, 0, false
	}
	threshold := float64(total) / 24 / 4

	bestStart, bestLen := -1, 0
	runStart, runLen := -1, 0
	for i := 0; i < 48; i++ {
		hour := i % 24
		if float64(p.HourlyActivity[hour]) < threshold {
			if runStart < 0 {
				runStart = i
			}
			runLen = i - runStart + 1
			if runLen > bestLen {
				bestStart, bestLen = runStart, runLen
			}
		} else {
			runStart, runLen = -1, 0
		}
	}
	// A fully quiet doubled window means the histogram is degenerate.
	if bestLen > 24 {
		bestLen = 24
	}
	if bestLen < quietHoursMinRun {
		return 0, 0, false
	}
	return bestStart % 24, (bestStart + bestLen - 1) % 24, true
}
