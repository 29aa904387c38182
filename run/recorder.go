package run

import (
	"fmt"
	"log/slog"
	"time"

	"keyharvest/domain"
	"keyharvest/store"
)

// maxLogLines bounds the log kept on a run; the oldest lines are dropped.
const maxLogLines = 5000

// storeRecorder writes run progress into the run store.
type storeRecorder struct {
	store store.RunStore
	runID string
	log   *slog.Logger
	now   func() time.Time
}

func newStoreRecorder(st store.RunStore, runID string, logger *slog.Logger) *storeRecorder {
	return &storeRecorder{store: st, runID: runID, log: logger, now: time.Now}
}

func (r *storeRecorder) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s", r.now().Format("15:04:05"), msg)
	r.update(func(run *domain.Run) {
		run.Log = append(run.Log, line)
		if n := len(run.Log) - maxLogLines; n > 0 {
			run.Log = append([]string(nil), run.Log[n:]...)
		}
	})
	r.log.Debug("run log", "run_id", r.runID, "msg", msg)
}

func (r *storeRecorder) Pages(pages, harvested int) {
	r.update(func(run *domain.Run) {
		run.Pages = pages
		run.Harvested = harvested
	})
}

func (r *storeRecorder) Matched(n int) {
	r.update(func(run *domain.Run) {
		run.Matched = n
		run.Total = n
	})
}

func (r *storeRecorder) Progress(processed, total int) {
	r.update(func(run *domain.Run) {
		run.Processed = processed
		run.Total = total
	})
}

func (r *storeRecorder) AddKeys(keys []domain.ExtractedKey) {
	r.update(func(run *domain.Run) {
		run.Keys = append(run.Keys, keys...)
	})
}

func (r *storeRecorder) update(fn func(run *domain.Run)) {
	if _, _, err := r.store.Update(r.runID, fn); err != nil {
		r.log.Warn("run store update failed", "run_id", r.runID, "err", err)
	}
}
