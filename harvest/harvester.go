// Package harvest pages through a seller's closed orders and filters them by
// listing name.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"keyharvest/domain"
	"keyharvest/funpay"
	"keyharvest/obs"
)

// SellsLister is the part of the account client the harvester needs.
type SellsLister interface {
	ListSells(ctx context.Context, q funpay.SellsQuery) (string, []domain.OrderSummary, error)
}

type StopReason string

const (
	StopExhausted  StopReason = "exhausted"   // empty batch
	StopEndOfList  StopReason = "end_of_list" // no next cursor
	StopPageLimit  StopReason = "page_limit"
	StopCancelled  StopReason = "cancelled"
	StopError      StopReason = "error"
	StopRetryLimit StopReason = "retry_limit"
)

type Options struct {
	CategoryID int
	PageLimit  int // 0 = unlimited
	MinDelay   time.Duration
	MaxDelay   time.Duration
	// MaxPageRetries bounds consecutive transient failures on one page.
	// 0 keeps retrying until the page succeeds or the run is stopped.
	MaxPageRetries int

	// Logf receives human-readable progress lines. Optional.
	Logf func(format string, args ...any)
	// OnPage is called after every successful page with the running totals.
	OnPage func(pages, orders int)
}

func (o *Options) validate() error {
	if o.MinDelay < 0 || o.MaxDelay < 0 {
		return domain.Invalid("delay", "must not be negative")
	}
	if o.MaxDelay < o.MinDelay {
		return domain.Invalid("max_delay_sec", "must be >= min_delay_sec")
	}
	if o.PageLimit < 0 {
		return domain.Invalid("page_limit", "must not be negative")
	}
	return nil
}

func (o *Options) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

type Result struct {
	Orders []domain.OrderSummary
	Pages  int
	Stop   StopReason
}

type Harvester struct {
	lister SellsLister
	log    *slog.Logger

	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

func New(lister SellsLister, logger *slog.Logger) *Harvester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{
		lister:    lister,
		log:       logger,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
}

// Harvest fetches closed orders page by page until the list ends, the page
// limit is hit, the run is stopped or a non-transient error occurs. The
// orders collected so far are returned in every case; err is set only when
// the harvest was aborted by a failure.
func (h *Harvester) Harvest(ctx context.Context, ctl *Control, opts Options) (Result, error) {
	var res Result
	if err := opts.validate(); err != nil {
		res.Stop = StopError
		return res, err
	}

	cursor := ""
	retries := 0
	for {
		if !ctl.WaitWhilePaused(ctx) {
			if ctl.Cancelled() {
				res.Stop = StopCancelled
				opts.logf("Harvest stopped after %d pages", res.Pages)
				return res, nil
			}
			res.Stop = StopError
			return res, ctx.Err()
		}

		opts.logf("Loading page %d...", res.Pages+1)
		next, batch, err := h.lister.ListSells(ctx, funpay.SellsQuery{
			Cursor:     cursor,
			CategoryID: opts.CategoryID,
			State:      "closed",
		})
		if err != nil {
			if !funpay.IsRequestFailed(err) {
				obs.RecordPage("error")
				res.Stop = StopError
				opts.logf("Unexpected error on page %d: %v", res.Pages+1, err)
				h.log.Warn("harvest aborted", "page", res.Pages+1, "err", err)
				return res, fmt.Errorf("list sells (page %d): %w", res.Pages+1, err)
			}
			obs.RecordPage("retry")
			retries++
			if opts.MaxPageRetries > 0 && retries > opts.MaxPageRetries {
				res.Stop = StopRetryLimit
				opts.logf("Giving up on page %d after %d failed attempts", res.Pages+1, retries)
				return res, fmt.Errorf("list sells (page %d): %w", res.Pages+1, err)
			}
			wait := 2 * opts.MinDelay
			opts.logf("Request failed on page %d: %v", res.Pages+1, err)
			opts.logf("Backing off for %s and retrying", wait)
			h.log.Info("page request failed, retrying", "page", res.Pages+1, "attempt", retries, "wait", wait, "err", err)
			if err := h.sleep(ctx, wait); err != nil {
				res.Stop = StopError
				return res, err
			}
			continue
		}
		retries = 0
		obs.RecordPage("ok")

		if len(batch) == 0 {
			res.Stop = StopExhausted
			opts.logf("No more orders found")
			return res, nil
		}
		res.Orders = append(res.Orders, batch...)
		res.Pages++
		opts.logf("Loaded %d orders (total: %d)", len(batch), len(res.Orders))
		if opts.OnPage != nil {
			opts.OnPage(res.Pages, len(res.Orders))
		}

		if next == "" {
			res.Stop = StopEndOfList
			opts.logf("Reached the end of the order list")
			return res, nil
		}
		if opts.PageLimit > 0 && res.Pages >= opts.PageLimit {
			res.Stop = StopPageLimit
			opts.logf("Page limit reached (%d)", opts.PageLimit)
			return res, nil
		}
		cursor = next

		wait := h.delay(opts.MinDelay, opts.MaxDelay)
		opts.logf("Waiting %.1f s...", wait.Seconds())
		if err := h.sleep(ctx, wait); err != nil {
			res.Stop = StopError
			return res, err
		}
	}
}

// delay draws uniformly from [lo, hi].
func (h *Harvester) delay(lo, hi time.Duration) time.Duration {
	return RandomDelay(lo, hi, h.randFloat)
}

// RandomDelay maps f() in [0,1) onto [lo, hi].
func RandomDelay(lo, hi time.Duration, f func() float64) time.Duration {
	if hi <= lo {
		return lo
	}
	if f == nil {
		f = rand.Float64
	}
	return lo + time.Duration(f()*float64(hi-lo))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sleep waits for d unless ctx ends first. Stopping a run does not shorten it.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleepCtx(ctx, d)
}
