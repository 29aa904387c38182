// Package run drives one harvesting-and-extraction run and exposes runs over
// HTTP.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"keyharvest/domain"
	"keyharvest/funpay"
	"keyharvest/harvest"
	"keyharvest/keyextract"
	"keyharvest/obs"
)

// Account is the marketplace client surface a run needs.
type Account interface {
	harvest.SellsLister
	GetOrderDetail(ctx context.Context, orderID string) (*domain.OrderDetail, error)
}

// Params are the inputs of one run. Limits of 0 mean unlimited.
type Params struct {
	CategoryID     int
	ListingName    string
	OrderLimit     int
	PageLimit      int
	MinDelay       time.Duration
	MaxDelay       time.Duration
	MaxPageRetries int
}

// Validate reports input problems before any request is made.
func (p Params) Validate() error {
	if p.CategoryID <= 0 {
		return domain.Invalid("category_id", "must be a positive number")
	}
	if strings.TrimSpace(p.ListingName) == "" {
		return domain.Invalid("listing_name", "is required")
	}
	if p.MinDelay < 0 || p.MaxDelay < p.MinDelay {
		return domain.Invalid("delay", "min must be >= 0 and max >= min")
	}
	if p.OrderLimit < 0 || p.PageLimit < 0 || p.MaxPageRetries < 0 {
		return domain.Invalid("limits", "must not be negative")
	}
	return nil
}

// Recorder receives progress from the run goroutine.
type Recorder interface {
	Logf(format string, args ...any)
	Pages(pages, harvested int)
	Matched(n int)
	Progress(processed, total int)
	AddKeys(keys []domain.ExtractedKey)
}

type Summary struct {
	Status    domain.RunStatus
	Pages     int
	Harvested int
	Matched   int
	Processed int
	Total     int
	Keys      []domain.ExtractedKey
	Stats     domain.Stats
	Err       error
}

type Orchestrator struct {
	account   Account
	harvester *harvest.Harvester
	extractor *keyextract.Extractor
	log       *slog.Logger

	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

func NewOrchestrator(acc Account, ext *keyextract.Extractor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if ext == nil {
		ext = keyextract.New(keyextract.Options{})
	}
	return &Orchestrator{
		account:   acc,
		harvester: harvest.New(acc, logger),
		extractor: ext,
		log:       logger,
		sleep:     harvest.Sleep,
		randFloat: rand.Float64,
	}
}

// Execute runs harvest, filter, per-order fetch and extraction. It always
// returns the statistics over whatever was collected, also when the run is
// stopped or fails part way.
func (o *Orchestrator) Execute(ctx context.Context, ctl *harvest.Control, p Params, rec Recorder) (sum Summary) {
	start := time.Now()
	tracer := obs.Tracer("keyharvest/run")
	ctx, span := tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.Int("category_id", p.CategoryID),
		attribute.String("listing_name", p.ListingName),
	))
	defer func() {
		if r := recover(); r != nil {
			sum.Status = domain.RunStatusFailed
			sum.Err = fmt.Errorf("panic: %v", r)
			rec.Logf("Critical error: %v", r)
			o.log.Error("run panicked", "panic", r)
		}
		sum.Stats = domain.ComputeStats(sum.Keys)
		if sum.Err != nil {
			span.RecordError(sum.Err)
			span.SetStatus(codes.Error, sum.Err.Error())
		}
		span.SetAttributes(
			attribute.String("status", string(sum.Status)),
			attribute.Int("keys_total", sum.Stats.Total),
		)
		span.End()
		obs.RecordRun(string(sum.Status), start)
	}()

	if err := p.Validate(); err != nil {
		sum.Status = domain.RunStatusFailed
		sum.Err = err
		return sum
	}

	// 1) harvest
	rec.Logf("Collecting closed orders for category %d", p.CategoryID)
	if p.PageLimit > 0 {
		rec.Logf("Page limit: %d", p.PageLimit)
	}
	if p.OrderLimit > 0 {
		rec.Logf("Order limit: %d", p.OrderLimit)
	}
	hctx, hspan := tracer.Start(ctx, "run.harvest")
	res, err := o.harvester.Harvest(hctx, ctl, harvest.Options{
		CategoryID:     p.CategoryID,
		PageLimit:      p.PageLimit,
		MinDelay:       p.MinDelay,
		MaxDelay:       p.MaxDelay,
		MaxPageRetries: p.MaxPageRetries,
		Logf:           rec.Logf,
		OnPage:         rec.Pages,
	})
	hspan.SetAttributes(attribute.Int("pages", res.Pages), attribute.String("stop", string(res.Stop)))
	hspan.End()
	sum.Pages = res.Pages
	sum.Harvested = len(res.Orders)

	if err != nil {
		switch {
		case funpay.IsUnauthorized(err):
			rec.Logf("Authorization error: check the golden key")
			sum.Status = domain.RunStatusFailed
			sum.Err = err
			return o.finish(sum, rec)
		case ctx.Err() != nil:
			sum.Status = domain.RunStatusFailed
			sum.Err = ctx.Err()
			return o.finish(sum, rec)
		}
		// Anything else ends paging; the orders already collected are still processed.
		o.log.Warn("harvest ended early", "err", err, "pages", res.Pages)
	}
	if ctl.Cancelled() {
		sum.Status = domain.RunStatusCancelled
		return o.finish(sum, rec)
	}

	// 2) filter
	rec.Logf("Filtering orders by listing name...")
	fr := harvest.Filter(res.Orders, p.ListingName, p.OrderLimit, ctl)
	if fr.Cancelled {
		sum.Status = domain.RunStatusCancelled
		return o.finish(sum, rec)
	}
	if fr.LimitReached {
		rec.Logf("Order limit reached: %d", p.OrderLimit)
	}
	targets := fr.Orders
	sum.Matched = len(targets)
	sum.Total = len(targets)
	rec.Matched(len(targets))
	if len(targets) == 0 {
		rec.Logf("No orders match listing %q", p.ListingName)
		sum.Status = domain.RunStatusCompleted
		return o.finish(sum, rec)
	}
	rec.Logf("Found %d matching orders", len(targets))

	// 3) per-order fetch + extraction
	sum.Status = domain.RunStatusCompleted
	for _, order := range targets {
		if !ctl.WaitWhilePaused(ctx) {
			break
		}
		sum.Processed++
		rec.Progress(sum.Processed, sum.Total)
		rec.Logf("Analysing order %s (%d/%d)", order.ID, sum.Processed, sum.Total)

		stop, err := o.processOrder(ctx, tracer, order, p, rec, &sum)
		if err != nil {
			sum.Status = domain.RunStatusFailed
			sum.Err = err
		}
		if stop {
			break
		}
	}
	switch {
	case sum.Err != nil:
	case ctl.Cancelled():
		sum.Status = domain.RunStatusCancelled
	case ctx.Err() != nil:
		sum.Status = domain.RunStatusFailed
		sum.Err = ctx.Err()
	}
	return o.finish(sum, rec)
}

// processOrder handles one target order. stop ends the order loop; err is
// set only for failures that fail the whole run.
func (o *Orchestrator) processOrder(ctx context.Context, tracer trace.Tracer, order domain.OrderSummary, p Params, rec Recorder, sum *Summary) (stop bool, err error) {
	ctx, span := tracer.Start(ctx, "run.order", trace.WithAttributes(attribute.String("order_id", order.ID)))
	defer span.End()

	if err := o.sleep(ctx, harvest.RandomDelay(p.MinDelay, p.MaxDelay, o.randFloat)); err != nil {
		return true, nil
	}

	detail, err := o.account.GetOrderDetail(ctx, order.ID)
	switch {
	case err == nil:
	case funpay.IsRequestFailed(err):
		obs.RecordOrder("skipped")
		rec.Logf("Request for order %s failed: %v", order.ID, err)
		_ = o.sleep(ctx, 2*p.MinDelay)
		return ctx.Err() != nil, nil
	case funpay.IsUnauthorized(err):
		obs.RecordOrder("unauthorized")
		rec.Logf("Authorization error: check the golden key")
		return true, err
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return true, nil
	default:
		obs.RecordOrder("error")
		rec.Logf("Unexpected error on order %s: %v", order.ID, err)
		o.log.Warn("order failed", "order_id", order.ID, "err", err)
		return false, nil
	}

	if detail == nil || strings.TrimSpace(detail.HTML) == "" {
		obs.RecordOrder("empty")
		rec.Logf("Could not load the contents of order %s", order.ID)
		return false, nil
	}
	keys := o.extractor.Extract(detail.HTML)
	if len(keys) == 0 {
		obs.RecordOrder("empty")
		rec.Logf("No keys found in order %s", order.ID)
		return false, nil
	}

	batch := make([]domain.ExtractedKey, 0, len(keys))
	for _, k := range keys {
		batch = append(batch, domain.ExtractedKey{Key: k, OrderID: order.ID, Date: order.CreatedAt})
	}
	sum.Keys = append(sum.Keys, batch...)
	rec.AddKeys(batch)
	obs.RecordOrder("keys")
	obs.AddKeys(len(batch))
	span.SetAttributes(attribute.Int("keys", len(batch)))
	rec.Logf("Found %d keys", len(batch))
	return false, nil
}

func (o *Orchestrator) finish(sum Summary, rec Recorder) Summary {
	st := domain.ComputeStats(sum.Keys)
	switch sum.Status {
	case domain.RunStatusCancelled:
		rec.Logf("Run stopped")
	case domain.RunStatusFailed:
		rec.Logf("Run failed")
	default:
		rec.Logf("Run finished")
	}
	rec.Logf("Total keys: %d", st.Total)
	rec.Logf("Unique: %d", st.Unique)
	rec.Logf("Duplicates: %d", st.Duplicates)
	rec.Logf("Pages processed: %d", sum.Pages)
	rec.Logf("Matching orders: %d", sum.Matched)
	o.log.Info("run finished",
		"status", sum.Status,
		"pages", sum.Pages,
		"matched", sum.Matched,
		"processed", sum.Processed,
		"keys", st.Total,
		"unique", st.Unique,
	)
	return sum
}
