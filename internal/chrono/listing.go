package chrono

import (
	"context"
	"time"

	"chronograph/internal/jobqueue"
	"chronograph/internal/marketplace"
	logx "chronograph/pkg/logx"
)

// ProcessListing makes the scheduling decisions for one tender snapshot,
// whether it arrived from the feed crawl or a manual trigger:
//
//   - release slots the tender no longer occupies,
//   - arm recheck_<id> from the snapshot's next_check,
//   - arm an immediate resync_<id> when an auction period needs planning.
func (p *Poller) ProcessListing(ctx context.Context, t *marketplace.Tender, origin Origin) error {
	now := p.now()

	if err := p.releaseSlots(ctx, t); err != nil {
		return err
	}

	if t.NextCheck != "" {
		nc, err := marketplace.ParseTime(t.NextCheck)
		if err != nil {
			p.log.Warn("bad next_check in listing",
				logx.String("tender", t.ID), logx.String("next_check", t.NextCheck), logx.Err(err))
		} else {
			key := jobqueue.RecheckKey(t.ID)
			cur, pending := p.jobs.NextRun(key)
			switch {
			case nc.Before(now):
				// overdue: catch up right away
				p.scheduleRecheck(ctx, t.ID, now)
			case pending && !cur.Before(nc) && cur.Before(nc.Add(p.opts.SmoothingMax+time.Second)):
				// the pending job already aims at this next_check; leave it
				// alone rather than re-rolling its jitter
			default:
				p.scheduleRecheck(ctx, t.ID, nc)
			}
		}
	}

	if p.needsResync(t) {
		key := jobqueue.ResyncKey(t.ID)
		// Skip when a resync is already about to run; repeated feed pages
		// would otherwise push the due time around forever.
		if cur, pending := p.jobs.NextRun(key); !pending || cur.After(now.Add(time.Minute)) {
			p.scheduleResync(ctx, t.ID, now.Add(p.jitter()))
			p.log.Debug("resync queued",
				logx.String("tender", t.ID), logx.String("origin", string(origin)))
		}
	}
	return nil
}

// releaseSlots frees reservations that no longer match the tender's
// official auction times.
func (p *Poller) releaseSlots(ctx context.Context, t *marketplace.Tender) error {
	var auctionStart *time.Time
	if t.AuctionPeriod != nil && t.AuctionPeriod.StartDate != "" {
		at, err := marketplace.ParseTime(t.AuctionPeriod.StartDate)
		if err == nil {
			auctionStart = &at
		}
	}
	var lots map[string]time.Time
	for _, lot := range t.Lots {
		if lot.AuctionPeriod == nil || lot.AuctionPeriod.StartDate == "" {
			continue
		}
		at, err := marketplace.ParseTime(lot.AuctionPeriod.StartDate)
		if err != nil {
			continue
		}
		if lots == nil {
			lots = make(map[string]time.Time)
		}
		lots[lot.ID] = at
	}
	return p.planner.Release(ctx, t.ID, auctionStart, lots)
}

// needsResync reports whether any auction period (tender-level or lot)
// has a shouldStartAfter strictly past its current startDate, or no
// startDate at all.
func (p *Poller) needsResync(t *marketplace.Tender) bool {
	if periodNeedsPlanning(t.AuctionPeriod) {
		return true
	}
	for _, lot := range t.Lots {
		if periodNeedsPlanning(lot.AuctionPeriod) {
			return true
		}
	}
	return false
}

func periodNeedsPlanning(period *marketplace.Period) bool {
	if period == nil || period.ShouldStartAfter == "" {
		return false
	}
	ssa, err := marketplace.ParseTime(period.ShouldStartAfter)
	if err != nil {
		return false
	}
	if period.StartDate == "" {
		return true
	}
	sd, err := marketplace.ParseTime(period.StartDate)
	if err != nil {
		return true
	}
	return ssa.After(sd)
}
