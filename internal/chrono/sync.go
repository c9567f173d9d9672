package chrono

import (
	"context"
	"fmt"
	"time"

	"chronograph/internal/marketplace"
	"chronograph/internal/planning"
	logx "chronograph/pkg/logx"
)

// Recheck is the cheap poll: a no-op probe patch that makes the
// marketplace re-evaluate the tender, then a recheck_<id> job armed from
// the server's next_check (or a one-minute local retry when the server
// gave none).
func (p *Poller) Recheck(ctx context.Context, tenderID string) error {
	now := p.now()
	var nextCheck time.Time

	t, err := p.client.TouchTender(ctx, tenderID)
	switch {
	case err == nil:
		if t.NextCheck != "" {
			nc, perr := marketplace.ParseTime(t.NextCheck)
			if perr != nil {
				return fmt.Errorf("tender %s: bad next_check %q: %w", tenderID, t.NextCheck, perr)
			}
			nextCheck = nc
		}

	case marketplace.IsRetryNow(err):
		return err

	case marketplace.IsRateLimited(err):
		p.log.Warn("recheck rate limited", logx.String("tender", tenderID))
		nextCheck = now.Add(time.Minute)

	case marketplace.IsUnprocessable(err):
		// The probe was rejected by a status guard. One full read decides
		// whether the tender is done for good or just mid-transition.
		full, gerr := p.client.GetTender(ctx, tenderID)
		if gerr == nil && isTerminal(full.Status) {
			p.log.Info("tender reached terminal status, polling stops",
				logx.String("tender", tenderID), logx.String("status", full.Status))
			return nil
		}
		nextCheck = now.Add(time.Minute)

	case marketplace.IsGoneForever(err):
		p.log.Info("tender gone, polling stops", logx.String("tender", tenderID), logx.Err(err))
		return nil

	default:
		// conflicts, 5xx and transport errors all get a short local retry
		p.log.Warn("recheck failed", logx.String("tender", tenderID), logx.Err(err))
		nextCheck = now.Add(time.Minute)
	}

	if !nextCheck.IsZero() {
		p.scheduleRecheck(ctx, tenderID, nextCheck)
	}
	return nil
}

// Resync is the expensive poll: fetch the full tender, recompute auction
// periods, patch them back, and arm follow-up jobs.
func (p *Poller) Resync(ctx context.Context, tenderID string) error {
	now := p.now()

	t, err := p.client.GetTender(ctx, tenderID)
	switch {
	case marketplace.IsRetryNow(err):
		return err
	case marketplace.IsNotFound(err):
		p.log.Info("tender gone, resync stops", logx.String("tender", tenderID), logx.Err(err))
		return nil
	case err != nil:
		p.log.Warn("resync fetch failed", logx.String("tender", tenderID), logx.Err(err))
		p.scheduleResync(ctx, tenderID, now.Add(p.resyncBackoff()))
		return nil
	}

	changes, err := p.checkTender(ctx, t)
	if err != nil {
		return err
	}

	nextCheck := t.NextCheck
	if !changes.IsZero() {
		patched, perr := p.client.PatchTender(ctx, tenderID, changes)
		switch {
		case marketplace.IsRetryNow(perr):
			return perr
		case perr != nil:
			p.log.Warn("resync patch failed", logx.String("tender", tenderID), logx.Err(perr))
			p.scheduleResync(ctx, tenderID, now.Add(p.resyncBackoff()))
			return nil
		default:
			nextCheck = patched.NextCheck
		}
	}

	if nextCheck != "" {
		nc, perr := marketplace.ParseTime(nextCheck)
		if perr != nil {
			return fmt.Errorf("tender %s: bad next_check %q: %w", tenderID, nextCheck, perr)
		}
		p.scheduleRecheck(ctx, tenderID, nc)
	}
	return nil
}

// checkTender computes the auction-period patch for a tender. Terminal
// tenders produce no changes. Allocation failures are retried until they
// succeed or the context ends: an unplanned auction is worse than a
// delayed one.
func (p *Poller) checkTender(ctx context.Context, t *marketplace.Tender) (marketplace.TenderPatch, error) {
	if isTerminal(t.Status) {
		return marketplace.TenderPatch{}, nil
	}
	now := p.now()
	quick := p.opts.Sandbox && quickRequested(t)

	if len(t.Lots) == 0 {
		if !periodNeedsPlanning(t.AuctionPeriod) {
			return marketplace.TenderPatch{}, nil
		}
		start, err := p.planPeriod(ctx, t, t.AuctionPeriod, "", now, quick)
		if err != nil {
			return marketplace.TenderPatch{}, err
		}
		return marketplace.TenderPatch{
			AuctionPeriod: &marketplace.PeriodPatch{StartDate: start.Format(time.RFC3339)},
		}, nil
	}

	lots := make([]marketplace.LotPatch, 0, len(t.Lots))
	planned := false
	for _, lot := range t.Lots {
		if lot.Status != "active" || !periodNeedsPlanning(lot.AuctionPeriod) {
			lots = append(lots, marketplace.LotPatch{})
			continue
		}
		start, err := p.planPeriod(ctx, t, lot.AuctionPeriod, lot.ID, now, quick)
		if err != nil {
			return marketplace.TenderPatch{}, err
		}
		lots = append(lots, marketplace.LotPatch{
			AuctionPeriod: &marketplace.PeriodPatch{StartDate: start.Format(time.RFC3339)},
		})
		planned = true
	}
	if !planned {
		return marketplace.TenderPatch{}, nil
	}
	return marketplace.TenderPatch{Lots: lots}, nil
}

// planPeriod allocates a start for one auction period and logs the
// outcome the way operators grep for it.
func (p *Poller) planPeriod(ctx context.Context, t *marketplace.Tender, period *marketplace.Period, lotID string, now time.Time, quick bool) (time.Time, error) {
	ssa, err := marketplace.ParseTime(period.ShouldStartAfter)
	if err != nil {
		return time.Time{}, fmt.Errorf("tender %s: bad shouldStartAfter %q: %w", t.ID, period.ShouldStartAfter, err)
	}
	earliest := maxTime(ssa, now)

	alloc, err := p.allocateForever(ctx, t, earliest, lotID, quick)
	if err != nil {
		return time.Time{}, err
	}
	start := p.randomize(alloc.Start)

	verb := "planned"
	if period.StartDate != "" {
		verb = "replanned"
	}
	fields := []logx.Field{
		logx.String("tender", t.ID),
		logx.Time("start", start),
		logx.Int("stream", alloc.Stream),
	}
	if lotID != "" {
		fields = append(fields, logx.String("lot", lotID))
	}
	if alloc.DaysSkipped > 0 {
		fields = append(fields, logx.Int("skipped_days", alloc.DaysSkipped))
	}
	p.log.Info(verb+" auction", fields...)
	return start, nil
}

// allocateForever is the never-give-up planning loop. Every failure is
// logged; every tenth consecutive failure raises an operator alert.
func (p *Poller) allocateForever(ctx context.Context, t *marketplace.Tender, earliest time.Time, lotID string, quick bool) (planning.Allocation, error) {
	if quick {
		return planning.Allocation{Start: p.planner.QuickStart(earliest)}, nil
	}

	failures := 0
	for {
		alloc, err := p.planner.Allocate(ctx, t.ID, t.Mode, earliest, lotID)
		if err == nil {
			return alloc, nil
		}
		if ctx.Err() != nil {
			return planning.Allocation{}, ctx.Err()
		}

		failures++
		p.log.Error("auction planning failed",
			logx.String("tender", t.ID), logx.String("lot", lotID),
			logx.Int("failures", failures), logx.Err(err))
		if failures%10 == 0 {
			p.alertf(ctx, "auction planning for tender %s keeps failing (%d attempts): %v", t.ID, failures, err)
		}
		if serr := p.sleep(ctx, time.Second); serr != nil {
			return planning.Allocation{}, serr
		}
	}
}

func (p *Poller) alertf(ctx context.Context, format string, args ...any) {
	p.alert.Alert(ctx, fmt.Sprintf(format, args...))
}
