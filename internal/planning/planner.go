package planning

import (
	"context"
	"errors"
	"time"

	"chronograph/internal/storage"
	logx "chronograph/pkg/logx"
)

const (
	slotDuration = 30 * time.Minute

	// searchBuffer keeps freshly planned auctions at least an hour away
	// so the marketplace has time to publish the new period.
	searchBuffer = time.Hour
)

// Options carries the working-day shape. Zero fields get defaults in New.
type Options struct {
	Location *time.Location

	DayStart time.Duration // offset from midnight, default 11:00
	DayEnd   time.Duration // default 16:00

	Rounding    time.Duration // quick-path boundary, default 15m
	ServiceTime time.Duration // default 9m
	MinPause    time.Duration // default 3m
}

type Planner struct {
	store *storage.Store
	opts  Options
	log   logx.Logger
}

func New(store *storage.Store, opts Options, log logx.Logger) *Planner {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DayStart == 0 {
		opts.DayStart = 11 * time.Hour
	}
	if opts.DayEnd == 0 {
		opts.DayEnd = 16 * time.Hour
	}
	if opts.Rounding == 0 {
		opts.Rounding = 15 * time.Minute
	}
	if opts.ServiceTime == 0 {
		opts.ServiceTime = 9 * time.Minute
	}
	if opts.MinPause == 0 {
		opts.MinPause = 3 * time.Minute
	}
	return &Planner{store: store, opts: opts, log: log}
}

// Allocation is the outcome of a slot search.
type Allocation struct {
	Start       time.Time
	Stream      int
	DaysSkipped int
}

// Allocate finds the earliest slot for a tender (or one of its lots) no
// sooner than an hour past `after`, and claims it. Free slots left by
// replanned auctions are reused before any new capacity is opened. Full
// days are counted in DaysSkipped.
//
// Lost races (a reused slot grabbed first, or a concurrent capacity
// update) re-read the same day and try again.
func (p *Planner) Allocate(ctx context.Context, tenderID, mode string, after time.Time, lotID string) (Allocation, error) {
	loc := p.opts.Location

	holidays, err := p.store.Holidays(ctx)
	if err != nil {
		return Allocation{}, err
	}
	capacity, err := p.store.Streams(ctx)
	if err != nil {
		return Allocation{}, err
	}

	start := after.In(loc).Add(searchBuffer)
	day := start
	if clockOf(start) >= p.opts.DayStart {
		day = day.AddDate(0, 0, 1)
	}

	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return Allocation{}, err
		}

		if wd := day.Weekday(); holidays[day.Format(dayFormat)] || wd == time.Saturday || wd == time.Sunday {
			day = day.AddDate(0, 0, 1)
			continue
		}

		plan, err := p.store.Plan(ctx, mode, day.Format(dayFormat))
		if err != nil {
			return Allocation{}, err
		}

		cursor := p.opts.DayStart
		if plan.EndTime != "" {
			if cursor, err = parseClock(plan.EndTime); err != nil {
				return Allocation{}, err
			}
		}
		stream := plan.StreamsCount
		if stream == 0 {
			stream = 1
		}

		if slot, streamID, ok := findFreeSlot(plan); ok {
			err := p.store.ReserveSlot(ctx, plan.ID, streamID, slot.Time, tenderID, lotID)
			if errors.Is(err, storage.ErrSlotTaken) {
				continue
			}
			if err != nil {
				return Allocation{}, err
			}
			clock, err := parseClock(slot.Time)
			if err != nil {
				return Allocation{}, err
			}
			p.log.Debug("reused free slot",
				logx.String("plan", plan.ID), logx.Int("stream", streamID),
				logx.String("slot", slot.Time), logx.String("tender", tenderID))
			return Allocation{Start: combine(day, clock, loc), Stream: streamID, DaysSkipped: skipped}, nil
		}

		if cursor >= p.opts.DayEnd {
			if stream >= capacity {
				day = day.AddDate(0, 0, 1)
				skipped++
				continue
			}
			stream++
			cursor = p.opts.DayStart
		}

		slotStart := combine(day, cursor, loc)
		end := slotStart.Add(slotDuration)
		dayEndAt := combine(day, p.opts.DayEnd, loc)

		// A slot that begins exactly at day start is accepted even when the
		// configured window is shorter than one slot; otherwise it must fit.
		fits := !end.After(dayEndAt) || cursor == p.opts.DayStart
		if !fits {
			day = day.AddDate(0, 0, 1)
			skipped++
			continue
		}

		err = p.store.OpenSlot(ctx, plan, formatClock(cursor+slotDuration), stream, stream,
			formatClock(cursor), tenderID, lotID)
		if errors.Is(err, storage.ErrPlanConflict) {
			continue
		}
		if err != nil {
			return Allocation{}, err
		}
		p.log.Debug("opened slot",
			logx.String("plan", plan.ID), logx.Int("stream", stream),
			logx.String("slot", formatClock(cursor)), logx.String("tender", tenderID))
		return Allocation{Start: slotStart, Stream: stream, DaysSkipped: skipped}, nil
	}
}

func findFreeSlot(plan *storage.Plan) (storage.Slot, int, bool) {
	for _, stream := range plan.Streams {
		for _, slot := range stream.Slots {
			if slot.TenderID == "" {
				return slot, stream.StreamID, true
			}
		}
	}
	return storage.Slot{}, 0, false
}

// QuickStart is the accelerated sandbox path: no slot grid, just service
// time plus the minimum pause, rounded up to the next boundary measured
// from the working-day start.
func (p *Planner) QuickStart(after time.Time) time.Time {
	loc := p.opts.Location
	end := after.In(loc).Add(p.opts.ServiceTime + p.opts.MinPause)

	const daySecs = 24 * 60 * 60
	secs := int64(end.Sub(combine(end, p.opts.DayStart, loc)) / time.Second)
	secs = ((secs % daySecs) + daySecs) % daySecs

	roundTo := int64(p.opts.Rounding / time.Second)
	rounded := (secs + roundTo - 1) / roundTo * roundTo
	return end.Add(time.Duration(rounded-secs) * time.Second).Truncate(time.Second)
}

// Release frees every slot of a tender whose auction no longer lands
// inside that slot. auctionStart is the tender-level period (nil when
// unset); lots maps lot id to its period start. A slot is kept only while
// its auction start falls strictly inside (slot, slot+30m).
func (p *Planner) Release(ctx context.Context, tenderID string, auctionStart *time.Time, lots map[string]time.Time) error {
	loc := p.opts.Location

	refs, err := p.store.SlotsByTender(ctx, tenderID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		clock, err := parseClock(ref.Time)
		if err != nil {
			return err
		}
		day, err := time.ParseInLocation(dayFormat, ref.Day, loc)
		if err != nil {
			return err
		}
		slotAt := combine(day, clock, loc)

		if !shouldFree(ref.LotID, auctionStart, lots, slotAt) {
			continue
		}
		if err := p.store.FreeSlot(ctx, ref.PlanID, ref.Stream, ref.Time); err != nil {
			return err
		}
		p.log.Debug("released slot",
			logx.String("plan", ref.PlanID), logx.Int("stream", ref.Stream),
			logx.String("slot", ref.Time), logx.String("tender", tenderID))
	}
	return nil
}

func shouldFree(lotID string, auctionStart *time.Time, lots map[string]time.Time, slotAt time.Time) bool {
	inside := func(t time.Time) bool {
		return t.After(slotAt) && t.Before(slotAt.Add(slotDuration))
	}
	if lotID == "" {
		return auctionStart == nil || !inside(*auctionStart)
	}
	t, ok := lots[lotID]
	return !ok || !inside(t)
}
