// Package chrono is the tender lifecycle poller. It drives two
// interleaved polling cycles per tender: a cheap recheck (no-op probe
// that nudges the marketplace's status machine) and an expensive resync
// (full fetch, auction replanning, patch back), both armed through the
// persistent job queue.
package chrono

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"chronograph/internal/jobqueue"
	"chronograph/internal/marketplace"
	"chronograph/internal/planning"
	logx "chronograph/pkg/logx"
)

// Tender statuses after which polling is pointless.
var terminalStatuses = map[string]bool{
	"unsuccessful": true,
	"complete":     true,
	"cancelled":    true,
}

func isTerminal(status string) bool { return terminalStatuses[status] }

// Origin tags where a tender snapshot came from; both paths make
// identical scheduling decisions.
type Origin string

const (
	OriginFeed Origin = "feed"
	OriginAPI  Origin = "api"
)

// Alerter delivers operator alerts. Implementations must not block.
type Alerter interface {
	Alert(ctx context.Context, msg string)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string) {}

// Options tunes the poller's timing windows. Zero fields get defaults.
type Options struct {
	// SmoothingMin..SmoothingMax is the jitter window added to every
	// recheck due time; SmoothingResyncMin..SmoothingMax is the backoff
	// window for resync follow-ups after transient failures.
	SmoothingMin       time.Duration
	SmoothingResyncMin time.Duration
	SmoothingMax       time.Duration

	// Sandbox enables the accelerated quick-start path for tenders whose
	// submissionMethodDetails asks for it.
	Sandbox bool
}

type Poller struct {
	client  *marketplace.Client
	planner *planning.Planner
	jobs    *jobqueue.Service
	alert   Alerter
	log     logx.Logger
	opts    Options

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randn func(n int) int
}

func New(client *marketplace.Client, planner *planning.Planner, jobs *jobqueue.Service, alert Alerter, opts Options, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if alert == nil {
		alert = nopAlerter{}
	}
	if opts.SmoothingMin <= 0 {
		opts.SmoothingMin = 10 * time.Second
	}
	if opts.SmoothingResyncMin <= 0 {
		opts.SmoothingResyncMin = 60 * time.Second
	}
	if opts.SmoothingMax <= 0 {
		opts.SmoothingMax = 300 * time.Second
	}
	return &Poller{
		client:  client,
		planner: planner,
		jobs:    jobs,
		alert:   alert,
		log:     log,
		opts:    opts,
		now:     time.Now,
		sleep:   sleepCtx,
		randn:   rand.Intn,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HandleJob is the job queue entry point.
func (p *Poller) HandleJob(ctx context.Context, key string, job jobqueue.Payload) {
	// Restore server affinity persisted with the job, unless a fresher
	// cookie arrived in the meantime.
	if job.ServerID != "" && p.client.ServerID() == "" {
		p.client.SetServerID(job.ServerID)
	}
	if err := p.Push(ctx, job.Kind, job.TenderID); err != nil && ctx.Err() == nil {
		p.log.Warn("job finished with error",
			logx.String("key", key), logx.Err(err))
	}
}

// Push runs one recheck or resync, retrying in-process on the
// retry-immediately signal with Fibonacci backoff (1,1,2,3,5,8,... s,
// clamped at a minute). Any other failure is left to the next scheduled
// occurrence.
func (p *Poller) Push(ctx context.Context, kind, tenderID string) error {
	fa, fb := 1, 1
	for {
		var err error
		switch kind {
		case jobqueue.KindRecheck:
			err = p.Recheck(ctx, tenderID)
		case jobqueue.KindResync:
			err = p.Resync(ctx, tenderID)
		default:
			p.log.Error("unknown job kind", logx.String("kind", kind), logx.String("tender", tenderID))
			return nil
		}
		if err == nil || !marketplace.IsRetryNow(err) {
			return err
		}

		delay := time.Duration(fa) * time.Second
		if delay > time.Minute {
			delay = time.Minute
		}
		p.log.Debug("retrying after precondition failure",
			logx.String("kind", kind), logx.String("tender", tenderID),
			logx.Duration("delay", delay))
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
		if fa < 60 {
			fa, fb = fb, fa+fb
		}
	}
}

// jitter draws the recheck smoothing delay.
func (p *Poller) jitter() time.Duration {
	span := int(p.opts.SmoothingMax-p.opts.SmoothingMin) / int(time.Second)
	return p.opts.SmoothingMin + time.Duration(p.randn(span+1))*time.Second
}

// resyncBackoff draws the follow-up delay after a transient resync failure.
func (p *Poller) resyncBackoff() time.Duration {
	span := int(p.opts.SmoothingMax-p.opts.SmoothingResyncMin) / int(time.Second)
	return p.opts.SmoothingResyncMin + time.Duration(p.randn(span+1))*time.Second
}

// randomize spreads an auction start by 0-1799 extra seconds so auctions
// planned into the same slot boundary do not begin simultaneously.
func (p *Poller) randomize(t time.Time) time.Time {
	return t.Add(time.Duration(p.randn(1800)) * time.Second)
}

func (p *Poller) scheduleRecheck(ctx context.Context, tenderID string, at time.Time) {
	now := p.now()
	if at.Before(now) {
		at = now
	}
	due := at.Add(p.jitter())
	err := p.jobs.Schedule(ctx, jobqueue.RecheckKey(tenderID), due, jobqueue.Payload{
		Kind:     jobqueue.KindRecheck,
		TenderID: tenderID,
		ServerID: p.client.ServerID(),
	})
	if err != nil {
		p.log.Error("recheck scheduling failed", logx.String("tender", tenderID), logx.Err(err))
	}
}

func (p *Poller) scheduleResync(ctx context.Context, tenderID string, due time.Time) {
	err := p.jobs.Schedule(ctx, jobqueue.ResyncKey(tenderID), due, jobqueue.Payload{
		Kind:     jobqueue.KindResync,
		TenderID: tenderID,
		ServerID: p.client.ServerID(),
	})
	if err != nil {
		p.log.Error("resync scheduling failed", logx.String("tender", tenderID), logx.Err(err))
	}
}

func quickRequested(t *marketplace.Tender) bool {
	return strings.Contains(t.SubmissionMethodDetails, "quick")
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
