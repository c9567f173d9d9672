package chrono

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chronograph/internal/jobqueue"
	"chronograph/internal/marketplace"
	"chronograph/internal/planning"
	"chronograph/internal/storage"
	logx "chronograph/pkg/logx"
)

// fakeAPI routes tender GET/PATCH calls to per-test hooks.
type fakeAPI struct {
	mu      sync.Mutex
	onGet   func(id string) (int, any)
	onPatch func(id string, body []byte) (int, any)
	patches [][]byte
}

func (f *fakeAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/api/2.5/tenders/"):]
		var status int
		var resp any
		switch r.Method {
		case http.MethodGet:
			f.mu.Lock()
			h := f.onGet
			f.mu.Unlock()
			status, resp = h(id)
		case http.MethodPatch:
			var body struct {
				Data json.RawMessage `json:"data"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.patches = append(f.patches, body.Data)
			h := f.onPatch
			f.mu.Unlock()
			status, resp = h(id, body.Data)
		default:
			status, resp = 405, nil
		}
		w.WriteHeader(status)
		if resp != nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": resp})
		} else {
			_, _ = w.Write([]byte(`{}`))
		}
	}
}

func (f *fakeAPI) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

type fixture struct {
	poller *Poller
	jobs   *jobqueue.Service
	store  *storage.Store
	api    *fakeAPI
	now    time.Time
	slept  *[]time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "c.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	api := &fakeAPI{
		onGet:   func(string) (int, any) { return 404, nil },
		onPatch: func(string, []byte) (int, any) { return 404, nil },
	}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	client, err := marketplace.New(marketplace.Config{BaseURL: srv.URL, Token: "tok"}, logx.Nop())
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	planner := planning.New(st, planning.Options{Location: time.UTC}, logx.Nop())
	jobs := jobqueue.New(st, time.Hour, logx.Nop())
	t.Cleanup(jobs.Stop)

	p := New(client, planner, jobs, nil, Options{}, logx.Nop())

	now := time.Now().Truncate(time.Second)
	p.now = func() time.Time { return now }
	p.randn = func(int) int { return 0 }
	slept := &[]time.Duration{}
	p.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}

	return &fixture{poller: p, jobs: jobs, store: st, api: api, now: now, slept: slept}
}

func rfc(t time.Time) string { return t.Format(time.RFC3339) }

func TestCheckTenderTerminalReturnsNoChanges(t *testing.T) {
	f := newFixture(t)
	tender := &marketplace.Tender{
		ID:     "t1",
		Status: "complete",
		AuctionPeriod: &marketplace.Period{
			ShouldStartAfter: rfc(f.now.Add(time.Hour)),
		},
	}
	patch, err := f.poller.checkTender(context.Background(), tender)
	if err != nil {
		t.Fatalf("checkTender: %v", err)
	}
	if !patch.IsZero() {
		t.Fatalf("patch = %+v, want empty", patch)
	}
	refs, _ := f.store.SlotsByTender(context.Background(), "t1")
	if len(refs) != 0 {
		t.Fatalf("terminal tender reserved slots: %+v", refs)
	}
}

func TestCheckTenderPlansUnlottedTender(t *testing.T) {
	f := newFixture(t)
	ssa := f.now.Add(time.Hour)
	tender := &marketplace.Tender{
		ID:            "t1",
		Status:        "active.auction",
		AuctionPeriod: &marketplace.Period{ShouldStartAfter: rfc(ssa)},
	}

	patch, err := f.poller.checkTender(context.Background(), tender)
	if err != nil {
		t.Fatalf("checkTender: %v", err)
	}
	if patch.AuctionPeriod == nil {
		t.Fatalf("patch = %+v, want auction period", patch)
	}
	start, err := time.Parse(time.RFC3339, patch.AuctionPeriod.StartDate)
	if err != nil {
		t.Fatalf("bad startDate %q: %v", patch.AuctionPeriod.StartDate, err)
	}
	if !start.After(ssa) {
		t.Fatalf("start %v not after shouldStartAfter %v", start, ssa)
	}
	// with zeroed randomization the start sits on a slot boundary
	if start.Minute()%30 != 0 || start.Second() != 0 {
		t.Fatalf("start %v not on a 30m boundary", start)
	}
	if wd := start.Weekday(); wd == time.Saturday || wd == time.Sunday {
		t.Fatalf("start %v fell on a weekend", start)
	}
	refs, _ := f.store.SlotsByTender(context.Background(), "t1")
	if len(refs) != 1 {
		t.Fatalf("slots = %+v, want one reservation", refs)
	}
}

func TestCheckTenderPlansOnlyActiveLots(t *testing.T) {
	f := newFixture(t)
	ssa := rfc(f.now.Add(time.Hour))
	tender := &marketplace.Tender{
		ID:     "t1",
		Status: "active.auction",
		Lots: []marketplace.Lot{
			{ID: "lot-cancelled", Status: "cancelled", AuctionPeriod: &marketplace.Period{ShouldStartAfter: ssa}},
			{ID: "lot-live", Status: "active", AuctionPeriod: &marketplace.Period{ShouldStartAfter: ssa}},
			{ID: "lot-settled", Status: "active", AuctionPeriod: &marketplace.Period{
				ShouldStartAfter: ssa,
				StartDate:        rfc(f.now.Add(48 * time.Hour)),
			}},
		},
	}

	patch, err := f.poller.checkTender(context.Background(), tender)
	if err != nil {
		t.Fatalf("checkTender: %v", err)
	}
	if len(patch.Lots) != 3 {
		t.Fatalf("lots = %+v, want positional entries for all 3", patch.Lots)
	}
	if patch.Lots[0].AuctionPeriod != nil || patch.Lots[2].AuctionPeriod != nil {
		t.Fatalf("inactive/settled lots must stay empty: %+v", patch.Lots)
	}
	if patch.Lots[1].AuctionPeriod == nil {
		t.Fatalf("active lot got no period: %+v", patch.Lots)
	}
	refs, _ := f.store.SlotsByTender(context.Background(), "t1")
	if len(refs) != 1 || refs[0].LotID != "lot-live" {
		t.Fatalf("slots = %+v", refs)
	}
}

func TestRecheckSchedulesFromServerNextCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// future next_check: job due exactly at next_check + minimum jitter
	nc := f.now.Add(2 * time.Hour)
	f.api.onPatch = func(id string, body []byte) (int, any) {
		return 200, map[string]any{"id": id, "next_check": rfc(nc)}
	}
	if err := f.poller.Recheck(ctx, "t1"); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	due, ok := f.jobs.NextRun(jobqueue.RecheckKey("t1"))
	if !ok || !due.Equal(nc.Add(10*time.Second)) {
		t.Fatalf("due = %v, %v; want %v", due, ok, nc.Add(10*time.Second))
	}

	// past next_check: catch up from now instead
	f.api.onPatch = func(id string, body []byte) (int, any) {
		return 200, map[string]any{"id": id, "next_check": rfc(f.now.Add(-time.Hour))}
	}
	if err := f.poller.Recheck(ctx, "t1"); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	due, ok = f.jobs.NextRun(jobqueue.RecheckKey("t1"))
	if !ok || !due.Equal(f.now.Add(10*time.Second)) {
		t.Fatalf("due = %v, %v; want now+10s", due, ok)
	}
}

func TestRecheckRateLimitedRetriesInAMinute(t *testing.T) {
	f := newFixture(t)
	f.api.onPatch = func(string, []byte) (int, any) { return 429, nil }

	if err := f.poller.Recheck(context.Background(), "t1"); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	due, ok := f.jobs.NextRun(jobqueue.RecheckKey("t1"))
	want := f.now.Add(time.Minute + 10*time.Second)
	if !ok || !due.Equal(want) {
		t.Fatalf("due = %v, %v; want %v", due, ok, want)
	}
}

func TestRecheckUnprocessableTerminalStops(t *testing.T) {
	f := newFixture(t)
	f.api.onPatch = func(string, []byte) (int, any) { return 422, nil }
	f.api.onGet = func(id string) (int, any) {
		return 200, map[string]any{"id": id, "status": "unsuccessful"}
	}

	if err := f.poller.Recheck(context.Background(), "t1"); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if _, ok := f.jobs.NextRun(jobqueue.RecheckKey("t1")); ok {
		t.Fatal("terminal tender got rescheduled")
	}

	// non-terminal status behind the guard falls back to a 1-minute retry
	f.api.onGet = func(id string) (int, any) {
		return 200, map[string]any{"id": id, "status": "active.qualification"}
	}
	if err := f.poller.Recheck(context.Background(), "t2"); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if _, ok := f.jobs.NextRun(jobqueue.RecheckKey("t2")); !ok {
		t.Fatal("status-guarded tender was not rescheduled")
	}
}

func TestRecheckGoneStopsSilently(t *testing.T) {
	f := newFixture(t)
	for _, code := range []int{403, 404, 410} {
		f.api.onPatch = func(string, []byte) (int, any) { return code, nil }
		if err := f.poller.Recheck(context.Background(), "t1"); err != nil {
			t.Fatalf("recheck %d: %v", code, err)
		}
		if _, ok := f.jobs.NextRun(jobqueue.RecheckKey("t1")); ok {
			t.Fatalf("gone tender (%d) got rescheduled", code)
		}
	}
}

func TestResyncNotFoundIsNoop(t *testing.T) {
	f := newFixture(t)
	f.api.onGet = func(string) (int, any) { return 404, nil }

	if err := f.poller.Resync(context.Background(), "t1"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if len(f.jobs.Snapshot()) != 0 {
		t.Fatalf("jobs = %+v, want none", f.jobs.Snapshot())
	}
	if f.api.patchCount() != 0 {
		t.Fatal("resync of a gone tender sent a patch")
	}
}

func TestResyncTransientFailureSchedulesFollowUp(t *testing.T) {
	f := newFixture(t)
	f.api.onGet = func(string) (int, any) { return 500, nil }

	if err := f.poller.Resync(context.Background(), "t1"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	due, ok := f.jobs.NextRun(jobqueue.ResyncKey("t1"))
	want := f.now.Add(60 * time.Second) // minimum of the resync backoff window
	if !ok || !due.Equal(want) {
		t.Fatalf("due = %v, %v; want %v", due, ok, want)
	}
}

func TestResyncPlansAndPatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ssa := f.now.Add(time.Hour)
	nc := f.now.Add(3 * time.Hour)

	f.api.onGet = func(id string) (int, any) {
		return 200, map[string]any{
			"id":            id,
			"status":        "active.auction",
			"auctionPeriod": map[string]any{"shouldStartAfter": rfc(ssa)},
		}
	}
	f.api.onPatch = func(id string, body []byte) (int, any) {
		return 200, map[string]any{"id": id, "next_check": rfc(nc)}
	}

	if err := f.poller.Resync(ctx, "t1"); err != nil {
		t.Fatalf("resync: %v", err)
	}

	if f.api.patchCount() != 1 {
		t.Fatalf("patch count = %d", f.api.patchCount())
	}
	var patch marketplace.TenderPatch
	f.api.mu.Lock()
	_ = json.Unmarshal(f.api.patches[0], &patch)
	f.api.mu.Unlock()
	if patch.AuctionPeriod == nil {
		t.Fatalf("patch = %+v", patch)
	}
	start, err := time.Parse(time.RFC3339, patch.AuctionPeriod.StartDate)
	if err != nil || !start.After(ssa) {
		t.Fatalf("patched start %q, parse err %v", patch.AuctionPeriod.StartDate, err)
	}

	// the patch response's next_check arms the recheck job
	due, ok := f.jobs.NextRun(jobqueue.RecheckKey("t1"))
	if !ok || !due.Equal(nc.Add(10*time.Second)) {
		t.Fatalf("recheck due = %v, %v; want %v", due, ok, nc.Add(10*time.Second))
	}
}

func TestResyncWithoutChangesUsesFetchedNextCheck(t *testing.T) {
	f := newFixture(t)
	nc := f.now.Add(90 * time.Minute)
	f.api.onGet = func(id string) (int, any) {
		return 200, map[string]any{"id": id, "status": "active.tendering", "next_check": rfc(nc)}
	}

	if err := f.poller.Resync(context.Background(), "t1"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if f.api.patchCount() != 0 {
		t.Fatal("no-change resync sent a patch")
	}
	due, ok := f.jobs.NextRun(jobqueue.RecheckKey("t1"))
	if !ok || !due.Equal(nc.Add(10*time.Second)) {
		t.Fatalf("recheck due = %v, %v", due, ok)
	}
}

func TestPushRetriesWithFibonacciBackoff(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.api.onPatch = func(id string, body []byte) (int, any) {
		attempts++
		if attempts <= 4 {
			return 412, nil
		}
		return 200, map[string]any{"id": id}
	}

	if err := f.poller.Push(context.Background(), jobqueue.KindRecheck, "t1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	want := []time.Duration{time.Second, time.Second, 2 * time.Second, 3 * time.Second}
	if len(*f.slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *f.slept, want)
	}
	for i, d := range want {
		if (*f.slept)[i] != d {
			t.Fatalf("sleep[%d] = %v, want %v", i, (*f.slept)[i], d)
		}
	}
}

func TestProcessListingDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// overdue next_check plus an unplanned period: both jobs queued
	tender := &marketplace.Tender{
		ID:            "t1",
		NextCheck:     rfc(f.now.Add(-time.Minute)),
		AuctionPeriod: &marketplace.Period{ShouldStartAfter: rfc(f.now.Add(time.Hour))},
	}
	if err := f.poller.ProcessListing(ctx, tender, OriginFeed); err != nil {
		t.Fatalf("process: %v", err)
	}
	if due, ok := f.jobs.NextRun(jobqueue.RecheckKey("t1")); !ok || !due.Equal(f.now.Add(10*time.Second)) {
		t.Fatalf("recheck due = %v, %v; want now+10s", due, ok)
	}
	resyncDue, ok := f.jobs.NextRun(jobqueue.ResyncKey("t1"))
	if !ok || !resyncDue.Equal(f.now.Add(10 * time.Second)) {
		t.Fatalf("resync due = %v, %v", resyncDue, ok)
	}

	// a resync already due within the next minute is left alone
	if err := f.poller.ProcessListing(ctx, tender, OriginAPI); err != nil {
		t.Fatalf("process: %v", err)
	}
	if due, _ := f.jobs.NextRun(jobqueue.ResyncKey("t1")); !due.Equal(resyncDue) {
		t.Fatalf("resync was replaced: %v -> %v", resyncDue, due)
	}
}

func TestProcessListingKeepsMatchingRecheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nc := f.now.Add(time.Hour)

	tender := &marketplace.Tender{ID: "t1", NextCheck: rfc(nc)}
	if err := f.poller.ProcessListing(ctx, tender, OriginFeed); err != nil {
		t.Fatalf("process: %v", err)
	}
	due1, _ := f.jobs.NextRun(jobqueue.RecheckKey("t1"))

	// same snapshot again: the pending job already aims at this
	// next_check, so the due time must not move
	if err := f.poller.ProcessListing(ctx, tender, OriginFeed); err != nil {
		t.Fatalf("process: %v", err)
	}
	due2, _ := f.jobs.NextRun(jobqueue.RecheckKey("t1"))
	if !due2.Equal(due1) {
		t.Fatalf("recheck re-rolled: %v -> %v", due1, due2)
	}

	// a different next_check replaces the job
	tender.NextCheck = rfc(nc.Add(time.Hour))
	if err := f.poller.ProcessListing(ctx, tender, OriginFeed); err != nil {
		t.Fatalf("process: %v", err)
	}
	due3, _ := f.jobs.NextRun(jobqueue.RecheckKey("t1"))
	if due3.Equal(due1) {
		t.Fatalf("recheck not replaced for new next_check")
	}
}

func TestProcessListingReleasesStaleSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// reserve a slot, then present a snapshot whose auction moved away
	planner := f.poller.planner
	alloc, err := planner.Allocate(ctx, "t1", "", f.now, "")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	moved := alloc.Start.Add(2 * time.Hour)
	tender := &marketplace.Tender{
		ID:            "t1",
		AuctionPeriod: &marketplace.Period{StartDate: rfc(moved)},
	}
	if err := f.poller.ProcessListing(ctx, tender, OriginFeed); err != nil {
		t.Fatalf("process: %v", err)
	}
	refs, _ := f.store.SlotsByTender(ctx, "t1")
	if len(refs) != 0 {
		t.Fatalf("stale slot not released: %+v", refs)
	}
}

func TestQuickSandboxPathSkipsPlanStore(t *testing.T) {
	f := newFixture(t)
	f.poller.opts.Sandbox = true
	ssa := f.now.Add(time.Hour)
	tender := &marketplace.Tender{
		ID:                      "t1",
		Status:                  "active.auction",
		SubmissionMethodDetails: "quick(mode:fast-forward)",
		AuctionPeriod:           &marketplace.Period{ShouldStartAfter: rfc(ssa)},
	}

	patch, err := f.poller.checkTender(context.Background(), tender)
	if err != nil {
		t.Fatalf("checkTender: %v", err)
	}
	if patch.AuctionPeriod == nil {
		t.Fatalf("patch = %+v", patch)
	}
	start, _ := time.Parse(time.RFC3339, patch.AuctionPeriod.StartDate)
	if !start.After(ssa) || start.Sub(ssa) > time.Hour {
		t.Fatalf("quick start %v too far from shouldStartAfter %v", start, ssa)
	}
	refs, _ := f.store.SlotsByTender(context.Background(), "t1")
	if len(refs) != 0 {
		t.Fatalf("quick path touched the plan store: %+v", refs)
	}
}
