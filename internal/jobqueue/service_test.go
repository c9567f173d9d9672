package jobqueue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"chronograph/internal/storage"
	logx "chronograph/pkg/logx"
)

func newTestQueue(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, time.Hour, logx.Nop()), st
}

type firedJob struct {
	key string
	p   Payload
}

func TestScheduleFiresAndDeletesRow(t *testing.T) {
	q, st := newTestQueue(t)
	fired := make(chan firedJob, 4)
	q.SetHandler(func(ctx context.Context, key string, p Payload) {
		fired <- firedJob{key, p}
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	ctx := context.Background()
	p := Payload{Kind: KindRecheck, TenderID: "t1", ServerID: "srv"}
	if err := q.Schedule(ctx, RecheckKey("t1"), time.Now().Add(20*time.Millisecond), p); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case f := <-fired:
		if f.key != "recheck_t1" || f.p != p {
			t.Fatalf("fired = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}

	// the persisted row is gone once the job ran
	deadline := time.Now().Add(time.Second)
	for {
		jobs, err := st.Jobs(ctx)
		if err != nil {
			t.Fatalf("jobs: %v", err)
		}
		if len(jobs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job row still present: %+v", jobs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduleReplacesByKey(t *testing.T) {
	q, _ := newTestQueue(t)
	fired := make(chan firedJob, 4)
	q.SetHandler(func(ctx context.Context, key string, p Payload) {
		fired <- firedJob{key, p}
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	ctx := context.Background()
	key := ResyncKey("t1")
	if err := q.Schedule(ctx, key, time.Now().Add(300*time.Millisecond), Payload{Kind: KindResync, TenderID: "t1", Mode: "old"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.Schedule(ctx, key, time.Now().Add(20*time.Millisecond), Payload{Kind: KindResync, TenderID: "t1", Mode: "new"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	select {
	case f := <-fired:
		if f.p.Mode != "new" {
			t.Fatalf("stale timer fired: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}

	// the replaced timer must not fire as well
	select {
	case f := <-fired:
		t.Fatalf("second fire for replaced key: %+v", f)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestCancelStopsPendingJob(t *testing.T) {
	q, st := newTestQueue(t)
	fired := make(chan firedJob, 1)
	q.SetHandler(func(ctx context.Context, key string, p Payload) {
		fired <- firedJob{key, p}
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	ctx := context.Background()
	key := RecheckKey("t1")
	if err := q.Schedule(ctx, key, time.Now().Add(50*time.Millisecond), Payload{Kind: KindRecheck, TenderID: "t1"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.Cancel(ctx, key); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := q.NextRun(key); ok {
		t.Fatal("job still pending after cancel")
	}

	select {
	case f := <-fired:
		t.Fatalf("cancelled job fired: %+v", f)
	case <-time.After(300 * time.Millisecond):
	}
	jobs, _ := st.Jobs(ctx)
	if len(jobs) != 0 {
		t.Fatalf("job row survived cancel: %+v", jobs)
	}
}

func TestStartDropsJobsPastGrace(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	put := func(key string, due time.Time) {
		t.Helper()
		b, _ := json.Marshal(Payload{Kind: KindRecheck, TenderID: key})
		err := st.PutJob(ctx, storage.JobRecord{Key: key, DueAt: due, Grace: time.Hour, Payload: b})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	now := time.Now()
	put("recheck_dead", now.Add(-2*time.Hour))    // past grace: dropped
	put("recheck_late", now.Add(-10*time.Minute)) // within grace: fires now
	put("recheck_due", now.Add(200*time.Millisecond))

	fired := make(chan firedJob, 4)
	q.SetHandler(func(ctx context.Context, key string, p Payload) {
		fired <- firedJob{key, p}
	})
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	select {
	case f := <-fired:
		if f.key != "recheck_late" {
			t.Fatalf("first fire = %+v, want recheck_late", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late job did not fire")
	}
	select {
	case f := <-fired:
		if f.key != "recheck_due" {
			t.Fatalf("second fire = %+v, want recheck_due", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("due job did not fire")
	}

	jobs, _ := st.Jobs(ctx)
	if len(jobs) != 0 {
		t.Fatalf("dead job not dropped: %+v", jobs)
	}
}

func TestSnapshotListsPendingJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	ctx := context.Background()
	due := time.Now().Add(time.Hour)
	_ = q.Schedule(ctx, RecheckKey("a"), due, Payload{Kind: KindRecheck, TenderID: "a"})
	_ = q.Schedule(ctx, ResyncKey("b"), due.Add(time.Minute), Payload{Kind: KindResync, TenderID: "b"})

	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if at, ok := q.NextRun(RecheckKey("a")); !ok || !at.Equal(due) {
		t.Fatalf("NextRun = %v, %v", at, ok)
	}
}
