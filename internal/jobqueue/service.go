// Package jobqueue runs per-tender timer jobs (recheck/resync) with
// replace-by-key semantics. Jobs are persisted so a restart resumes
// pending timers; jobs overdue past their misfire grace are dropped on
// reload instead of stampeding the marketplace.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chronograph/internal/storage"
	logx "chronograph/pkg/logx"
)

// DefaultMisfireGrace bounds how late a persisted job may fire after a
// restart before it is considered dead.
const DefaultMisfireGrace = time.Hour

const (
	KindRecheck = "recheck"
	KindResync  = "resync"
)

// Payload travels with a job through the store.
type Payload struct {
	Kind     string `json:"kind"`
	TenderID string `json:"tender_id"`
	Mode     string `json:"mode,omitempty"`
	ServerID string `json:"server_id,omitempty"`
}

// RecheckKey and ResyncKey build the replace-by-key job identifiers:
// scheduling the same key again replaces the pending timer.
func RecheckKey(tenderID string) string { return "recheck_" + tenderID }
func ResyncKey(tenderID string) string  { return "resync_" + tenderID }

// Handler executes a due job. It runs on its own goroutine; the job row
// is already deleted, so rescheduling is the handler's responsibility.
type Handler func(ctx context.Context, key string, p Payload)

type Service struct {
	store *storage.Store
	log   logx.Logger
	grace time.Duration

	handler Handler

	mu     sync.Mutex
	timers map[string]*time.Timer
	dueAt  map[string]time.Time
	ver    map[string]uint64

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time // test hook
}

func New(store *storage.Store, grace time.Duration, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if grace <= 0 {
		grace = DefaultMisfireGrace
	}
	return &Service{
		store:  store,
		log:    log,
		grace:  grace,
		timers: map[string]*time.Timer{},
		dueAt:  map[string]time.Time{},
		ver:    map[string]uint64{},
		now:    time.Now,
	}
}

// SetHandler must be called before Start.
func (s *Service) SetHandler(h Handler) { s.handler = h }

// Start reloads persisted jobs and arms their timers. Jobs whose due time
// is more than the misfire grace in the past are deleted, the rest fire
// immediately or at their due time.
func (s *Service) Start(ctx context.Context) error {
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	jobs, err := s.store.Jobs(ctx)
	if err != nil {
		return fmt.Errorf("reload jobs: %w", err)
	}

	now := s.now()
	restored, dropped := 0, 0
	for _, j := range jobs {
		grace := j.Grace
		if grace <= 0 {
			grace = s.grace
		}
		if now.After(j.DueAt.Add(grace)) {
			if err := s.store.DeleteJob(ctx, j.Key); err != nil {
				return err
			}
			dropped++
			s.log.Warn("dropped misfired job",
				logx.String("key", j.Key), logx.Time("due_at", j.DueAt))
			continue
		}
		var p Payload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			_ = s.store.DeleteJob(ctx, j.Key)
			s.log.Warn("dropped job with bad payload", logx.String("key", j.Key), logx.Err(err))
			continue
		}
		s.armTimer(j.Key, j.DueAt, p)
		restored++
	}
	s.log.Info("job queue started", logx.Int("restored", restored), logx.Int("dropped", dropped))
	return nil
}

// Stop cancels running handlers, stops pending timers and waits for
// handlers to drain. Pending jobs stay persisted for the next Start.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.dueAt = map[string]time.Time{}
	s.ver = map[string]uint64{}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("job queue stopped")
}

// Schedule persists and arms a job, replacing any pending job with the
// same key.
func (s *Service) Schedule(ctx context.Context, key string, due time.Time, p Payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = s.store.PutJob(ctx, storage.JobRecord{Key: key, DueAt: due, Grace: s.grace, Payload: b})
	if err != nil {
		return err
	}
	s.armTimer(key, due, p)
	s.log.Debug("job scheduled", logx.String("key", key), logx.Time("due_at", due))
	return nil
}

// Cancel removes a pending job. Unknown keys are a no-op.
func (s *Service) Cancel(ctx context.Context, key string) error {
	if err := s.store.DeleteJob(ctx, key); err != nil {
		return err
	}
	s.mu.Lock()
	if t, ok := s.timers[key]; ok {
		_ = t.Stop()
		delete(s.timers, key)
		delete(s.dueAt, key)
		delete(s.ver, key)
	}
	s.mu.Unlock()
	return nil
}

// NextRun reports the due time of a pending job.
func (s *Service) NextRun(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.dueAt[key]
	return at, ok
}

// Snapshot lists all pending jobs with their due times.
func (s *Service) Snapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.dueAt))
	for k, v := range s.dueAt {
		out[k] = v
	}
	return out
}

func (s *Service) armTimer(key string, due time.Time, p Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		_ = t.Stop()
	}
	// bump version to ignore stale callbacks from a replaced timer
	ver := s.ver[key] + 1
	s.ver[key] = ver
	s.dueAt[key] = due

	delay := due.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = time.AfterFunc(delay, func() { s.fire(key, ver, p) })
}

func (s *Service) fire(key string, ver uint64, p Payload) {
	s.mu.Lock()
	if s.ver[key] != ver {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	delete(s.dueAt, key)
	delete(s.ver, key)
	s.mu.Unlock()

	ctx := s.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	// Remove the persisted row before running so a crash mid-handler does
	// not replay the job on restart; the handler reschedules as needed.
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := s.store.DeleteJob(dctx, key)
	cancel()
	if err != nil {
		s.log.Warn("job row delete failed", logx.String("key", key), logx.Err(err))
	}

	h := s.handler
	if h == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job handler panic",
					logx.String("key", key), logx.Any("panic", r))
			}
		}()
		h(ctx, key, p)
	}()
}
