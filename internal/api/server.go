// Package api is the thin HTTP control surface: manual recheck/resync
// triggers, pending-job listing and calendar editing. It carries no
// business logic of its own; every handler is a pass-through to the job
// queue or the calendar store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chronograph/internal/jobqueue"
	"chronograph/internal/storage"
	logx "chronograph/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	cfg   Config
	jobs  *jobqueue.Service
	store *storage.Store
	log   logx.Logger

	srv *http.Server
}

func New(cfg Config, jobs *jobqueue.Service, store *storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, jobs: jobs, store: store, log: log}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/resync/{tenderID}", s.handleTrigger(jobqueue.KindResync))
	r.Get("/recheck/{tenderID}", s.handleTrigger(jobqueue.KindRecheck))
	r.Get("/jobs", s.handleJobs)

	r.Route("/calendar", func(r chi.Router) {
		r.Get("/", s.handleCalendar)
		r.Post("/{date}", s.handleAddHoliday)
		r.Delete("/{date}", s.handleRemoveHoliday)
	})
	return r
}

// handleTrigger queues an immediate recheck or resync for a tender. A
// few hundred milliseconds of jitter keeps bulk curl loops from landing
// on the same tick.
func (s *Server) handleTrigger(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenderID := chi.URLParam(r, "tenderID")
		if tenderID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tender id required"})
			return
		}
		var key string
		switch kind {
		case jobqueue.KindRecheck:
			key = jobqueue.RecheckKey(tenderID)
		default:
			key = jobqueue.ResyncKey(tenderID)
		}
		due := time.Now().Add(time.Duration(10+rand.Intn(291)) * time.Millisecond)
		err := s.jobs.Schedule(r.Context(), key, due, jobqueue.Payload{
			Kind:     kind,
			TenderID: tenderID,
		})
		if err != nil {
			s.log.Error("manual trigger failed",
				logx.String("kind", kind), logx.String("tender", tenderID), logx.Err(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scheduling failed"})
			return
		}
		s.log.Info("manual trigger",
			logx.String("kind", kind), logx.String("tender", tenderID))
		writeJSON(w, http.StatusOK, nil)
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	snap := s.jobs.Snapshot()
	jobs := make(map[string]string, len(snap))
	for key, due := range snap {
		jobs[key] = due.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	days, err := s.store.Holidays(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "calendar read failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"working_days": days})
}

func (s *Server) handleAddHoliday(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDay(w, r)
	if !ok {
		return
	}
	if err := s.store.AddHoliday(r.Context(), day); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "calendar write failed"})
		return
	}
	s.log.Info("holiday added", logx.String("day", day))
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRemoveHoliday(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDay(w, r)
	if !ok {
		return
	}
	if err := s.store.RemoveHoliday(r.Context(), day); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "calendar write failed"})
		return
	}
	s.log.Info("holiday removed", logx.String("day", day))
	writeJSON(w, http.StatusOK, nil)
}

func parseDay(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "date")
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "date must be YYYY-MM-DD"})
		return "", false
	}
	return d.Format("2006-01-02"), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		_, _ = w.Write([]byte("null\n"))
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins serving in the background; ListenAndServe errors other
// than graceful-close are reported on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("control api listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
