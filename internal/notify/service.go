// Package notify delivers operator alerts to a Telegram chat. Delivery
// is best effort: alerts are queued without blocking the caller and
// dropped when the queue is full or the sink is disabled.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "chronograph/pkg/logx"
)

const queueSize = 64

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int // default 1
}

type Service struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	droppedMu sync.Mutex
	dropped   int
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify: chat id is required")
	}
	per := cfg.RatePerSec
	if per <= 0 {
		per = 1
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: nil, // default HTTP client
	})
	if err != nil {
		return nil, err
	}
	s.bot = b
	s.limiter = rate.NewLimiter(rate.Limit(per), per)
	s.queue = make(chan string, queueSize)
	return s, nil
}

// Enabled reports whether alerts actually go anywhere.
func (s *Service) Enabled() bool { return s.bot != nil }

func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	var runCtx context.Context
	runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.wg.Add(1)
	go s.run(runCtx)
	s.log.Info("alert sink started", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Alert queues one alert without blocking. Implements chrono.Alerter.
func (s *Service) Alert(_ context.Context, msg string) {
	if !s.Enabled() {
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.droppedMu.Lock()
		s.dropped++
		n := s.dropped
		s.droppedMu.Unlock()
		s.log.Warn("alert dropped (queue full)", logx.Int("dropped_total", n))
	}
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.send(msg)
		}
	}
}

func (s *Service) send(msg string) {
	start := time.Now()
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, msg)
	if err != nil {
		s.log.Warn("alert delivery failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	s.log.Debug("alert delivered", logx.Duration("took", time.Since(start)))
}
