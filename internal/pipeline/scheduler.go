package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrSchedulerStarted = errors.New("scheduler already started")

// Flusher — то, что Scheduler дергает по таймеру.
type Flusher interface {
	TryFlush(trigger Trigger) bool
}

// Scheduler периодически запускает сброс независимо от объема трафика.
type Scheduler struct {
	flusher  Flusher
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(flusher Flusher, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		flusher:  flusher,
		interval: interval,
		logger:   logger.With(zap.String("mod", "scheduler")),
	}
}

// Start запускает цикл в отдельной горутине. Цикл живет до Stop или отмены ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.logger.Info("flush scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop останавливает цикл и ждет его выхода. Повторный вызов безопасен.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("flush scheduler stopped")
			return
		case <-ticker.C:
			s.flusher.TryFlush(TriggerTimer)
		}
	}
}
