package bot

import (
	"context"
	"sync"
	"time"
)

// Scheduler - периодический запуск функции с явной отменой
//
// Повторный Start при работающем таймере ничего не делает, поэтому
// перезагрузка хоста не создаёт второй таймер. Stop ждёт завершения
// текущего цикла.
type Scheduler struct {
	interval time.Duration
	fn       func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler создаёт планировщик
func NewScheduler(interval time.Duration, fn func(ctx context.Context)) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{interval: interval, fn: fn}
}

// Start запускает таймер; false - уже запущен
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(runCtx, s.done)
	return true
}

// Stop отменяет таймер и ждёт выхода из цикла
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Running - таймер активен
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fn(ctx)
		}
	}
}
