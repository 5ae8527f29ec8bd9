package service

import (
	"context"
	"sync"
	"time"

	"lime_farm/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
)

var SweptSessions = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "farming_sessions_swept_total",
	Help: "Farming sessions settled by the background sweeper",
})

func init() {
	prometheus.MustRegister(SweptSessions)
}

// Sweeper periodically settles sessions that finished while their owner was away.
type Sweeper struct {
	svc      *LedgerService
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(svc *LedgerService, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{svc: svc, interval: interval}
}

// Start launches the loop. It runs one sweep immediately. Calling Start on a
// running sweeper is a no-op.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.cancel != nil {
		return
	}

	ctx, sw.cancel = context.WithCancel(ctx)
	sw.wg.Add(1)
	go sw.run(ctx)
	logger.Info("sweeper started", "interval", sw.interval)
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	sw.wg.Wait()
	sw.cancel = nil
	logger.Info("sweeper stopped")
}

func (sw *Sweeper) run(ctx context.Context) {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			sw.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep and returns the number of sessions settled.
func (sw *Sweeper) RunOnce(ctx context.Context) int {
	n, err := sw.svc.SweepStaleSessions(ctx)
	if n > 0 {
		SweptSessions.Add(float64(n))
		logger.Info("sweep settled sessions", "count", n)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("sweep failed", "error", err)
	}
	return n
}
