// Package tick runs the periodic maintenance pass. One pass executes the
// registered sweeps in a fixed order; sweep failures are logged and
// counted but never abort the pass. Passes are single-flight: a tick that
// arrives while one is running is skipped.
package tick

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nooterra/proxy/pkg/log"
	"github.com/nooterra/proxy/pkg/metrics"
	"github.com/nooterra/proxy/pkg/types"
)

// Sweep is one named unit of the tick pass.
type Sweep struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result summarizes one pass.
type Result struct {
	Ran       bool              `json:"ran"`
	StartedAt string            `json:"startedAt"`
	Duration  time.Duration     `json:"-"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Runner owns the tick loop.
type Runner struct {
	sweeps   []Sweep
	interval time.Duration
	logger   zerolog.Logger

	running sync.Mutex

	mu            sync.RWMutex
	stopped       bool
	lastTickAt    time.Time
	lastSuccessAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewRunner builds a runner over the given sweeps. The slice order is the
// execution order.
func NewRunner(sweeps []Sweep, interval time.Duration) *Runner {
	return &Runner{
		sweeps:   sweeps,
		interval: interval,
		logger:   log.WithComponent("tick"),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// RunTickOnce executes one pass. If a pass is already in flight, or the
// runner has been stopped, the call returns immediately with Ran=false.
func (r *Runner) RunTickOnce(ctx context.Context) *Result {
	r.mu.RLock()
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return &Result{Ran: false}
	}
	if !r.running.TryLock() {
		return &Result{Ran: false}
	}
	defer r.running.Unlock()

	start := r.now()
	res := &Result{Ran: true, StartedAt: types.FormatTimestamp(start)}
	r.mu.Lock()
	r.lastTickAt = start
	r.mu.Unlock()

	for _, s := range r.sweeps {
		if err := r.runSweep(ctx, s); err != nil {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[s.Name] = err.Error()
			metrics.TickSweepErrorsTotal.WithLabelValues(s.Name).Inc()
			r.logger.Error().Err(err).Str("sweep", s.Name).Msg("sweep failed")
		}
	}

	res.Duration = r.now().Sub(start)
	metrics.TickPassesTotal.Inc()
	metrics.TickDuration.Observe(res.Duration.Seconds())
	if len(res.Errors) == 0 {
		r.mu.Lock()
		r.lastSuccessAt = start
		r.mu.Unlock()
	}
	r.logger.Debug().Dur("duration", res.Duration).Int("errors", len(res.Errors)).Msg("tick pass complete")
	return res
}

// runSweep isolates one sweep, converting panics into errors so a broken
// sweep cannot take down the loop.
func (r *Runner) runSweep(ctx context.Context, s Sweep) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sweep %s panicked: %v", s.Name, rec)
		}
	}()
	return s.Run(ctx)
}

// LastTickAt returns when the most recent pass started.
func (r *Runner) LastTickAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastTickAt
}

// LastSuccessAt returns when the most recent fully clean pass started.
func (r *Runner) LastSuccessAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSuccessAt
}

// Start launches the periodic loop.
func (r *Runner) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		r.logger.Info().Dur("interval", r.interval).Msg("tick loop started")
		for {
			select {
			case <-ticker.C:
				r.RunTickOnce(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight pass to finish. Further
// RunTickOnce calls are no-ops.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.stopCh)
	r.wg.Wait()
	r.running.Lock() // wait for an in-flight pass
	r.running.Unlock()
	r.logger.Info().Msg("tick loop stopped")
}
