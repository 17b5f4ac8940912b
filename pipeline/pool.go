package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-billing-events/core"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

type PoolConfig struct {
	MinWorkers   int
	MaxWorkers   int
	PopTimeout   time.Duration
	QueueBackoff time.Duration
	// Scaler is optional; a zero Interval disables the scaling loop.
	Scaler ScalerSettings
}

type ScalerSettings struct {
	Interval        time.Duration
	HighWatermark   int64
	LowWatermark    int64
	DownStableTicks int
}

func PoolConfigFrom(cfg core.Config) PoolConfig {
	return PoolConfig{
		MinWorkers:   cfg.Pool.MinWorkers,
		MaxWorkers:   cfg.Pool.MaxWorkers,
		PopTimeout:   cfg.Queue.PopTimeout,
		QueueBackoff: cfg.Pool.QueueBackoff,
		Scaler: ScalerSettings{
			Interval:        cfg.Scaler.Interval,
			HighWatermark:   cfg.Scaler.HighWatermark,
			LowWatermark:    cfg.Scaler.LowWatermark,
			DownStableTicks: cfg.Scaler.DownStableTicks,
		},
	}
}

type PoolOption func(*Pool)

func WithPoolLogger(logger core.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithPoolMetrics(recorder core.MetricsRecorder) PoolOption {
	return func(p *Pool) {
		if recorder != nil {
			p.metrics = recorder
		}
	}
}

// WithResultHook observes every processed payload across workers.
func WithResultHook(hook func(workerID string, result Result)) PoolOption {
	return func(p *Pool) {
		p.onResult = hook
	}
}

type workerHandle struct {
	id   string
	stop chan struct{}
}

// Pool owns worker membership. Workers and the scaler never change it
// directly; membership only moves through Start, ScaleTo and Shutdown.
type Pool struct {
	cfg       PoolConfig
	queue     core.EventQueue
	processor *Processor
	logger    core.Logger
	metrics   core.MetricsRecorder
	onResult  func(string, Result)

	mu       sync.Mutex
	workers  []*workerHandle
	started  bool
	stopping bool
	stopped  chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	scalerWG sync.WaitGroup
}

func NewPool(cfg PoolConfig, processor *Processor, queue core.EventQueue, opts ...PoolOption) (*Pool, error) {
	if processor == nil {
		return nil, fmt.Errorf("pipeline: processor is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("pipeline: queue is required")
	}
	if cfg.MinWorkers < 1 {
		return nil, fmt.Errorf("pipeline: min workers must be at least 1")
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		return nil, fmt.Errorf("pipeline: max workers %d below min workers %d", cfg.MaxWorkers, cfg.MinWorkers)
	}
	pool := &Pool{
		cfg:       cfg,
		queue:     queue,
		processor: processor,
		logger:    glog.Nop(),
		metrics:   core.NopMetricsRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(pool)
		}
	}
	return pool, nil
}

// Start spins up MinWorkers workers and the scaler loop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: pool already started")
	}
	p.started = true
	p.runCtx, p.cancel = context.WithCancel(ctx)
	for len(p.workers) < p.cfg.MinWorkers {
		p.spawnLocked()
	}
	p.mu.Unlock()

	if p.cfg.Scaler.Interval > 0 {
		scaler := NewScaler(p.queue, p)
		scaler.Interval = p.cfg.Scaler.Interval
		if p.cfg.Scaler.HighWatermark > 0 {
			scaler.HighWatermark = p.cfg.Scaler.HighWatermark
		}
		if p.cfg.Scaler.LowWatermark > 0 {
			scaler.LowWatermark = p.cfg.Scaler.LowWatermark
		}
		if p.cfg.Scaler.DownStableTicks > 0 {
			scaler.DownStableTicks = p.cfg.Scaler.DownStableTicks
		}
		scaler.Logger = p.logger
		scaler.Metrics = p.metrics
		p.scalerWG.Add(1)
		go func() {
			defer p.scalerWG.Done()
			scaler.Run(p.runCtx)
		}()
	}

	core.Log(ctx, p.logger, core.LevelInfo, "worker pool started", map[string]any{
		"min_workers": p.cfg.MinWorkers,
		"max_workers": p.cfg.MaxWorkers,
	})
	return nil
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) Bounds() (int, int) {
	return p.cfg.MinWorkers, p.cfg.MaxWorkers
}

// ScaleTo clamps n to the pool bounds, starts or signals workers and returns
// the resulting size. Signalled workers finish their current item first.
func (p *Pool) ScaleTo(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopping {
		return len(p.workers)
	}
	if n < p.cfg.MinWorkers {
		n = p.cfg.MinWorkers
	}
	if n > p.cfg.MaxWorkers {
		n = p.cfg.MaxWorkers
	}
	for len(p.workers) < n {
		p.spawnLocked()
	}
	for len(p.workers) > n {
		last := p.workers[len(p.workers)-1]
		p.workers = p.workers[:len(p.workers)-1]
		close(last.stop)
		core.Log(p.runCtx, p.logger, core.LevelInfo, "worker signalled to stop", map[string]any{"worker_id": last.id})
	}
	return len(p.workers)
}

// Shutdown stops the scaler, signals every worker and waits for them to
// finish their current item. ctx bounds the wait. Concurrent and repeated
// calls wait on the same drain.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	if p.stopping {
		done := p.stopped
		p.mu.Unlock()
		return p.awaitStopped(ctx, done)
	}
	p.stopping = true
	for _, handle := range p.workers {
		close(handle.stop)
	}
	p.workers = nil
	cancel := p.cancel
	done := make(chan struct{})
	p.stopped = done
	p.mu.Unlock()

	cancel()

	go func() {
		p.wg.Wait()
		p.scalerWG.Wait()
		close(done)
	}()

	if err := p.awaitStopped(ctx, done); err != nil {
		return err
	}
	core.Log(ctx, p.logger, core.LevelInfo, "worker pool stopped", nil)
	return nil
}

func (p *Pool) awaitStopped(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: shutdown wait interrupted: %w", ctx.Err())
	}
}

func (p *Pool) spawnLocked() {
	handle := &workerHandle{
		id:   "worker-" + uuid.NewString()[:8],
		stop: make(chan struct{}),
	}
	p.workers = append(p.workers, handle)

	worker := &Worker{
		ID:           handle.id,
		Queue:        p.queue,
		Processor:    p.processor,
		PopTimeout:   p.cfg.PopTimeout,
		QueueBackoff: p.cfg.QueueBackoff,
		Logger:       p.logger,
	}
	if p.onResult != nil {
		hook := p.onResult
		worker.Processed = func(result Result) { hook(handle.id, result) }
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		worker.Run(p.runCtx, handle.stop)
	}()
}

var _ Resizer = (*Pool)(nil)
