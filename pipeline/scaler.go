package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-billing-events/core"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	DefaultScaleInterval   = 30 * time.Second
	DefaultHighWatermark   = 50
	DefaultLowWatermark    = 20
	DefaultDownStableTicks = 2
)

type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// Resizer is the only handle the scaler has on the pool.
type Resizer interface {
	Size() int
	Bounds() (minWorkers int, maxWorkers int)
	ScaleTo(n int) int
}

type ScaleDirection string

const (
	ScaleHold ScaleDirection = "hold"
	ScaleUp   ScaleDirection = "up"
	ScaleDown ScaleDirection = "down"
)

type ScaleDecision struct {
	Depth     int64
	From      int
	To        int
	Direction ScaleDirection
}

// Scaler is a hysteresis controller: one worker up on a high reading, one
// worker down after DownStableTicks consecutive low readings.
type Scaler struct {
	Depth           DepthReader
	Pool            Resizer
	Interval        time.Duration
	HighWatermark   int64
	LowWatermark    int64
	DownStableTicks int
	Logger          core.Logger
	Metrics         core.MetricsRecorder

	lowStreak int
}

func NewScaler(depth DepthReader, pool Resizer) *Scaler {
	return &Scaler{
		Depth:           depth,
		Pool:            pool,
		Interval:        DefaultScaleInterval,
		HighWatermark:   DefaultHighWatermark,
		LowWatermark:    DefaultLowWatermark,
		DownStableTicks: DefaultDownStableTicks,
		Logger:          glog.Nop(),
		Metrics:         core.NopMetricsRecorder{},
	}
}

// Run ticks until ctx ends. Tick is not safe for concurrent use, so Run owns
// the scaler while it runs.
func (s *Scaler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultScaleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				core.Log(ctx, s.Logger, core.LevelWarn, "scaler tick failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (s *Scaler) Tick(ctx context.Context) (ScaleDecision, error) {
	if s == nil || s.Depth == nil || s.Pool == nil {
		return ScaleDecision{}, fmt.Errorf("pipeline: scaler requires depth reader and pool")
	}
	current := s.Pool.Size()
	depth, err := s.Depth.Depth(ctx)
	if err != nil {
		return ScaleDecision{From: current, To: current, Direction: ScaleHold}, err
	}

	decision := s.decide(depth, current)
	if decision.Direction == ScaleHold {
		core.Log(ctx, s.Logger, core.LevelDebug, "scaler hold", map[string]any{
			"depth":      depth,
			"workers":    current,
			"low_streak": s.lowStreak,
		})
		return decision, nil
	}

	decision.To = s.Pool.ScaleTo(decision.To)
	core.Log(ctx, s.Logger, core.LevelInfo, "scaler "+string(decision.Direction), map[string]any{
		"depth": depth,
		"from":  decision.From,
		"to":    decision.To,
	})
	core.EnsureMetrics(s.Metrics).IncCounter(ctx, core.CounterName("scaler"), 1, map[string]string{
		"direction": string(decision.Direction),
	})
	return decision, nil
}

func (s *Scaler) decide(depth int64, current int) ScaleDecision {
	minWorkers, maxWorkers := s.Pool.Bounds()
	decision := ScaleDecision{Depth: depth, From: current, To: current, Direction: ScaleHold}

	if depth < s.LowWatermark {
		s.lowStreak++
	} else {
		s.lowStreak = 0
	}

	switch {
	case depth > s.HighWatermark && current < maxWorkers:
		decision.To = current + 1
		decision.Direction = ScaleUp
	case depth < s.LowWatermark && current > minWorkers && s.lowStreak >= s.downStableTicks():
		decision.To = current - 1
		decision.Direction = ScaleDown
		s.lowStreak = 0
	}
	return decision
}

func (s *Scaler) downStableTicks() int {
	if s.DownStableTicks <= 0 {
		return 1
	}
	return s.DownStableTicks
}
