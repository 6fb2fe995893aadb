// Package control holds the fixed-rate update loop that drives the controller manager and the
// numerical building blocks controllers are made of.
package control

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"go.viam.com/ctrlmgr/logging"
)

// MaxRateHz is the highest supported loop rate.
const MaxRateHz = 1000

// statsWindow is how many recent ticks Stats is computed over.
const statsWindow = 1000

// Updater is run once per tick with the tick time and the time elapsed since the previous tick.
type Updater interface {
	Update(now time.Time, dt time.Duration)
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(now time.Time, dt time.Duration)

// Update calls f.
func (f UpdaterFunc) Update(now time.Time, dt time.Duration) {
	f(now, dt)
}

// LoopMetrics receives per-tick measurements.
type LoopMetrics interface {
	ObserveTick(duration time.Duration)
	ObserveOverrun()
}

type noopLoopMetrics struct{}

func (noopLoopMetrics) ObserveTick(time.Duration) {}
func (noopLoopMetrics) ObserveOverrun()           {}

// LoopStats summarizes the recent ticks of a Loop.
type LoopStats struct {
	RateHz   float64       `json:"rate_hz"`
	Period   time.Duration `json:"period"`
	Running  bool          `json:"running"`
	Ticks    uint64        `json:"ticks"`
	Overruns uint64        `json:"overruns"`

	// Computed over the last statsWindow ticks.
	MeanDuration time.Duration `json:"mean_duration"`
	P99Duration  time.Duration `json:"p99_duration"`
	MaxDuration  time.Duration `json:"max_duration"`
	// Jitter is the standard deviation of the measured tick interval.
	Jitter time.Duration `json:"jitter"`
}

// Loop calls its updaters in order at a fixed rate on a background goroutine.
type Loop struct {
	logger   logging.Logger
	clk      clock.Clock
	rateHz   float64
	period   time.Duration
	metrics  LoopMetrics
	updaters []Updater

	mu                      sync.Mutex
	running                 bool
	stop                    chan struct{}
	activeBackgroundWorkers sync.WaitGroup

	ticks    atomic.Uint64
	overruns atomic.Uint64

	windowMu  sync.Mutex
	durations []float64
	intervals []float64
	next      int
}

// NewLoop returns a stopped loop. metrics may be nil.
func NewLoop(logger logging.Logger, clk clock.Clock, rateHz float64, metrics LoopMetrics, updaters ...Updater) (*Loop, error) {
	if rateHz <= 0 || rateHz > MaxRateHz {
		return nil, errors.Errorf("loop rate should be above 0 and at most %dHz, got %v", MaxRateHz, rateHz)
	}
	if len(updaters) == 0 {
		return nil, errors.New("cannot create a loop with nothing to update")
	}
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = noopLoopMetrics{}
	}
	return &Loop{
		logger:   logger,
		clk:      clk,
		rateHz:   rateHz,
		period:   time.Duration(float64(time.Second) / rateHz),
		metrics:  metrics,
		updaters: updaters,
	}, nil
}

// Period returns the nominal tick interval.
func (l *Loop) Period() time.Duration {
	return l.period
}

// Start starts ticking. The first tick happens one period after Start.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.New("loop already running")
	}
	l.logger.Infof("running loop at %1.1fHz (period %v)", l.rateHz, l.period)
	ticker := l.clk.Ticker(l.period)
	stop := make(chan struct{})
	l.stop = stop
	last := l.clk.Now()

	l.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			default:
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := l.clk.Now()
				l.tick(now, now.Sub(last))
				last = now
			}
		}
	}, l.activeBackgroundWorkers.Done)
	l.running = true
	return nil
}

func (l *Loop) tick(now time.Time, dt time.Duration) {
	for _, u := range l.updaters {
		u.Update(now, dt)
	}
	took := l.clk.Since(now)
	l.ticks.Inc()
	l.metrics.ObserveTick(took)
	if took > l.period {
		n := l.overruns.Inc()
		l.metrics.ObserveOverrun()
		// Log the first overrun and then one in every hundred.
		if n%100 == 1 {
			l.logger.Warnw("update loop overran its period", "took", took, "period", l.period, "overruns", n)
		}
	}
	l.record(took, dt)
}

func (l *Loop) record(took, dt time.Duration) {
	l.windowMu.Lock()
	defer l.windowMu.Unlock()
	if len(l.durations) < statsWindow {
		l.durations = append(l.durations, float64(took))
		l.intervals = append(l.intervals, float64(dt))
		return
	}
	l.durations[l.next] = float64(took)
	l.intervals[l.next] = float64(dt)
	l.next = (l.next + 1) % statsWindow
}

// Stop stops the loop and waits for the tick in progress, if any, to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.logger.Debug("stopping loop")
	close(l.stop)
	l.activeBackgroundWorkers.Wait()
	l.running = false
}

// Stats returns the counters and the timing of the recent ticks.
func (l *Loop) Stats() LoopStats {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()

	s := LoopStats{
		RateHz:   l.rateHz,
		Period:   l.period,
		Running:  running,
		Ticks:    l.ticks.Load(),
		Overruns: l.overruns.Load(),
	}

	l.windowMu.Lock()
	durations := stats.Float64Data(append([]float64(nil), l.durations...))
	intervals := stats.Float64Data(append([]float64(nil), l.intervals...))
	l.windowMu.Unlock()
	if len(durations) == 0 {
		return s
	}
	// Errors only occur on empty input.
	mean, _ := durations.Mean()
	p99, _ := durations.Percentile(99)
	maxDur, _ := durations.Max()
	jitter, _ := intervals.StandardDeviation()
	s.MeanDuration = time.Duration(mean)
	s.P99Duration = time.Duration(p99)
	s.MaxDuration = time.Duration(maxDur)
	s.Jitter = time.Duration(jitter)
	return s
}
