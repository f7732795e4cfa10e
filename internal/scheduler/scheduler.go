// Package scheduler decides when a sync cycle runs.
//
// Triggers come from connectivity transitions (offline to online), the
// application returning to the foreground, manual requests, an optional
// periodic tick and file events from the Watcher. Whatever the source:
//   - only one cycle runs at a time; a trigger that arrives mid-cycle is dropped
//   - no two cycles start within MinInterval of each other
//   - a cycle that is running is never cancelled by a trigger
//
// The cycle itself (operation log drain, then manifest sync) is supplied by
// the caller.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Reason names what caused a trigger.
type Reason string

const (
	ReasonStartup      Reason = "startup"
	ReasonConnectivity Reason = "connectivity"
	ReasonForeground   Reason = "foreground"
	ReasonManual       Reason = "manual"
	ReasonPeriodic     Reason = "periodic"
	ReasonAuth         Reason = "auth"
	ReasonInbox        Reason = "inbox"
)

// Outcome is what Trigger did with a request.
type Outcome int

const (
	// Started means a cycle was launched.
	Started Outcome = iota
	// SkippedRunning means a cycle was already in flight.
	SkippedRunning
	// SkippedInterval means the previous cycle started less than MinInterval ago.
	SkippedInterval
	// SkippedOffline means the last connectivity report was offline.
	SkippedOffline
	// SkippedStopped means the scheduler has been stopped.
	SkippedStopped
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case SkippedRunning:
		return "skipped: cycle running"
	case SkippedInterval:
		return "skipped: too soon"
	case SkippedOffline:
		return "skipped: offline"
	case SkippedStopped:
		return "skipped: stopped"
	default:
		return "unknown"
	}
}

// CycleFunc runs one sync cycle.
type CycleFunc func(ctx context.Context, reason Reason) error

// ProbeFunc checks whether the server is reachable.
type ProbeFunc func(ctx context.Context) error

// Config holds configuration for the scheduler.
type Config struct {
	// MinInterval is the minimum time between cycle starts (default: 30s)
	MinInterval time.Duration

	// PeriodicInterval triggers a cycle on a timer; zero disables it
	PeriodicInterval time.Duration

	// ProbeInterval is how often Probe is called; zero disables probing
	ProbeInterval time.Duration

	// Probe reports connectivity (optional)
	Probe ProbeFunc

	// OnCycle is called after every cycle with its error, if any (optional)
	OnCycle func(reason Reason, err error)

	// Logger for scheduling decisions
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinInterval:   30 * time.Second,
		ProbeInterval: 15 * time.Second,
		Logger:        log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Scheduler runs cycles in response to triggers.
type Scheduler struct {
	cycle  CycleFunc
	config *Config
	logger *log.Logger

	running atomic.Bool
	online  atomic.Bool
	stopped atomic.Bool

	mu        sync.Mutex
	lastStart time.Time
	lastErr   error
	cycles    int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cycleWG sync.WaitGroup
}

// New creates a scheduler. The connectivity state starts online so the
// first trigger is not lost before a probe has run.
func New(cycle CycleFunc, config *Config) (*Scheduler, error) {
	if cycle == nil {
		return nil, fmt.Errorf("cycle cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MinInterval < 0 {
		config.MinInterval = 0
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cycle:  cycle,
		config: config,
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.online.Store(true)
	return s, nil
}

// Trigger requests a cycle. It never blocks: an accepted trigger runs the
// cycle on a goroutine owned by the scheduler.
func (s *Scheduler) Trigger(reason Reason) Outcome {
	if s.stopped.Load() {
		return SkippedStopped
	}
	if reason != ReasonManual && !s.online.Load() {
		return SkippedOffline
	}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Printf("Trigger %s dropped: cycle in flight", reason)
		return SkippedRunning
	}

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		s.running.Store(false)
		return SkippedStopped
	}
	now := time.Now()
	if !s.lastStart.IsZero() && now.Sub(s.lastStart) < s.config.MinInterval {
		s.mu.Unlock()
		s.running.Store(false)
		return SkippedInterval
	}
	s.lastStart = now
	s.cycleWG.Add(1)
	s.mu.Unlock()

	go s.runCycle(reason)
	return Started
}

func (s *Scheduler) runCycle(reason Reason) {
	defer s.cycleWG.Done()
	defer s.running.Store(false)

	s.logger.Printf("Cycle started (%s)", reason)
	start := time.Now()
	err := s.cycle(s.ctx, reason)

	s.mu.Lock()
	s.lastErr = err
	s.cycles++
	s.mu.Unlock()

	if err != nil {
		s.logger.Printf("Cycle failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
	} else {
		s.logger.Printf("Cycle complete in %v", time.Since(start).Round(time.Millisecond))
	}
	if s.config.OnCycle != nil {
		s.config.OnCycle(reason, err)
	}
}

// OnConnectivity records a connectivity report and triggers a cycle on an
// offline to online transition.
func (s *Scheduler) OnConnectivity(online bool) Outcome {
	was := s.online.Swap(online)
	if online && !was {
		s.logger.Println("Connectivity restored")
		return s.Trigger(ReasonConnectivity)
	}
	if !online && was {
		s.logger.Println("Connectivity lost")
	}
	return SkippedOffline
}

// OnForeground triggers a cycle when the host application is foregrounded.
func (s *Scheduler) OnForeground() Outcome {
	return s.Trigger(ReasonForeground)
}

// Manual triggers a user-requested cycle. It is attempted even when the
// last probe said offline, but still honors MinInterval and single-flight.
func (s *Scheduler) Manual() Outcome {
	return s.Trigger(ReasonManual)
}

// Online reports the last known connectivity state.
func (s *Scheduler) Online() bool {
	return s.online.Load()
}

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Status is a snapshot of the scheduler.
type Status struct {
	Online    bool
	Running   bool
	Cycles    int
	LastStart time.Time
	LastErr   error
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Online:    s.online.Load(),
		Running:   s.running.Load(),
		Cycles:    s.cycles,
		LastStart: s.lastStart,
		LastErr:   s.lastErr,
	}
}

// Run triggers a startup cycle, then probes connectivity and fires periodic
// triggers until ctx is cancelled. It stops the scheduler before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.stopped.Load() {
		return fmt.Errorf("scheduler stopped")
	}
	s.logger.Println("Starting scheduler")
	s.Trigger(ReasonStartup)

	if s.config.Probe != nil && s.config.ProbeInterval > 0 {
		s.wg.Add(1)
		go s.probeLoop()
	}
	if s.config.PeriodicInterval > 0 {
		s.wg.Add(1)
		go s.periodicLoop()
	}

	select {
	case <-ctx.Done():
		s.logger.Println("Shutdown signal received")
	case <-s.ctx.Done():
	}
	return s.Stop()
}

func (s *Scheduler) probeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			err := s.config.Probe(s.ctx)
			if s.ctx.Err() != nil {
				return
			}
			s.OnConnectivity(err == nil)
		}
	}
}

func (s *Scheduler) periodicLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PeriodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Trigger(ReasonPeriodic)
		}
	}
}

// Wait blocks until the in-flight cycle (if any) finishes.
func (s *Scheduler) Wait() {
	s.cycleWG.Wait()
}

// Stop cancels the scheduler's context, rejects further triggers and waits
// for background goroutines, including an in-flight cycle.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.stopped.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Println("Stopping scheduler")
	s.cancel()
	s.wg.Wait()
	s.cycleWG.Wait()
	s.logger.Println("Scheduler stopped")
	return nil
}
