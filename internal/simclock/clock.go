// Package simclock implements the project clock: the virtual time source that drives
// when forecasts are due. It runs either proportionally to wall-clock time (optionally
// accelerated) or in lock-step with external step events.
package simclock

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tremor/tremor/internal/events"
	"github.com/tremor/tremor/internal/models"
	"github.com/tremor/tremor/pkg/clock"
)

// DefaultTickInterval is the wall-clock tick period used in wall-clock mode.
const DefaultTickInterval = time.Second

// TimeRange is the simulated interval [Start, End].
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Config configures one simulation run.
type Config struct {
	Range TimeRange
	Mode  models.ClockMode
	// Speed multiplies simulated time per wall-clock tick (wall-clock mode only).
	Speed float64
	// Step is the advance per external step event (external-step mode only).
	Step time.Duration
}

// Validate validates the clock configuration.
func (c Config) Validate() error {
	if !c.Range.Start.Before(c.Range.End) {
		return models.ErrInvalidRange
	}
	switch c.Mode {
	case models.ClockWallClock:
		if c.Speed <= 0 {
			return models.ErrInvalidSpeed
		}
	case models.ClockExternalStep:
		if c.Step <= 0 {
			return models.ErrInvalidStep
		}
	default:
		return fmt.Errorf("%w: %q", models.ErrInvalidMode, c.Mode)
	}
	return nil
}

// Options holds construction-time settings of the clock.
type Options struct {
	// TickInterval is the wall-clock tick period for wall-clock mode.
	TickInterval time.Duration
}

// Clock advances simulated time and announces every advance on TimeChanged.
//
// current time never decreases while running and never moves while paused or
// stopped; ticks and steps that arrive in those states are dropped.
type Clock struct {
	wall         clock.Clock
	tickInterval time.Duration
	logger       zerolog.Logger

	// advanceMu serialises advance+emit so observers see times in order.
	advanceMu sync.Mutex

	mu         sync.Mutex
	cfg        Config
	configured bool
	current    time.Time
	state      models.ClockState
	generation uint64
	stopDriver chan struct{}

	// TimeChanged is raised with the new simulated time on every advance.
	TimeChanged *events.Signal[time.Time]
	// StateChanged is raised on every run-state transition.
	StateChanged *events.Signal[models.ClockState]
}

// New creates a stopped, unconfigured clock.
func New(wall clock.Clock, logger zerolog.Logger, opts Options) *Clock {
	if wall == nil {
		wall = clock.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	logger = logger.With().Str("component", "simclock").Logger()
	return &Clock{
		wall:         wall,
		tickInterval: opts.TickInterval,
		logger:       logger,
		state:        models.ClockStopped,
		TimeChanged:  events.NewSignal[time.Time]("time_changed", logger),
		StateChanged: events.NewSignal[models.ClockState]("clock_state_changed", logger),
	}
}

// Configure sets the simulated range and mode. A running clock is stopped and the
// current time is reset to the start of the range.
func (c *Clock) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.state
	c.haltLocked()
	c.cfg = cfg
	c.configured = true
	c.current = cfg.Range.Start
	c.state = models.ClockStopped
	c.mu.Unlock()

	c.logger.Info().
		Str("mode", string(cfg.Mode)).
		Time("start", cfg.Range.Start).
		Time("end", cfg.Range.End).
		Float64("speed", cfg.Speed).
		Dur("step", cfg.Step).
		Msg("Clock configured")

	if prev != models.ClockStopped {
		c.StateChanged.Emit(models.ClockStopped)
	}
	return nil
}

// Start begins or resumes advancing time. A clock resumed from pause continues from
// its current time; a stopped clock restarts from the start of its range. In
// external-step mode one step is taken before Start returns.
func (c *Clock) Start() error {
	c.mu.Lock()
	if !c.configured {
		c.mu.Unlock()
		return models.ErrClockNotConfigured
	}
	if c.state == models.ClockRunning {
		c.mu.Unlock()
		return nil
	}
	if c.state == models.ClockStopped {
		c.current = c.cfg.Range.Start
	}
	resumed := c.state == models.ClockPaused
	c.state = models.ClockRunning
	c.generation++
	mode := c.cfg.Mode
	if mode == models.ClockWallClock {
		c.stopDriver = make(chan struct{})
		go c.drive(c.wall.NewTicker(c.tickInterval), c.stopDriver, c.generation)
	}
	current := c.current
	c.mu.Unlock()

	c.logger.Info().
		Bool("resumed", resumed).
		Time("current_time", current).
		Msg("Clock started")
	c.StateChanged.Emit(models.ClockRunning)

	if mode == models.ClockExternalStep {
		c.Step()
	}
	return nil
}

// Pause stops advancing without resetting the current time. Pausing a clock that is
// not running has no effect.
func (c *Clock) Pause() {
	c.mu.Lock()
	if c.state != models.ClockRunning {
		c.mu.Unlock()
		return
	}
	c.haltLocked()
	c.state = models.ClockPaused
	current := c.current
	c.mu.Unlock()

	c.logger.Info().Time("current_time", current).Msg("Clock paused")
	c.StateChanged.Emit(models.ClockPaused)
}

// Stop halts the clock and discards the current run.
func (c *Clock) Stop() {
	c.mu.Lock()
	if c.state == models.ClockStopped {
		c.mu.Unlock()
		return
	}
	c.haltLocked()
	c.state = models.ClockStopped
	c.mu.Unlock()

	c.logger.Info().Msg("Clock stopped")
	c.StateChanged.Emit(models.ClockStopped)
}

// Tick advances a wall-clock mode clock by one tick (tick interval × speed).
// It reports whether time advanced.
func (c *Clock) Tick() bool {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	return c.tick(gen)
}

// Step delivers an external step event to an external-step mode clock.
// It reports whether time advanced.
func (c *Clock) Step() bool {
	c.mu.Lock()
	if c.cfg.Mode != models.ClockExternalStep {
		c.mu.Unlock()
		return false
	}
	step := c.cfg.Step
	gen := c.generation
	c.mu.Unlock()
	return c.advance(step, gen)
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// State returns the run state.
func (c *Clock) State() models.ClockState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the active configuration and whether the clock has been configured.
func (c *Clock) Config() (Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.configured
}

func (c *Clock) tick(gen uint64) bool {
	c.mu.Lock()
	if c.cfg.Mode != models.ClockWallClock {
		c.mu.Unlock()
		return false
	}
	delta := time.Duration(float64(c.tickInterval) * c.cfg.Speed)
	c.mu.Unlock()
	return c.advance(delta, gen)
}

// advance moves the clock by delta if it is still running the generation the
// caller observed. Reaching the end of the range clamps to End and stops the clock.
func (c *Clock) advance(delta time.Duration, gen uint64) bool {
	c.advanceMu.Lock()
	defer c.advanceMu.Unlock()

	c.mu.Lock()
	if c.state != models.ClockRunning || gen != c.generation {
		c.mu.Unlock()
		return false
	}
	next := c.current.Add(delta)
	finished := !next.Before(c.cfg.Range.End)
	if finished {
		next = c.cfg.Range.End
		c.haltLocked()
		c.state = models.ClockStopped
	}
	c.current = next
	c.mu.Unlock()

	c.logger.Debug().Time("current_time", next).Msg("Clock advanced")
	c.TimeChanged.Emit(next)

	if finished {
		c.logger.Info().Time("end", next).Msg("Clock reached end of range")
		c.StateChanged.Emit(models.ClockStopped)
	}
	return true
}

// haltLocked stops the wall-clock driver. Must be called with mu held.
func (c *Clock) haltLocked() {
	c.generation++
	if c.stopDriver != nil {
		close(c.stopDriver)
		c.stopDriver = nil
	}
}

// drive is the wall-clock tick loop for one running generation.
func (c *Clock) drive(ticker clock.Ticker, stop <-chan struct{}, gen uint64) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			c.tick(gen)
		}
	}
}
