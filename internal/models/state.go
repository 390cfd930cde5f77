package models

import "fmt"

// EngineState is the top-level state of the forecast engine.
type EngineState string

const (
	EngineInactive EngineState = "inactive" // no project attached
	EngineReady    EngineState = "ready"    // idle, a job may start
	EngineBusy     EngineState = "busy"     // a job is running
)

// ClockMode selects how the simulation clock advances.
type ClockMode string

const (
	// ClockWallClock advances proportionally to wall-clock time, scaled by a speed factor.
	ClockWallClock ClockMode = "wall_clock"
	// ClockExternalStep advances by a fixed step whenever an external step event arrives.
	ClockExternalStep ClockMode = "external_step"
)

// ParseClockMode parses a configuration value into a ClockMode.
func ParseClockMode(s string) (ClockMode, error) {
	switch ClockMode(s) {
	case ClockWallClock, ClockExternalStep:
		return ClockMode(s), nil
	case "":
		return ClockWallClock, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ClockState is the run state of the simulation clock.
type ClockState string

const (
	ClockStopped ClockState = "stopped"
	ClockRunning ClockState = "running"
	ClockPaused  ClockState = "paused"
)
