package sonic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rover/gpio"
)

const TRIGGER_PULSE = 10 * time.Microsecond
const ECHO_TIMEOUT = 30 * time.Millisecond
const POLL_INTERVAL = 20 * time.Microsecond

// SPEED_OF_SOUND is in centimeters per second at roughly 20°C.
const SPEED_OF_SOUND = 34300.0

// RANGE_MAX is the HC-SR04 datasheet limit in centimeters.
const RANGE_MAX = 400.0

var ErrEchoTimeout = errors.New("sonic: echo timeout")

// Pin is the subset of a gpio line the ranger needs.
type Pin interface {
	Value() (gpio.Value, error)
	SetValue(gpio.Value) error
}

// Ranger measures distance with an HC-SR04 style trigger/echo pair.
type Ranger struct {
	mu      sync.Mutex
	trigger Pin
	echo    Pin
	timeout time.Duration
}

func New(trigger, echo Pin) *Ranger {
	return &Ranger{trigger: trigger, echo: echo, timeout: ECHO_TIMEOUT}
}

// Open exports both lines under root and sets their directions.
func Open(root string, trigger, echo gpio.Number) (*Ranger, error) {
	t, err := gpio.Export(root, trigger)
	if err != nil {
		return nil, err
	}
	if err := t.SetDirection(gpio.OUT); err != nil {
		return nil, fmt.Errorf("trigger direction: %w", err)
	}
	e, err := gpio.Export(root, echo)
	if err != nil {
		return nil, err
	}
	if err := e.SetDirection(gpio.IN); err != nil {
		return nil, fmt.Errorf("echo direction: %w", err)
	}
	return New(t, e), nil
}

// Distance fires one ping and returns the distance in centimeters.
func (r *Ranger) Distance(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.trigger.SetValue(gpio.HIGH); err != nil {
		return 0, fmt.Errorf("sonic trigger: %w", err)
	}
	time.Sleep(TRIGGER_PULSE)
	if err := r.trigger.SetValue(gpio.LOW); err != nil {
		return 0, fmt.Errorf("sonic trigger: %w", err)
	}

	deadline := time.Now().Add(r.timeout)
	start, err := r.waitFor(ctx, gpio.HIGH, deadline)
	if err != nil {
		return 0, err
	}
	end, err := r.waitFor(ctx, gpio.LOW, deadline)
	if err != nil {
		return 0, err
	}
	distance := end.Sub(start).Seconds() * SPEED_OF_SOUND / 2
	return min(distance, RANGE_MAX), nil
}

func (r *Ranger) waitFor(ctx context.Context, level gpio.Value, deadline time.Time) (time.Time, error) {
	for {
		v, err := r.echo.Value()
		if err != nil {
			return time.Time{}, fmt.Errorf("sonic echo: %w", err)
		}
		now := time.Now()
		if v == level {
			return now, nil
		}
		if now.After(deadline) {
			return time.Time{}, ErrEchoTimeout
		}
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		time.Sleep(POLL_INTERVAL)
	}
}
