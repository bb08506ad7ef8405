package servo

import (
	"fmt"
	"sync"
	"time"

	"rover/pwm"
)

const PWM_PERIOD = 20 * time.Millisecond
const PWM_DUTY_CYCLE_MIDDLE = 1500000 * time.Nanosecond
const PULSE_MIN = 500 * time.Microsecond
const PULSE_MAX = 2500 * time.Microsecond
const ANGLE_MAX = 180

// Channel maps 0..ANGLE_MAX degrees linearly onto [PulseMin, PulseMax].
type Channel struct {
	PWM      *pwm.PWM
	PulseMin time.Duration
	PulseMax time.Duration
}

func (c Channel) pulse(angle int) time.Duration {
	angle = min(max(angle, 0), ANGLE_MAX)
	return c.PulseMin + (c.PulseMax-c.PulseMin)*time.Duration(angle)/ANGLE_MAX
}

// Servos drives a set of named hobby servos, e.g. the camera pan and tilt.
type Servos struct {
	mu       sync.Mutex
	channels map[string]Channel
	prev     map[string]int
}

func New(channels map[string]Channel) *Servos {
	s := &Servos{
		channels: make(map[string]Channel, len(channels)),
		prev:     make(map[string]int, len(channels)),
	}
	for id, c := range channels {
		if c.PulseMin <= 0 {
			c.PulseMin = PULSE_MIN
		}
		if c.PulseMax <= c.PulseMin {
			c.PulseMax = PULSE_MAX
		}
		s.channels[id] = c
	}
	return s
}

// Initialize centers every servo.
func (s *Servos) Initialize() error {
	for id, c := range s.channels {
		if err := c.PWM.Setup(PWM_PERIOD, pwm.PolarityInversed, PWM_DUTY_CYCLE_MIDDLE); err != nil {
			return fmt.Errorf("servo %s: %w", id, err)
		}
		s.prev[id] = -1
	}
	return nil
}

func (s *Servos) Steer(id string, angle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return fmt.Errorf("servo %s is not configured", id)
	}
	if prev, ok := s.prev[id]; ok && prev == angle {
		return nil
	}
	if err := c.PWM.DutyCycle(c.pulse(angle)); err != nil {
		return fmt.Errorf("servo %s: %w", id, err)
	}
	s.prev[id] = angle
	return nil
}

// Reset returns every servo to the middle position.
func (s *Servos) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.channels {
		if err := c.PWM.DutyCycle(PWM_DUTY_CYCLE_MIDDLE); err != nil {
			return fmt.Errorf("servo %s: %w", id, err)
		}
		s.prev[id] = -1
	}
	return nil
}
