package twowheeled

import (
	"fmt"
	"sync"
	"time"

	"rover/pwm"
)

const PWM_PERIOD = 1 * time.Millisecond
const PWM_DUTY_CYCLE_MAX = 400000 * time.Nanosecond // cap to 40% of max power
const SPEED_MAX = 100

// Wheel is an H-bridge side driven by a forward and a backward channel.
type Wheel struct {
	Forward  *pwm.PWM
	Backward *pwm.PWM
}

// TwoWheeled is the differential drive. Speeds are signed percentages of
// PWM_DUTY_CYCLE_MAX.
type TwoWheeled struct {
	mu        sync.Mutex
	left      Wheel
	right     Wheel
	dutyMax   time.Duration
	leftPrev  int
	rightPrev int
}

func New(left Wheel, right Wheel, dutyMax time.Duration) *TwoWheeled {
	if dutyMax <= 0 || dutyMax > PWM_PERIOD {
		dutyMax = PWM_DUTY_CYCLE_MAX
	}
	return &TwoWheeled{left: left, right: right, dutyMax: dutyMax}
}

// Initialize brings all four channels up with zero duty.
func (w *TwoWheeled) Initialize() error {
	for name, p := range map[string]*pwm.PWM{
		"left forward":   w.left.Forward,
		"left backward":  w.left.Backward,
		"right forward":  w.right.Forward,
		"right backward": w.right.Backward,
	} {
		if err := p.Setup(PWM_PERIOD, pwm.PolarityInversed, 0); err != nil {
			return fmt.Errorf("%s wheel: %w", name, err)
		}
	}
	return nil
}

func (w *TwoWheeled) Drive(left, right int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	left = min(max(left, -SPEED_MAX), SPEED_MAX)
	right = min(max(right, -SPEED_MAX), SPEED_MAX)

	if w.leftPrev != left {
		if err := w.setWheel(w.left, left); err != nil {
			return fmt.Errorf("left wheel: %w", err)
		}
		w.leftPrev = left
	}
	if w.rightPrev != right {
		if err := w.setWheel(w.right, right); err != nil {
			return fmt.Errorf("right wheel: %w", err)
		}
		w.rightPrev = right
	}
	return nil
}

// Reset zeroes every channel regardless of the cached speeds.
func (w *TwoWheeled) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.leftPrev, w.rightPrev = 0, 0
	for _, p := range []*pwm.PWM{w.left.Forward, w.left.Backward, w.right.Forward, w.right.Backward} {
		if err := p.DutyCycle(0); err != nil {
			return err
		}
	}
	return nil
}

func (w *TwoWheeled) setWheel(wheel Wheel, speed int) error {
	duty := w.dutyMax * time.Duration(abs(speed)) / SPEED_MAX
	if speed >= 0 {
		if err := wheel.Backward.DutyCycle(0); err != nil {
			return err
		}
		return wheel.Forward.DutyCycle(duty)
	}
	if err := wheel.Forward.DutyCycle(0); err != nil {
		return err
	}
	return wheel.Backward.DutyCycle(duty)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
