package led

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"rover/pwm"
)

const PWM_PERIOD = 1 * time.Millisecond
const FRAME_TIME = 50 * time.Millisecond
const BLINK_FRAMES = 10
const BREATHE_FRAMES = 40
const RAINBOW_FRAMES = 120
const COLOR_MAX = 255
const BRIGHTNESS_MAX = 100

type Mode int

const (
	ModeOff Mode = iota
	ModeSolid
	ModeBlink
	ModeBreathe
	ModeRainbow
)

// Channel is one color of the RGB led. *pwm.PWM satisfies it.
type Channel interface {
	DutyCycle(time.Duration) error
}

type pattern struct {
	mode       Mode
	red        int
	green      int
	blue       int
	brightness int
}

// Strip animates a common anode RGB led on three pwm channels. Patterns run
// in the background until replaced.
type Strip struct {
	mu       sync.Mutex
	channels [3]Channel
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(red, green, blue Channel, logger *zap.Logger) *Strip {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strip{channels: [3]Channel{red, green, blue}, logger: logger}
}

// Initialize brings the pwm channels up dark.
func Initialize(channels ...*pwm.PWM) error {
	for _, p := range channels {
		if err := p.Setup(PWM_PERIOD, pwm.PolarityNormal, 0); err != nil {
			return err
		}
	}
	return nil
}

// Illuminate writes the first frame synchronously and returns. Animated
// modes keep running until the next call or Close.
func (s *Strip) Illuminate(mode, red, green, blue, brightness int) error {
	p := pattern{Mode(mode), red, green, blue, brightness}
	if p.mode < ModeOff || p.mode > ModeRainbow {
		return fmt.Errorf("led mode %d is not supported", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	if err := s.write(p.frame(0)); err != nil {
		return err
	}
	if p.mode == ModeOff || p.mode == ModeSolid {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.animate(ctx, done, p)
	return nil
}

// Close stops any running pattern and turns the led off.
func (s *Strip) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return s.write([3]float64{})
}

func (s *Strip) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

func (s *Strip) animate(ctx context.Context, done chan struct{}, p pattern) {
	defer close(done)
	ticker := time.NewTicker(FRAME_TIME)
	defer ticker.Stop()
	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.write(p.frame(i)); err != nil {
			s.logger.Warn("led pattern stopped", zap.Int("mode", int(p.mode)), zap.Error(err))
			return
		}
	}
}

func (s *Strip) write(levels [3]float64) error {
	var errs []error
	for i, c := range s.channels {
		duty := time.Duration(float64(PWM_PERIOD) * levels[i])
		if err := c.DutyCycle(duty); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// frame returns the red, green and blue levels in [0, 1] for frame i.
func (p pattern) frame(i int) [3]float64 {
	scale := float64(p.brightness) / BRIGHTNESS_MAX
	color := [3]float64{
		float64(p.red) / COLOR_MAX * scale,
		float64(p.green) / COLOR_MAX * scale,
		float64(p.blue) / COLOR_MAX * scale,
	}
	switch p.mode {
	case ModeSolid:
		return color
	case ModeBlink:
		if (i/BLINK_FRAMES)%2 == 1 {
			return [3]float64{}
		}
		return color
	case ModeBreathe:
		phase := float64(i%BREATHE_FRAMES) / BREATHE_FRAMES
		level := 1 - math.Abs(2*phase-1)
		return [3]float64{color[0] * level, color[1] * level, color[2] * level}
	case ModeRainbow:
		hue := float64(i%RAINBOW_FRAMES) / RAINBOW_FRAMES * 360
		r, g, b := hueToRGB(hue)
		return [3]float64{r * scale, g * scale, b * scale}
	}
	return [3]float64{}
}

func hueToRGB(hue float64) (float64, float64, float64) {
	x := 1 - math.Abs(math.Mod(hue/60, 2)-1)
	switch {
	case hue < 60:
		return 1, x, 0
	case hue < 120:
		return x, 1, 0
	case hue < 180:
		return 0, 1, x
	case hue < 240:
		return 0, x, 1
	case hue < 300:
		return x, 0, 1
	}
	return 1, 0, x
}
