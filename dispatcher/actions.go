package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rover/command"
)

// Hardware is what a Behavior drives. Every call is validated and
// serialized exactly like a dispatched command.
type Hardware interface {
	Apply(ctx context.Context, cmd command.Command) error
}

// Behavior is a pre-programmed maneuver. It must return promptly once ctx
// is cancelled.
type Behavior func(ctx context.Context, hw Hardware) error

// Step is one command of a Script followed by a pause.
type Step struct {
	Command command.Command
	Hold    time.Duration
}

// Script builds a Behavior that applies steps in order.
func Script(steps ...Step) Behavior {
	return func(ctx context.Context, hw Hardware) error {
		for _, s := range steps {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := hw.Apply(ctx, s.Command); err != nil {
				return err
			}
			if s.Hold <= 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.Hold):
			}
		}
		return nil
	}
}

const MANEUVER_TIME = 800 * time.Millisecond
const SERVO_SETTLE_TIME = 300 * time.Millisecond

func DefaultBehaviors() map[string]Behavior {
	stop := Step{Command: command.Motor{}}
	return map[string]Behavior{
		"stop": Script(stop),
		"spin_left": Script(
			Step{command.Motor{Left: -60, Right: 60}, MANEUVER_TIME},
			stop,
		),
		"spin_right": Script(
			Step{command.Motor{Left: 60, Right: -60}, MANEUVER_TIME},
			stop,
		),
		"forward": Script(
			Step{command.Motor{Left: 50, Right: 50}, MANEUVER_TIME},
			stop,
		),
		"backward": Script(
			Step{command.Motor{Left: -50, Right: -50}, MANEUVER_TIME},
			stop,
		),
		"nod": Script(
			Step{command.Servo{ID: "tilt", Angle: 130}, SERVO_SETTLE_TIME},
			Step{command.Servo{ID: "tilt", Angle: 70}, SERVO_SETTLE_TIME},
			Step{command.Servo{ID: "tilt", Angle: 130}, SERVO_SETTLE_TIME},
			Step{command.Servo{ID: "tilt", Angle: 90}, 0},
		),
		"shake": Script(
			Step{command.Servo{ID: "pan", Angle: 60}, SERVO_SETTLE_TIME},
			Step{command.Servo{ID: "pan", Angle: 120}, SERVO_SETTLE_TIME},
			Step{command.Servo{ID: "pan", Angle: 60}, SERVO_SETTLE_TIME},
			Step{command.Servo{ID: "pan", Angle: 90}, 0},
		),
		"lights_off": Script(
			Step{command.Led{Mode: LedModeOff}, 0},
		),
		"party": Script(
			Step{command.Led{Mode: LedModeRainbow, Red: 255, Green: 255, Blue: 255, Brightness: 100}, 3 * time.Second},
			Step{command.Led{Mode: LedModeOff}, 0},
		),
	}
}

type runningAction struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// actionRunner runs at most one behavior at a time. Starting a behavior
// cancels the previous one; the new one begins after the old one returned.
type actionRunner struct {
	mu      sync.Mutex
	logger  *zap.Logger
	base    context.Context
	stop    context.CancelFunc
	current *runningAction
	wg      sync.WaitGroup
}

func (r *actionRunner) init(logger *zap.Logger) {
	r.logger = logger
	r.base, r.stop = context.WithCancel(context.Background())
}

// start reports false once the runner is closed.
func (r *actionRunner) start(name string, b Behavior, hw Hardware) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.base.Err() != nil {
		return false
	}
	prev := r.current
	if prev != nil {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(r.base)
	ra := &runningAction{name: name, cancel: cancel, done: make(chan struct{})}
	r.current = ra
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(ra.done)
		defer cancel()
		if prev != nil {
			<-prev.done
		}
		if ctx.Err() == nil {
			r.logger.Debug("Action started", zap.String("name", name))
			err := b(ctx, hw)
			switch {
			case err == nil:
				r.logger.Debug("Action finished", zap.String("name", name))
			case ctx.Err() != nil:
				r.logger.Debug("Action cancelled", zap.String("name", name))
			default:
				r.logger.Warn("Action failed", zap.String("name", name), zap.Error(err))
			}
		}
		r.mu.Lock()
		if r.current == ra {
			r.current = nil
		}
		r.mu.Unlock()
	}()
	return true
}

func (r *actionRunner) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.current.cancel()
	}
}

func (r *actionRunner) running() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.name
}

func (r *actionRunner) close(ctx context.Context) error {
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
