package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"rover/command"
)

// Drive sets the signed duty of both drive sides, in percent.
type Drive interface {
	Drive(left, right int) error
}

// Steer moves the named servo to angle degrees.
type Steer interface {
	Steer(id string, angle int) error
}

// Illuminate sets the lighting pattern. Brightness is a percentage.
type Illuminate interface {
	Illuminate(mode, red, green, blue, brightness int) error
}

// Sense returns one distance reading in centimetres.
type Sense interface {
	Distance(ctx context.Context) (float64, error)
}

// Capabilities are the hardware handles the dispatcher drives. Any of them
// may be nil when the robot lacks the part.
type Capabilities struct {
	Drive      Drive
	Steer      Steer
	Illuminate Illuminate
	Sense      Sense
}

type Outcome int

const (
	Applied Outcome = iota + 1
	Rejected
	Unsupported
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case Unsupported:
		return "unsupported"
	}
	return "invalid"
}

// Result is the outcome of one Dispatch call. Err is nil only when Applied.
// Distance is set for an applied SONIC command.
type Result struct {
	Outcome  Outcome
	Kind     command.Kind
	Err      error
	Distance float64
}

// Observer is notified of every dispatched command. It runs on the
// dispatching goroutine and must not block.
type Observer interface {
	Observe(cmd command.Command, res Result)
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithBehaviors(behaviors map[string]Behavior) Option {
	return func(d *Dispatcher) {
		for name, b := range behaviors {
			d.behaviors[name] = b
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observers = append(d.observers, o)
	}
}

// Dispatcher validates commands and routes them to the hardware. It is safe
// for concurrent use: every actuator class has its own lock, so two
// sessions never interleave inside the same driver.
type Dispatcher struct {
	caps      Capabilities
	limits    Limits
	logger    *zap.Logger
	behaviors map[string]Behavior
	observers []Observer

	driveMu sync.Mutex
	steerMu sync.Mutex
	lightMu sync.Mutex
	senseMu sync.Mutex

	actions actionRunner
}

func New(caps Capabilities, limits Limits, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		caps:      caps,
		limits:    limits,
		logger:    zap.NewNop(),
		behaviors: make(map[string]Behavior),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.actions.init(d.logger.Named("action"))
	return d
}

// Dispatch executes cmd and reports the outcome. It never panics on bad
// input and never calls a capability with an out-of-range value.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command) Result {
	res := d.dispatch(ctx, cmd)
	for _, o := range d.observers {
		o.Observe(cmd, res)
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd command.Command) Result {
	switch c := cmd.(type) {
	case command.Motor:
		d.actions.cancel()
		return d.result(c.Kind(), d.motor(ctx, c))
	case command.Servo:
		return d.result(c.Kind(), d.servo(ctx, c))
	case command.Led:
		return d.result(c.Kind(), d.led(ctx, c))
	case command.Sonic:
		distance, err := d.sonic(ctx)
		res := d.result(c.Kind(), err)
		res.Distance = distance
		return res
	case command.Action:
		b, ok := d.behaviors[c.Name]
		if !ok {
			return Result{
				Outcome: Unsupported,
				Kind:    command.KindAction,
				Err:     &DispatchError{Code: ErrUnsupported, Kind: command.KindAction},
			}
		}
		if !d.actions.start(c.Name, b, d.hardware()) {
			return Result{
				Outcome: Rejected,
				Kind:    command.KindAction,
				Err:     &DispatchError{Code: ErrCapabilityUnavailable, Kind: command.KindAction},
			}
		}
		return Result{Outcome: Applied, Kind: command.KindAction}
	case command.Unknown:
		d.logger.Debug("Unrecognized command", zap.String("tag", c.Tag))
		return Result{
			Outcome: Unsupported,
			Kind:    command.KindUnknown,
			Err:     &DispatchError{Code: ErrUnsupported, Kind: command.KindUnknown, Err: command.ErrUnknownTag},
		}
	}
	return Result{
		Outcome: Unsupported,
		Kind:    command.KindUnknown,
		Err:     &DispatchError{Code: ErrUnsupported, Kind: command.KindUnknown},
	}
}

func (d *Dispatcher) result(kind command.Kind, err error) Result {
	if err != nil {
		return Result{Outcome: Rejected, Kind: kind, Err: err}
	}
	return Result{Outcome: Applied, Kind: kind}
}

// The actuator paths re-check ctx once the lock is held, so a write from a
// preempted action never lands after the command that preempted it.
func (d *Dispatcher) motor(ctx context.Context, c command.Motor) error {
	if err := check("left_speed", c.Left, d.limits.Motor); err != nil {
		return err
	}
	if err := check("right_speed", c.Right, d.limits.Motor); err != nil {
		return err
	}
	if d.caps.Drive == nil {
		return &DispatchError{Code: ErrCapabilityUnavailable, Kind: command.KindMotor}
	}
	d.driveMu.Lock()
	defer d.driveMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return failed(command.KindMotor, d.caps.Drive.Drive(c.Left, c.Right))
}

func (d *Dispatcher) servo(ctx context.Context, c command.Servo) error {
	r, ok := d.limits.Servos[c.ID]
	if !ok {
		return &ValidationError{Code: ErrUnknownServo, Field: "servo_id"}
	}
	if err := check("angle", c.Angle, r); err != nil {
		return err
	}
	if d.caps.Steer == nil {
		return &DispatchError{Code: ErrCapabilityUnavailable, Kind: command.KindServo}
	}
	d.steerMu.Lock()
	defer d.steerMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return failed(command.KindServo, d.caps.Steer.Steer(c.ID, c.Angle))
}

func (d *Dispatcher) led(ctx context.Context, c command.Led) error {
	if err := check("mode", c.Mode, d.limits.LedMode); err != nil {
		return err
	}
	if err := check("red", c.Red, d.limits.Color); err != nil {
		return err
	}
	if err := check("green", c.Green, d.limits.Color); err != nil {
		return err
	}
	if err := check("blue", c.Blue, d.limits.Color); err != nil {
		return err
	}
	if err := check("brightness", c.Brightness, d.limits.Brightness); err != nil {
		return err
	}
	if d.caps.Illuminate == nil {
		return &DispatchError{Code: ErrCapabilityUnavailable, Kind: command.KindLed}
	}
	d.lightMu.Lock()
	defer d.lightMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return failed(command.KindLed, d.caps.Illuminate.Illuminate(c.Mode, c.Red, c.Green, c.Blue, c.Brightness))
}

func (d *Dispatcher) sonic(ctx context.Context) (float64, error) {
	if d.caps.Sense == nil {
		return 0, &DispatchError{Code: ErrCapabilityUnavailable, Kind: command.KindSonic}
	}
	d.senseMu.Lock()
	defer d.senseMu.Unlock()
	distance, err := d.caps.Sense.Distance(ctx)
	return distance, failed(command.KindSonic, err)
}

func failed(kind command.Kind, err error) error {
	if err == nil {
		return nil
	}
	return &DispatchError{Code: ErrCapabilityFailed, Kind: kind, Err: err}
}

// Stop cancels a running action and zeroes the drive. It bypasses the
// motor limits: stopping must work whatever range is configured.
func (d *Dispatcher) Stop() error {
	d.actions.cancel()
	if d.caps.Drive == nil {
		return nil
	}
	d.driveMu.Lock()
	defer d.driveMu.Unlock()
	return failed(command.KindMotor, d.caps.Drive.Drive(0, 0))
}

// Close cancels running actions, waits for them until ctx is done and
// stops the drive.
func (d *Dispatcher) Close(ctx context.Context) error {
	err := d.actions.close(ctx)
	if stopErr := d.Stop(); err == nil {
		err = stopErr
	}
	return err
}

// Running returns the name of the action in progress, if any.
func (d *Dispatcher) Running() string {
	return d.actions.running()
}

// Limits returns the bounds the dispatcher validates against.
func (d *Dispatcher) Limits() Limits {
	return d.limits
}

func (d *Dispatcher) hardware() Hardware {
	return hardware{d}
}

// hardware applies behavior steps through the same validated, locked paths
// as Dispatch without preempting the behavior itself.
type hardware struct {
	d *Dispatcher
}

func (h hardware) Apply(ctx context.Context, cmd command.Command) error {
	switch c := cmd.(type) {
	case command.Motor:
		return h.d.motor(ctx, c)
	case command.Servo:
		return h.d.servo(ctx, c)
	case command.Led:
		return h.d.led(ctx, c)
	case command.Sonic:
		_, err := h.d.sonic(ctx)
		return err
	}
	return &DispatchError{Code: ErrUnsupported, Kind: cmd.Kind()}
}
