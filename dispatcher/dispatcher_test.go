package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rover/command"
)

// fakeHardware records every capability call in order.
type fakeHardware struct {
	mu    sync.Mutex
	calls []string

	DriveErr   error
	SenseErr   error
	Reading    float64
	DriveDelay time.Duration

	driving    int32
	overlapped int32
}

func (f *fakeHardware) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeHardware) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeHardware) Drive(left, right int) error {
	if atomic.AddInt32(&f.driving, 1) > 1 {
		atomic.StoreInt32(&f.overlapped, 1)
	}
	defer atomic.AddInt32(&f.driving, -1)
	time.Sleep(f.DriveDelay)
	f.record(fmt.Sprintf("drive %d %d", left, right))
	return f.DriveErr
}

func (f *fakeHardware) Steer(id string, angle int) error {
	f.record(fmt.Sprintf("steer %s %d", id, angle))
	return nil
}

func (f *fakeHardware) Illuminate(mode, red, green, blue, brightness int) error {
	f.record(fmt.Sprintf("led %d %d %d %d %d", mode, red, green, blue, brightness))
	return nil
}

func (f *fakeHardware) Distance(ctx context.Context) (float64, error) {
	f.record("sonic")
	return f.Reading, f.SenseErr
}

func (f *fakeHardware) capabilities() Capabilities {
	return Capabilities{Drive: f, Steer: f, Illuminate: f, Sense: f}
}

func newTestDispatcher(t *testing.T, hw *fakeHardware, opts ...Option) *Dispatcher {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	d := New(hw.capabilities(), DefaultLimits(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Close(ctx)
	})
	return d
}

func dispatchString(t *testing.T, d *Dispatcher, msg string) Result {
	t.Helper()
	cmd, err := command.Parse(msg)
	require.NoError(t, err)
	return d.Dispatch(context.Background(), cmd)
}

func TestMotorApplied(t *testing.T) {
	hw := &fakeHardware{}
	d := newTestDispatcher(t, hw)

	res := dispatchString(t, d, "MOTOR#50#-50")
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, command.KindMotor, res.Kind)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"drive 50 -50"}, hw.Calls())
}

func TestMotorRangeEdges(t *testing.T) {
	for _, speeds := range [][2]int{{-100, 100}, {0, 0}, {100, -100}} {
		hw := &fakeHardware{}
		d := newTestDispatcher(t, hw)
		res := d.Dispatch(context.Background(), command.Motor{Left: speeds[0], Right: speeds[1]})
		assert.Equal(t, Applied, res.Outcome)
		assert.Equal(t, []string{fmt.Sprintf("drive %d %d", speeds[0], speeds[1])}, hw.Calls())
	}
}

func TestMotorOutOfRange(t *testing.T) {
	hw := &fakeHardware{}
	d := newTestDispatcher(t, hw)

	res := dispatchString(t, d, "MOTOR#101#0")
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrOutOfRange)
	var ve *ValidationError
	require.ErrorAs(t, res.Err, &ve)
	assert.Equal(t, "left_speed", ve.Field)

	res = dispatchString(t, d, "MOTOR#0#-101")
	assert.ErrorIs(t, res.Err, ErrOutOfRange)
	assert.Empty(t, hw.Calls())
}

func TestUnknownTagUnsupported(t *testing.T) {
	hw := &fakeHardware{}
	d := newTestDispatcher(t, hw)

	for _, msg := range []string{"FOO#1#2", "", "BAR", "motor#1#1"} {
		res := dispatchString(t, d, msg)
		assert.Equal(t, Unsupported, res.Outcome, msg)
		assert.Equal(t, command.KindUnknown, res.Kind, msg)
		assert.ErrorIs(t, res.Err, ErrUnsupported, msg)
		assert.ErrorIs(t, res.Err, command.ErrUnknownTag, msg)
	}
	assert.Empty(t, hw.Calls())
}

func TestLedOutOfRange(t *testing.T) {
	tests := []string{
		"LED#1#300#0#0#100",
		"LED#1#0#256#0#100",
		"LED#1#0#0#-1#100",
		"LED#1#0#0#0#101",
		"LED#1#0#0#0#-5",
		"LED#9#0#0#0#50",
	}
	for _, msg := range tests {
		hw := &fakeHardware{}
		d := newTestDispatcher(t, hw)
		res := dispatchString(t, d, msg)
		assert.Equal(t, Rejected, res.Outcome, msg)
		assert.ErrorIs(t, res.Err, ErrOutOfRange, msg)
		assert.Empty(t, hw.Calls(), msg)
	}
}

func TestLedApplied(t *testing.T) {
	hw := &fakeHardware{}
	d := newTestDispatcher(t, hw)

	res := dispatchString(t, d, "LED#2#255#128#0#100")
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, []string{"led 2 255 128 0 100"}, hw.Calls())
}

func TestServo(t *testing.T) {
	hw := &fakeHardware{}
	d := newTestDispatcher(t, hw)

	res := dispatchString(t, d, "SERVO#pan#200")
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrOutOfRange)

	res = dispatchString(t, d, "SERVO#tilt#20")
	assert.ErrorIs(t, res.Err, ErrOutOfRange)

	res = dispatchString(t, d, "SERVO#arm#90")
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrUnknownServo)
	assert.Empty(t, hw.Calls())

	res = dispatchString(t, d, "SERVO#pan#180")
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, []string{"steer pan 180"}, hw.Calls())
}

func TestSonic(t *testing.T) {
	hw := &fakeHardware{Reading: 42.5}
	d := newTestDispatcher(t, hw)

	res := dispatchString(t, d, "SONIC")
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, 42.5, res.Distance)

	hw.SenseErr = errors.New("echo timeout")
	res = dispatchString(t, d, "SONIC")
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCapabilityFailed)
	assert.ErrorContains(t, res.Err, "echo timeout")
}

func TestMissingCapabilities(t *testing.T) {
	d := New(Capabilities{}, DefaultLimits())
	for _, msg := range []string{"MOTOR#1#1", "SERVO#pan#90", "LED#1#1#1#1#1", "SONIC"} {
		res := dispatchString(t, d, msg)
		assert.Equal(t, Rejected, res.Outcome, msg)
		assert.ErrorIs(t, res.Err, ErrCapabilityUnavailable, msg)
	}
	assert.NoError(t, d.Stop())
}

func TestDriverError(t *testing.T) {
	driverErr := errors.New("write /dev/bone/pwm/0/a/duty_cycle: permission denied")
	hw := &fakeHardware{DriveErr: driverErr}
	d := newTestDispatcher(t, hw)

	res := dispatchString(t, d, "MOTOR#10#10")
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCapabilityFailed)
	assert.ErrorIs(t, res.Err, driverErr)
}

func TestUnknownActionUnsupported(t *testing.T) {
	hw := &fakeHardware{}
	d := newTestDispatcher(t, hw, WithBehaviors(DefaultBehaviors()))

	res := dispatchString(t, d, "ACTION#moonwalk")
	assert.Equal(t, Unsupported, res.Outcome)
	assert.Equal(t, command.KindAction, res.Kind)
	assert.ErrorIs(t, res.Err, ErrUnsupported)
	assert.Empty(t, hw.Calls())
}

func TestActionRunsInBackground(t *testing.T) {
	hw := &fakeHardware{}
	release := make(chan struct{})
	finished := make(chan struct{})
	behaviors := map[string]Behavior{
		"wave": func(ctx context.Context, h Hardware) error {
			defer close(finished)
			if err := h.Apply(ctx, command.Servo{ID: "pan", Angle: 30}); err != nil {
				return err
			}
			<-release
			return h.Apply(ctx, command.Servo{ID: "pan", Angle: 90})
		},
	}
	d := newTestDispatcher(t, hw, WithBehaviors(behaviors))

	res := dispatchString(t, d, "ACTION#wave")
	require.Equal(t, Applied, res.Outcome)
	assert.Eventually(t, func() bool { return d.Running() == "wave" }, time.Second, time.Millisecond)

	close(release)
	<-finished
	assert.Eventually(t, func() bool { return d.Running() == "" }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"steer pan 30", "steer pan 90"}, hw.Calls())
}

func TestMotorPreemptsAction(t *testing.T) {
	hw := &fakeHardware{}
	d := newTestDispatcher(t, hw, WithBehaviors(map[string]Behavior{
		"creep": Script(
			Step{command.Motor{Left: 20, Right: 20}, time.Hour},
			Step{command.Motor{Left: 90, Right: 90}, 0},
		),
	}))

	require.Equal(t, Applied, dispatchString(t, d, "ACTION#creep").Outcome)
	assert.Eventually(t, func() bool { return len(hw.Calls()) == 1 }, time.Second, time.Millisecond)

	require.Equal(t, Applied, dispatchString(t, d, "MOTOR#0#0").Outcome)
	assert.Eventually(t, func() bool { return d.Running() == "" }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"drive 20 20", "drive 0 0"}, hw.Calls())
}

func TestNewActionWaitsForPrevious(t *testing.T) {
	hw := &fakeHardware{}
	d := newTestDispatcher(t, hw, WithBehaviors(DefaultBehaviors()))
	d.behaviors["slow"] = Script(Step{command.Servo{ID: "pan", Angle: 10}, time.Hour})

	require.Equal(t, Applied, dispatchString(t, d, "ACTION#slow").Outcome)
	assert.Eventually(t, func() bool { return len(hw.Calls()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, Applied, dispatchString(t, d, "ACTION#stop").Outcome)

	assert.Eventually(t, func() bool { return len(hw.Calls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"steer pan 10", "drive 0 0"}, hw.Calls())
}

func TestConcurrentMotorCommandsSerialized(t *testing.T) {
	hw := &fakeHardware{DriveDelay: 20 * time.Millisecond}
	d := newTestDispatcher(t, hw)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, msg := range []string{"MOTOR#10#10", "MOTOR#-10#-10"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			<-start
			cmd, _ := command.Parse(msg)
			assert.Equal(t, Applied, d.Dispatch(context.Background(), cmd).Outcome)
		}(msg)
	}
	close(start)
	wg.Wait()

	assert.Len(t, hw.Calls(), 2)
	assert.Zero(t, atomic.LoadInt32(&hw.overlapped))
}

func TestSonicDoesNotWaitForDrive(t *testing.T) {
	hw := &fakeHardware{DriveDelay: 200 * time.Millisecond, Reading: 12}
	d := newTestDispatcher(t, hw)

	driven := make(chan struct{})
	go func() {
		defer close(driven)
		dispatchString(t, d, "MOTOR#10#10")
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hw.driving) == 1 }, time.Second, time.Millisecond)

	res := dispatchString(t, d, "SONIC")
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hw.driving))
	<-driven
	assert.Equal(t, []string{"sonic", "drive 10 10"}, hw.Calls())
}

func TestCloseStopsDrive(t *testing.T) {
	hw := &fakeHardware{}
	d := New(hw.capabilities(), DefaultLimits(), WithBehaviors(map[string]Behavior{
		"long": Script(Step{command.Motor{Left: 30, Right: 30}, time.Hour}),
	}))
	require.Equal(t, Applied, dispatchString(t, d, "ACTION#long").Outcome)
	assert.Eventually(t, func() bool { return len(hw.Calls()) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, []string{"drive 30 30", "drive 0 0"}, hw.Calls())

	res := dispatchString(t, d, "ACTION#long")
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, command.KindAction, res.Kind)
	assert.ErrorIs(t, res.Err, ErrCapabilityUnavailable)
	assert.Equal(t, "", d.Running())
	assert.Len(t, hw.Calls(), 2)
}

func TestStopIgnoresMotorLimits(t *testing.T) {
	hw := &fakeHardware{}
	limits := DefaultLimits()
	limits.Motor = Range{Min: 20, Max: 100}
	d := New(hw.capabilities(), limits, WithLogger(zaptest.NewLogger(t)))

	require.Equal(t, Applied, dispatchString(t, d, "MOTOR#50#50").Outcome)
	require.NoError(t, d.Stop())
	assert.Equal(t, []string{"drive 50 50", "drive 0 0"}, hw.Calls())

	hw.DriveErr = errors.New("pwm gone")
	err := d.Stop()
	assert.ErrorIs(t, err, ErrCapabilityFailed)
}

func TestPreemptedStepDoesNotLandAfterMotor(t *testing.T) {
	hw := &fakeHardware{}
	d := newTestDispatcher(t, hw, WithBehaviors(map[string]Behavior{
		"creep": Script(Step{command.Motor{Left: 30, Right: 30}, time.Hour}),
	}))

	// hold the drive so the action's first step queues behind it
	d.driveMu.Lock()
	require.Equal(t, Applied, dispatchString(t, d, "ACTION#creep").Outcome)
	require.Eventually(t, func() bool { return d.Running() == "creep" }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// a MOTOR cancels the action before it waits for the drive
	d.actions.cancel()
	motored := make(chan Result, 1)
	go func() {
		cmd, _ := command.Parse("MOTOR#10#10")
		motored <- d.Dispatch(context.Background(), cmd)
	}()
	time.Sleep(20 * time.Millisecond)
	d.driveMu.Unlock()

	assert.Equal(t, Applied, (<-motored).Outcome)
	require.Eventually(t, func() bool { return d.Running() == "" }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"drive 10 10"}, hw.Calls())
}
