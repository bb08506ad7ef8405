package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"rover/config"
	"rover/dispatcher"
	"rover/gpio"
	"rover/led"
	"rover/pwm"
	"rover/servo"
	"rover/sonic"
	"rover/twowheeled"
)

// rig holds the initialized hardware. Parts that are disabled or failed to
// come up are left out of caps.
type rig struct {
	caps    dispatcher.Capabilities
	closers []func() error
}

func (r *rig) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func channel(root, address string) (*pwm.PWM, error) {
	bus, ch, err := pwm.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return pwm.NewPWMAt(root, bus, ch), nil
}

// buildHardware brings up every enabled part. PWM failures are fatal; the
// ultrasonic sensor is optional and only disabled when it cannot be opened.
func buildHardware(ctx context.Context, hw config.HardwareConfig, logger *zap.Logger) (*rig, error) {
	r := &rig{}
	fail := func(err error) (*rig, error) {
		r.Close()
		return nil, err
	}

	if hw.Drive.Enabled {
		var pwms [4]*pwm.PWM
		for i, address := range []string{hw.Drive.Left.Forward, hw.Drive.Left.Backward, hw.Drive.Right.Forward, hw.Drive.Right.Backward} {
			p, err := channel(hw.PWMRoot, address)
			if err != nil {
				return fail(fmt.Errorf("drive: %w", err))
			}
			pwms[i] = p
		}
		drive := twowheeled.New(
			twowheeled.Wheel{Forward: pwms[0], Backward: pwms[1]},
			twowheeled.Wheel{Forward: pwms[2], Backward: pwms[3]},
			hw.Drive.DutyMax,
		)
		if err := drive.Initialize(); err != nil {
			return fail(fmt.Errorf("drive: %w", err))
		}
		r.caps.Drive = drive
		r.closers = append(r.closers, drive.Reset)
		logger.Info("Drive initialized")
	}

	if len(hw.Servos) > 0 {
		channels := make(map[string]servo.Channel, len(hw.Servos))
		for id, s := range hw.Servos {
			p, err := channel(hw.PWMRoot, s.PWM)
			if err != nil {
				return fail(fmt.Errorf("servo %s: %w", id, err))
			}
			channels[id] = servo.Channel{PWM: p, PulseMin: s.PulseMin, PulseMax: s.PulseMax}
		}
		servos := servo.New(channels)
		if err := servos.Initialize(); err != nil {
			return fail(err)
		}
		r.caps.Steer = servos
		r.closers = append(r.closers, servos.Reset)
		logger.Info("Servos initialized", zap.Int("count", len(channels)))
	}

	if hw.LED.Enabled {
		var pwms [3]*pwm.PWM
		for i, address := range []string{hw.LED.Red, hw.LED.Green, hw.LED.Blue} {
			p, err := channel(hw.PWMRoot, address)
			if err != nil {
				return fail(fmt.Errorf("led: %w", err))
			}
			pwms[i] = p
		}
		if err := led.Initialize(pwms[:]...); err != nil {
			return fail(fmt.Errorf("led: %w", err))
		}
		strip := led.New(pwms[0], pwms[1], pwms[2], logger.Named("led"))
		r.caps.Illuminate = strip
		r.closers = append(r.closers, strip.Close)
		logger.Info("Led initialized")
	}

	if hw.Sonic.Enabled {
		ranger, err := openSonic(ctx, hw)
		if err != nil {
			logger.Warn("Ultrasonic sensor disabled", zap.Error(err))
		} else {
			r.caps.Sense = ranger
			logger.Info("Ultrasonic sensor initialized")
		}
	}
	return r, nil
}

func openSonic(ctx context.Context, hw config.HardwareConfig) (*sonic.Ranger, error) {
	trigger, err := gpio.Resolve(ctx, hw.Sonic.Trigger)
	if err != nil {
		return nil, err
	}
	echo, err := gpio.Resolve(ctx, hw.Sonic.Echo)
	if err != nil {
		return nil, err
	}
	return sonic.Open(hw.GPIORoot, trigger, echo)
}
