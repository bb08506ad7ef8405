package pwm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const DEVICE_ROOT = "/dev/bone/pwm"

type Bus int

const (
	Bus0 Bus = 0
	Bus1 Bus = 1
	Bus2 Bus = 2
)

type Channel string

const (
	ChannelA Channel = "a"
	ChannelB Channel = "b"
)

type Polarity string

const (
	PolarityNormal   Polarity = "normal"
	PolarityInversed Polarity = "inversed"
)

// PWM drives one sysfs pwm channel, e.g. /dev/bone/pwm/0/a.
type PWM struct {
	dir       string
	enable    string
	dutyCycle string
	period    string
	polarity  string
}

func NewPWM(bus Bus, channel Channel) *PWM {
	return NewPWMAt(DEVICE_ROOT, bus, channel)
}

// NewPWMAt uses root instead of DEVICE_ROOT.
func NewPWMAt(root string, bus Bus, channel Channel) *PWM {
	dir := filepath.Join(root, strconv.Itoa(int(bus)), string(channel))
	return &PWM{
		dir:       dir,
		enable:    filepath.Join(dir, "enable"),
		dutyCycle: filepath.Join(dir, "duty_cycle"),
		period:    filepath.Join(dir, "period"),
		polarity:  filepath.Join(dir, "polarity"),
	}
}

// ParseAddress accepts "<bus>/<channel>", e.g. "1/b".
func ParseAddress(address string) (Bus, Channel, error) {
	bus, channel, ok := strings.Cut(address, "/")
	if !ok {
		return 0, "", fmt.Errorf("pwm address %q: want <bus>/<channel>", address)
	}
	n, err := strconv.Atoi(bus)
	if err != nil || n < 0 {
		return 0, "", fmt.Errorf("pwm address %q: bad bus", address)
	}
	switch Channel(channel) {
	case ChannelA, ChannelB:
	default:
		return 0, "", fmt.Errorf("pwm address %q: bad channel", address)
	}
	return Bus(n), Channel(channel), nil
}

func (pwm *PWM) String() string {
	return pwm.dir
}

func (pwm *PWM) Enable() error {
	return os.WriteFile(pwm.enable, []byte{'1'}, 0666)
}

func (pwm *PWM) Disable() error {
	return os.WriteFile(pwm.enable, []byte{'0'}, 0666)
}

func (pwm *PWM) Polarity(polarity Polarity) error {
	return os.WriteFile(pwm.polarity, []byte(polarity), 0666)
}

func (pwm *PWM) Period(period time.Duration) error {
	value := fmt.Sprintf("%d", period.Nanoseconds())
	return os.WriteFile(pwm.period, []byte(value), 0666)
}

func (pwm *PWM) DutyCycle(dutyCycle time.Duration) error {
	value := fmt.Sprintf("%d", dutyCycle.Nanoseconds())
	return os.WriteFile(pwm.dutyCycle, []byte(value), 0666)
}

// Setup runs the usual bring-up sequence and leaves the channel enabled
// with the given initial duty cycle.
func (pwm *PWM) Setup(period time.Duration, polarity Polarity, dutyCycle time.Duration) error {
	if err := pwm.Period(period); err != nil {
		return fmt.Errorf("set %s period: %w", pwm, err)
	}
	if err := pwm.DutyCycle(dutyCycle); err != nil {
		return fmt.Errorf("set %s duty cycle: %w", pwm, err)
	}
	if err := pwm.Polarity(polarity); err != nil {
		return fmt.Errorf("set %s polarity: %w", pwm, err)
	}
	if err := pwm.Enable(); err != nil {
		return fmt.Errorf("enable %s: %w", pwm, err)
	}
	return nil
}
