package dispatcher

import "fmt"

const (
	MOTOR_SPEED_MIN    = -100
	MOTOR_SPEED_MAX    = 100
	SERVO_ANGLE_MIN    = 0
	SERVO_ANGLE_MAX    = 180
	TILT_ANGLE_MIN     = 50
	LED_COLOR_MAX      = 255
	LED_BRIGHTNESS_MAX = 100
)

const (
	LedModeOff = iota
	LedModeSolid
	LedModeBlink
	LedModeBreathe
	LedModeRainbow
)

// Range is an inclusive integer interval.
type Range struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// Limits declares the accepted bounds of every numeric command field.
type Limits struct {
	Motor      Range            `yaml:"motor"`
	Servos     map[string]Range `yaml:"servos"`
	LedMode    Range            `yaml:"led_mode"`
	Color      Range            `yaml:"color"`
	Brightness Range            `yaml:"brightness"`
}

func DefaultLimits() Limits {
	return Limits{
		Motor: Range{MOTOR_SPEED_MIN, MOTOR_SPEED_MAX},
		Servos: map[string]Range{
			"pan":  {SERVO_ANGLE_MIN, SERVO_ANGLE_MAX},
			"tilt": {TILT_ANGLE_MIN, SERVO_ANGLE_MAX},
		},
		LedMode:    Range{LedModeOff, LedModeRainbow},
		Color:      Range{0, LED_COLOR_MAX},
		Brightness: Range{0, LED_BRIGHTNESS_MAX},
	}
}

func check(field string, v int, r Range) error {
	if r.Contains(v) {
		return nil
	}
	return &ValidationError{Code: ErrOutOfRange, Field: field, Value: v, Range: r}
}
