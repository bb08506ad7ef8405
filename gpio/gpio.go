package gpio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const SYSFS_ROOT = "/sys/class/gpio"

// Alias is a header pin name such as "P8_03".
type Alias string

type Number int

type Value int

const (
	LOW  Value = 0
	HIGH Value = 1
)

type Direction string

const (
	IN  Direction = "in"
	OUT Direction = "out"
)

type Gpio struct {
	number    Number
	direction string
	value     string
}

func (g *Gpio) Number() Number {
	return g.number
}

func (g *Gpio) Value() (Value, error) {
	data, err := os.ReadFile(g.value)
	if err != nil {
		return LOW, err
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return LOW, fmt.Errorf("gpio%d value %q: %w", g.number, data, err)
	}
	return Value(value), nil
}

func (g *Gpio) SetValue(value Value) error {
	data := fmt.Sprintf("%d", value)
	return os.WriteFile(g.value, []byte(data), 0666)
}

func (g *Gpio) Direction() (Direction, error) {
	data, err := os.ReadFile(g.direction)
	if err != nil {
		return IN, err
	}
	return Direction(strings.TrimSpace(string(data))), nil
}

func (g *Gpio) SetDirection(direction Direction) error {
	return os.WriteFile(g.direction, []byte(direction), 0666)
}

// Open returns the line under root without exporting it, e.g. when the
// pin was exported by a boot script.
func Open(root string, number Number) *Gpio {
	dir := filepath.Join(root, fmt.Sprintf("gpio%d", number))
	return &Gpio{
		number:    number,
		value:     filepath.Join(dir, "value"),
		direction: filepath.Join(dir, "direction"),
	}
}

// Export asks the kernel to expose the line under root.
func Export(root string, number Number) (*Gpio, error) {
	value := fmt.Sprintf("%d", number)
	if err := os.WriteFile(filepath.Join(root, "export"), []byte(value), 0666); err != nil {
		return nil, fmt.Errorf("export gpio%d: %w", number, err)
	}
	return Open(root, number), nil
}

func Unexport(root string, number Number) error {
	value := fmt.Sprintf("%d", number)
	return os.WriteFile(filepath.Join(root, "unexport"), []byte(value), 0666)
}

// GrepNumber resolves a header alias to a sysfs line number using the
// libgpiod command line tools.
func GrepNumber(ctx context.Context, alias Alias) (Number, error) {
	cmd := exec.CommandContext(ctx,
		"bash", "-c",
		fmt.Sprintf("expr $(ls -l /sys/class/gpio/gpiochip* | grep $(gpiodetect | grep $(gpiofind %s | grep -o -E \"gpiochip[0-9]+\") | grep -o -E \"[0-9]+\\.gpio\") | grep -o -E \"[0-9]+$\") + $(gpiofind %s | grep -o -E \"[0-9]+$\")", alias, alias))
	stdout, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", alias, err)
	}
	number, err := strconv.Atoi(strings.Trim(string(stdout), "\n\r"))
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", alias, err)
	}
	return Number(number), nil
}

// Resolve accepts either a plain line number or a header alias.
func Resolve(ctx context.Context, pin string) (Number, error) {
	if n, err := strconv.Atoi(pin); err == nil {
		return Number(n), nil
	}
	return GrepNumber(ctx, Alias(pin))
}
