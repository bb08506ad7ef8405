package ups

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rover/i2c"
	"rover/ina219"
)

const CELLS = 3

// A 18650 Li-Ion cell is considered full at 4.0V and empty at 3.5V.
const CELL_VOLTAGE_MAX = 4.0
const CELL_VOLTAGE_MIN = 3.5

const REFRESH_PERIOD = 2 * time.Second

// Status is the last reading. Negative ShuntVoltage and Current mean the
// battery is discharging.
type Status struct {
	BusVoltage     float64   `json:"busVoltage"`
	ShuntVoltage   float64   `json:"shuntVoltage"`
	BatteryVoltage float64   `json:"batteryVoltage"`
	CellVoltage    float64   `json:"cellVoltage"`
	Current        float64   `json:"current"`
	Power          float64   `json:"power"`
	ChargePercents float64   `json:"chargePercents"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Sensor is the power monitor. *ina219.INA219 satisfies it.
type Sensor interface {
	ReadShuntVoltage() (float64, error)
	ReadBusVoltage() (float64, error)
	ReadCurrent() (float64, error)
	ReadPower() (float64, error)
}

// UpsModule3S polls the Waveshare UPS Module 3S.
type UpsModule3S struct {
	mu     sync.RWMutex
	sensor Sensor
	logger *zap.Logger
	status Status
	closer func() error
}

func New(sensor Sensor, logger *zap.Logger) *UpsModule3S {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpsModule3S{sensor: sensor, logger: logger, closer: func() error { return nil }}
}

// Open calibrates the module's INA219 on the given bus.
func Open(busNumber i2c.BusNumber, logger *zap.Logger) (*UpsModule3S, error) {
	bus, err := i2c.Open(busNumber)
	if err != nil {
		return nil, err
	}
	sensor, err := ina219.New(bus, ina219.ADDRESS_DEFAULT)
	if err != nil {
		bus.Close()
		return nil, err
	}
	u := New(sensor, logger)
	u.closer = bus.Close
	return u, nil
}

// Run refreshes the status every refreshPeriod until ctx is done. Failed
// reads are logged and keep the previous status.
func (u *UpsModule3S) Run(ctx context.Context, refreshPeriod time.Duration) error {
	if refreshPeriod <= 0 {
		refreshPeriod = REFRESH_PERIOD
	}
	ticker := time.NewTicker(refreshPeriod)
	defer ticker.Stop()
	for {
		if err := u.Refresh(); err != nil {
			u.logger.Warn("ups refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh takes one reading.
func (u *UpsModule3S) Refresh() error {
	shuntVoltage, err := u.sensor.ReadShuntVoltage()
	if err != nil {
		return fmt.Errorf("read shunt voltage: %w", err)
	}
	busVoltage, err := u.sensor.ReadBusVoltage()
	if err != nil {
		return fmt.Errorf("read bus voltage: %w", err)
	}
	current, err := u.sensor.ReadCurrent()
	if err != nil {
		return fmt.Errorf("read current: %w", err)
	}
	power, err := u.sensor.ReadPower()
	if err != nil {
		return fmt.Errorf("read power: %w", err)
	}

	batteryVoltage := busVoltage - shuntVoltage
	cellVoltage := batteryVoltage / CELLS
	charge := (cellVoltage - CELL_VOLTAGE_MIN) / (CELL_VOLTAGE_MAX - CELL_VOLTAGE_MIN) * 100

	u.mu.Lock()
	u.status = Status{
		BusVoltage:     busVoltage,
		ShuntVoltage:   shuntVoltage,
		BatteryVoltage: batteryVoltage,
		CellVoltage:    cellVoltage,
		Current:        current,
		Power:          power,
		ChargePercents: min(max(charge, 0), 100),
		UpdatedAt:      time.Now(),
	}
	u.mu.Unlock()
	return nil
}

func (u *UpsModule3S) Status() Status {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status
}

func (u *UpsModule3S) Close() error {
	return u.closer()
}
