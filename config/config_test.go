package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rover/dispatcher"
	"rover/gstpipeline"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
  shutdown_grace: 2s
control:
  idle_timeout: 30s
  max_sessions: 4
limits:
  motor: {min: -50, max: 50}
camera:
  enabled: true
  source: csi
  sensor: imx390
  hflip: true
mqtt:
  enabled: true
  prefix: robots/r1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Second, cfg.HTTP.ShutdownGrace)
	assert.Equal(t, 30*time.Second, cfg.Control.IdleTimeout)
	assert.Equal(t, 4, cfg.Control.MaxSessions)
	assert.True(t, cfg.Control.StopOnDisconnect)
	assert.Equal(t, dispatcher.Range{Min: -50, Max: 50}, cfg.Limits.Motor)
	assert.Equal(t, dispatcher.Range{Min: 50, Max: 180}, cfg.Limits.Servos["tilt"])

	opts := cfg.Camera.Options()
	assert.Equal(t, gstpipeline.SourceCsi, opts.Pipeline.Source)
	assert.Equal(t, gstpipeline.IMX390, opts.Pipeline.Sensor)
	assert.Equal(t, gstpipeline.FlipHorizontal, opts.Pipeline.Flip)
	assert.Equal(t, uint(80), opts.Pipeline.Quality)

	mqtt := cfg.MQTT.Options()
	assert.Equal(t, "robots/r1/command", mqtt.CommandTopic())
	assert.Equal(t, "tcp://localhost:1883", mqtt.Broker)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ROVER_HTTP_ADDR", ":7000")
	t.Setenv("ROVER_AUTH_SECRET", "s3cret")
	t.Setenv("ROVER_REDIS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.True(t, cfg.Redis.Enabled)

	t.Setenv("ROVER_MQTT_ENABLED", "maybe")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "http: [not, a, map]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"empty motor range":   func(c *Config) { c.Limits.Motor = dispatcher.Range{Min: 10, Max: -10} },
		"motor cannot stop":   func(c *Config) { c.Limits.Motor = dispatcher.Range{Min: 20, Max: 100} },
		"servo without limit": func(c *Config) { c.Hardware.Servos["arm"] = ServoConfig{PWM: "2/a"} },
		"bad wheel address":   func(c *Config) { c.Hardware.Drive.Left.Forward = "0/z" },
		"led without pins":    func(c *Config) { c.Hardware.LED.Enabled = true },
		"sonic without pins":  func(c *Config) { c.Hardware.Sonic.Enabled = true },
		"unknown camera":      func(c *Config) { c.Camera.Enabled = true; c.Camera.Source = "ir" },
		"camera quality":      func(c *Config) { c.Camera.Enabled = true; c.Camera.Quality = 101 },
		"mqtt qos":            func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 },
		"ice ports":           func(c *Config) { c.WebRTC.PortMin = 50000; c.WebRTC.PortMax = 40000 },
		"negative sessions":   func(c *Config) { c.Control.MaxSessions = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidateMotorRangeNamesStop(t *testing.T) {
	cfg := Default()
	cfg.Limits.Motor = dispatcher.Range{Min: -100, Max: -10}
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "limits.motor [-100,-10] must contain 0")
}
