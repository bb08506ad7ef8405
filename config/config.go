package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rover/camera"
	"rover/control"
	"rover/dispatcher"
	"rover/gstpipeline"
	"rover/logging"
	"rover/media"
	"rover/pwm"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	HTTP      HTTPConfig        `yaml:"http"`
	Relay     RelayConfig       `yaml:"relay"`
	Control   control.Config    `yaml:"control"`
	Limits    dispatcher.Limits `yaml:"limits"`
	Hardware  HardwareConfig    `yaml:"hardware"`
	Camera    CameraConfig      `yaml:"camera"`
	WebRTC    media.Options     `yaml:"webrtc"`
	MQTT      MQTTConfig        `yaml:"mqtt"`
	Redis     RedisConfig       `yaml:"redis"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Auth      AuthConfig        `yaml:"auth"`
	Log       logging.Config    `yaml:"log"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	StaticDir      string        `yaml:"static_dir"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// RelayConfig is the raw TCP line relay for clients without a browser.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type HardwareConfig struct {
	PWMRoot  string                 `yaml:"pwm_root"`
	GPIORoot string                 `yaml:"gpio_root"`
	Drive    DriveConfig            `yaml:"drive"`
	Servos   map[string]ServoConfig `yaml:"servos"`
	LED      LEDConfig              `yaml:"led"`
	Sonic    SonicConfig            `yaml:"sonic"`
	UPS      UPSConfig              `yaml:"ups"`
}

// Channel addresses below use the "<bus>/<channel>" form, e.g. "0/a".

type WheelConfig struct {
	Forward  string `yaml:"forward"`
	Backward string `yaml:"backward"`
}

type DriveConfig struct {
	Enabled bool          `yaml:"enabled"`
	Left    WheelConfig   `yaml:"left"`
	Right   WheelConfig   `yaml:"right"`
	DutyMax time.Duration `yaml:"duty_max"`
}

type ServoConfig struct {
	PWM      string        `yaml:"pwm"`
	PulseMin time.Duration `yaml:"pulse_min"`
	PulseMax time.Duration `yaml:"pulse_max"`
}

type LEDConfig struct {
	Enabled bool   `yaml:"enabled"`
	Red     string `yaml:"red"`
	Green   string `yaml:"green"`
	Blue    string `yaml:"blue"`
}

// SonicConfig names the trigger and echo pins by gpio alias or number.
type SonicConfig struct {
	Enabled bool   `yaml:"enabled"`
	Trigger string `yaml:"trigger"`
	Echo    string `yaml:"echo"`
}

type UPSConfig struct {
	Enabled bool          `yaml:"enabled"`
	Bus     int           `yaml:"bus"`
	Period  time.Duration `yaml:"period"`
}

type CameraConfig struct {
	Enabled     bool               `yaml:"enabled"`
	Source      gstpipeline.Source `yaml:"source"`
	Sensor      gstpipeline.Sensor `yaml:"sensor"`
	Index       uint               `yaml:"index"`
	Width       uint               `yaml:"width"`
	Height      uint               `yaml:"height"`
	ScaleWidth  uint               `yaml:"scale_width"`
	ScaleHeight uint               `yaml:"scale_height"`
	Quality     uint               `yaml:"quality"`
	HFlip       bool               `yaml:"hflip"`
	VFlip       bool               `yaml:"vflip"`
	FrameRate   int                `yaml:"frame_rate"`
	MjpegPort   uint               `yaml:"mjpeg_port"`
	H264Port    uint               `yaml:"h264_port"`
	BitrateKbps uint               `yaml:"bitrate_kbps"`
	KeyInterval uint               `yaml:"key_interval"`
}

func (c CameraConfig) Options() camera.Options {
	return camera.Options{
		FrameRate: c.FrameRate,
		Pipeline: gstpipeline.Options{
			Source:      c.Source,
			Sensor:      c.Sensor,
			Index:       c.Index,
			Width:       c.Width,
			Height:      c.Height,
			ScaleWidth:  c.ScaleWidth,
			ScaleHeight: c.ScaleHeight,
			Quality:     c.Quality,
			Flip:        gstpipeline.FlipFor(c.HFlip, c.VFlip),
			MjpegPort:   c.MjpegPort,
			H264Port:    c.H264Port,
			BitrateKbps: c.BitrateKbps,
			KeyInterval: c.KeyInterval,
		},
	}
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
}

func (c MQTTConfig) Options() control.MQTTOptions {
	return control.MQTTOptions{
		Broker:   c.Broker,
		ClientID: c.ClientID,
		Username: c.Username,
		Password: c.Password,
		Prefix:   c.Prefix,
		QoS:      c.QoS,
	}
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

// AuthConfig enables bearer tokens on the websocket when Secret is set.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:          ":8080",
			StaticDir:     "static",
			ShutdownGrace: 5 * time.Second,
		},
		Relay: RelayConfig{Addr: ":9000"},
		Control: control.Config{
			IdleTimeout:      0,
			StopOnDisconnect: true,
		},
		Limits: dispatcher.DefaultLimits(),
		Hardware: HardwareConfig{
			PWMRoot:  pwm.DEVICE_ROOT,
			GPIORoot: "/sys/class/gpio",
			Drive: DriveConfig{
				Enabled: true,
				Left:    WheelConfig{Forward: "0/a", Backward: "0/b"},
				Right:   WheelConfig{Forward: "1/a", Backward: "1/b"},
			},
			Servos: map[string]ServoConfig{
				"pan":  {PWM: "2/a"},
				"tilt": {PWM: "2/b"},
			},
			UPS: UPSConfig{Bus: 1, Period: 5 * time.Second},
		},
		Camera: CameraConfig{
			Source:      gstpipeline.SourceUsb,
			Sensor:      gstpipeline.IMX219,
			Width:       640,
			Height:      480,
			ScaleWidth:  320,
			ScaleHeight: 240,
			Quality:     80,
			FrameRate:   30,
			MjpegPort:   9990,
			H264Port:    9991,
			BitrateKbps: 1000,
			KeyInterval: 30,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "rover",
			Prefix:   "rover",
			QoS:      1,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "rover",
			TTL:    time.Minute,
		},
		Discovery: DiscoveryConfig{
			Instance: "rover",
			Service:  "_rover._tcp",
			Domain:   "local.",
		},
		Log: logging.Config{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. A .env file in the working directory is loaded first when
// present. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("ROVER_HTTP_ADDR", c.HTTP.Addr)
	c.Relay.Addr = getEnv("ROVER_RELAY_ADDR", c.Relay.Addr)
	c.MQTT.Broker = getEnv("ROVER_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("ROVER_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("ROVER_MQTT_PASSWORD", c.MQTT.Password)
	c.Redis.Addr = getEnv("ROVER_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("ROVER_REDIS_PASSWORD", c.Redis.Password)
	c.Auth.Secret = getEnv("ROVER_AUTH_SECRET", c.Auth.Secret)
	c.Log.Level = getEnv("ROVER_LOG_LEVEL", c.Log.Level)
	c.Camera.Source = gstpipeline.Source(getEnv("ROVER_CAMERA_SOURCE", string(c.Camera.Source)))

	for key, target := range map[string]*bool{
		"ROVER_RELAY_ENABLED":     &c.Relay.Enabled,
		"ROVER_CAMERA_ENABLED":    &c.Camera.Enabled,
		"ROVER_MQTT_ENABLED":      &c.MQTT.Enabled,
		"ROVER_REDIS_ENABLED":     &c.Redis.Enabled,
		"ROVER_DISCOVERY_ENABLED": &c.Discovery.Enabled,
	} {
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, key, value)
		}
		*target = b
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.HTTP.Addr == "" {
		invalid("http.addr is empty")
	}
	if c.Relay.Enabled && c.Relay.Addr == "" {
		invalid("relay.addr is empty")
	}
	if c.Control.MaxSessions < 0 {
		invalid("control.max_sessions is negative")
	}

	for name, r := range map[string]dispatcher.Range{
		"limits.motor":      c.Limits.Motor,
		"limits.led_mode":   c.Limits.LedMode,
		"limits.color":      c.Limits.Color,
		"limits.brightness": c.Limits.Brightness,
	} {
		if r.Min > r.Max {
			invalid("%s %s is empty", name, r)
		}
	}
	if !c.Limits.Motor.Contains(0) {
		invalid("limits.motor %s must contain 0 so the drive can stop", c.Limits.Motor)
	}
	for id, r := range c.Limits.Servos {
		if r.Min > r.Max {
			invalid("limits.servos.%s %s is empty", id, r)
		}
	}

	hw := c.Hardware
	if hw.Drive.Enabled {
		for name, addr := range map[string]string{
			"left.forward":   hw.Drive.Left.Forward,
			"left.backward":  hw.Drive.Left.Backward,
			"right.forward":  hw.Drive.Right.Forward,
			"right.backward": hw.Drive.Right.Backward,
		} {
			if _, _, err := pwm.ParseAddress(addr); err != nil {
				invalid("hardware.drive.%s: %v", name, err)
			}
		}
	}
	for id, s := range hw.Servos {
		if _, ok := c.Limits.Servos[id]; !ok {
			invalid("hardware.servos.%s has no limits", id)
		}
		if _, _, err := pwm.ParseAddress(s.PWM); err != nil {
			invalid("hardware.servos.%s: %v", id, err)
		}
	}
	if hw.LED.Enabled {
		for name, addr := range map[string]string{"red": hw.LED.Red, "green": hw.LED.Green, "blue": hw.LED.Blue} {
			if _, _, err := pwm.ParseAddress(addr); err != nil {
				invalid("hardware.led.%s: %v", name, err)
			}
		}
	}
	if hw.Sonic.Enabled && (hw.Sonic.Trigger == "" || hw.Sonic.Echo == "") {
		invalid("hardware.sonic needs trigger and echo pins")
	}

	if c.Camera.Enabled {
		switch c.Camera.Source {
		case gstpipeline.SourceCsi, gstpipeline.SourceUsb, gstpipeline.SourceTest, camera.SourcePattern:
		default:
			invalid("camera.source %q is unknown", c.Camera.Source)
		}
		if c.Camera.Quality == 0 || c.Camera.Quality > 100 {
			invalid("camera.quality %d is outside [1,100]", c.Camera.Quality)
		}
	}
	if c.WebRTC.PortMin > c.WebRTC.PortMax {
		invalid("webrtc port range %d-%d is empty", c.WebRTC.PortMin, c.WebRTC.PortMax)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			invalid("mqtt.broker is empty")
		}
		if c.MQTT.Prefix == "" {
			invalid("mqtt.prefix is empty")
		}
		if c.MQTT.QoS > 2 {
			invalid("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		invalid("redis.addr is empty")
	}
	if c.Discovery.Enabled && (c.Discovery.Instance == "" || c.Discovery.Service == "") {
		invalid("discovery needs instance and service")
	}
	return errors.Join(errs...)
}
