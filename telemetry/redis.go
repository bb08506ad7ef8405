package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"rover/command"
	"rover/dispatcher"
	"rover/ups"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const QUEUE_SIZE = 128
const WRITE_TIMEOUT = 500 * time.Millisecond
const BATTERY_PERIOD = 5 * time.Second

// setter is the part of redis.Cmdable the mirror writes through.
type setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type entry struct {
	key   string
	value []byte
}

// RedisMirror keeps the last applied state of every actuator and the last
// sensor readings in Redis, e.g. rover:motor or rover:servo:pan. Writes
// happen off the dispatching goroutine; when the queue is full the entry
// is dropped.
type RedisMirror struct {
	store   setter
	closer  func() error
	prefix  string
	ttl     time.Duration
	logger  *zap.Logger
	queue   chan entry
	dropped atomic.Uint64
}

func NewRedisMirror(store setter, prefix string, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{
		store:  store,
		closer: func() error { return nil },
		prefix: prefix,
		ttl:    ttl,
		logger: logger.Named("telemetry"),
		queue:  make(chan entry, QUEUE_SIZE),
	}
}

// Dial connects to Redis and fails when the server does not answer a ping.
func Dial(ctx context.Context, opts Options, logger *zap.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	m := NewRedisMirror(client, opts.Prefix, opts.TTL, logger)
	m.closer = client.Close
	return m, nil
}

// Observe implements dispatcher.Observer. Only applied commands change the
// mirrored state.
func (m *RedisMirror) Observe(cmd command.Command, res dispatcher.Result) {
	if res.Outcome != dispatcher.Applied {
		return
	}
	var key string
	var value interface{}
	switch c := cmd.(type) {
	case command.Motor:
		key, value = "motor", map[string]int{"left": c.Left, "right": c.Right}
	case command.Servo:
		key, value = "servo:"+c.ID, map[string]int{"angle": c.Angle}
	case command.Led:
		key, value = "led", map[string]int{
			"mode": c.Mode, "red": c.Red, "green": c.Green, "blue": c.Blue, "brightness": c.Brightness,
		}
	case command.Sonic:
		key, value = "sonic", map[string]float64{"distance": res.Distance}
	case command.Action:
		key, value = "action", map[string]string{"name": c.Name}
	default:
		return
	}
	m.enqueue(key, value)
}

func (m *RedisMirror) PublishBattery(status ups.Status) {
	m.enqueue("battery", status)
}

func (m *RedisMirror) enqueue(key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Error("Cannot encode telemetry", zap.String("key", key), zap.Error(err))
		return
	}
	select {
	case m.queue <- entry{key: m.prefix + ":" + key, value: data}:
	default:
		m.dropped.Add(1)
	}
}

func (m *RedisMirror) Dropped() uint64 {
	return m.dropped.Load()
}

// Run writes queued entries until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-m.queue:
			wctx, cancel := context.WithTimeout(ctx, WRITE_TIMEOUT)
			err := m.store.Set(wctx, e.key, e.value, m.ttl).Err()
			cancel()
			if err != nil {
				m.logger.Warn("Telemetry write failed", zap.String("key", e.key), zap.Error(err))
			}
		}
	}
}

// BatterySource is polled by WatchBattery. *ups.UpsModule3S satisfies it.
type BatterySource interface {
	Status() ups.Status
}

// WatchBattery publishes the battery status every period until ctx is
// done.
func (m *RedisMirror) WatchBattery(ctx context.Context, source BatterySource, period time.Duration) error {
	if period <= 0 {
		period = BATTERY_PERIOD
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if status := source.Status(); !status.UpdatedAt.IsZero() {
				m.PublishBattery(status)
			}
		}
	}
}

func (m *RedisMirror) Close() error {
	return m.closer()
}
