package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const MQTT_PUBLISH_TIMEOUT = 2 * time.Second
const MQTT_REDIAL_INTERVAL = 5 * time.Second
const MQTT_INBOX_SIZE = 64

type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix roots the topics: commands arrive on <prefix>/command and
	// acks leave on <prefix>/ack.
	Prefix string
	QoS    byte
}

func (o MQTTOptions) CommandTopic() string { return o.Prefix + "/command" }
func (o MQTTOptions) AckTopic() string     { return o.Prefix + "/ack" }

// pubSub is the part of mqtt.Client a session uses.
type pubSub interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// mqttConn turns the command topic subscription into one ordered session.
type mqttConn struct {
	opts      MQTTOptions
	client    pubSub
	inbox     chan string
	pending   mqtt.Token
	closed    chan struct{}
	closeOnce sync.Once
}

func newMQTTConn(opts MQTTOptions, client pubSub) *mqttConn {
	return &mqttConn{
		opts:   opts,
		client: client,
		inbox:  make(chan string, MQTT_INBOX_SIZE),
		closed: make(chan struct{}),
	}
}

// DialMQTT connects to the broker and subscribes to the command topic. The
// subscription is renewed on every reconnect.
func DialMQTT(opts MQTTOptions, logger *zap.Logger) (Conn, error) {
	c := newMQTTConn(opts, nil)
	o := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(1 * time.Second).
		SetWriteTimeout(MQTT_PUBLISH_TIMEOUT).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true)
	o.SetOnConnectHandler(func(client mqtt.Client) {
		if err := c.subscribe(client); err != nil {
			logger.Error("Cannot subscribe to command topic", zap.String("topic", opts.CommandTopic()), zap.Error(err))
			return
		}
		logger.Info("Subscribed to command topic", zap.String("topic", opts.CommandTopic()))
	})
	o.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, reconnecting", zap.Error(err))
	})
	client := mqtt.NewClient(o)
	c.client = client
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", opts.Broker, token.Error())
	}
	return c, nil
}

func (c *mqttConn) subscribe(client pubSub) error {
	token := client.Subscribe(c.opts.CommandTopic(), c.opts.QoS, c.deliver)
	token.Wait()
	return token.Error()
}

// deliver runs on the paho router. It blocks while the inbox is full so
// that ordering is kept instead of dropping commands; a burst back-pressures
// the broker through the router.
func (c *mqttConn) deliver(_ mqtt.Client, msg mqtt.Message) {
	select {
	case c.inbox <- string(msg.Payload()):
	case <-c.closed:
	}
}

func (c *mqttConn) Receive(ctx context.Context) (string, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closed:
		return "", net.ErrClosed
	}
}

// Send hands the ack to paho without waiting for the broker's PUBACK. The
// session goroutine must not wait on the router that deliver may be
// holding up. A publish that failed later is reported by the next Send.
func (c *mqttConn) Send(ctx context.Context, ack Ack) error {
	data, err := EncodeAck(ack)
	if err != nil {
		return err
	}
	if c.pending != nil {
		select {
		case <-c.pending.Done():
			if err := c.pending.Error(); err != nil {
				c.pending = nil
				return fmt.Errorf("publish ack: %w", err)
			}
		default:
		}
	}
	token := c.client.Publish(c.opts.AckTopic(), c.opts.QoS, false, data)
	select {
	case <-token.Done():
		c.pending = nil
		return token.Error()
	default:
		c.pending = token
		return nil
	}
}

func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.client.Unsubscribe(c.opts.CommandTopic()).WaitTimeout(time.Second)
		c.client.Disconnect(250)
	})
	return nil
}

func (c *mqttConn) RemoteAddr() string {
	return c.opts.Broker
}

// ServeMQTT keeps one broker session alive until ctx is done, redialing
// after the session ends.
func ServeMQTT(ctx context.Context, l *Listener, opts MQTTOptions) error {
	for {
		conn, err := DialMQTT(opts, l.logger.Named("mqtt"))
		if err != nil {
			l.logger.Warn("MQTT dial failed", zap.Error(err))
		} else {
			err = l.Serve(ctx, conn, "mqtt")
			if errors.Is(err, ErrListenerClosed) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(MQTT_REDIAL_INTERVAL):
		}
	}
}
