package control

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rover/dispatcher"
)

type staticVerifier string

func (v staticVerifier) Verify(token string) error {
	if token != string(v) {
		return errors.New("bad token")
	}
	return nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketSession(t *testing.T) {
	hw := &fakeHardware{}
	l := newTestListener(t, Config{StopOnDisconnect: true}, hw)
	srv := httptest.NewServer(WebSocketHandler(l, WebSocketOptions{}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("MOTOR#50#-50")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	ack, err := DecodeAck(data)
	require.NoError(t, err)
	assert.Equal(t, Ack{Seq: 1, Command: "MOTOR", Status: StatusApplied}, ack)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"command":"FOO#1#2"}`)))
	_, data, err = ws.ReadMessage()
	require.NoError(t, err)
	ack, err = DecodeAck(data)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsupported, ack.Status)

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()
	assert.Eventually(t, func() bool { return len(l.Sessions()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		calls := hw.Calls()
		return len(calls) == 2 && calls[1] == "drive 0 0"
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocketRequiresToken(t *testing.T) {
	l := newTestListener(t, Config{}, &fakeHardware{})
	srv := httptest.NewServer(WebSocketHandler(l, WebSocketOptions{Verifier: staticVerifier("secret")}))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	ws.Close()

	ws, _, err = websocket.DefaultDialer.Dial(wsURL(srv)+"?token=secret", nil)
	require.NoError(t, err)
	ws.Close()
}

func TestWebSocketOrigin(t *testing.T) {
	l := newTestListener(t, Config{}, &fakeHardware{})
	srv := httptest.NewServer(WebSocketHandler(l, WebSocketOptions{AllowedOrigins: []string{"http://rover.local"}}))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Origin": []string{"http://rover.local"}})
	require.NoError(t, err)
	ws.Close()
}

func TestTCPRelay(t *testing.T) {
	hw := &fakeHardware{}
	l := newTestListener(t, Config{}, hw)
	soc, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeTCP(ctx, soc, l) }()

	conn, err := net.Dial("tcp", soc.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("MOTOR#50#-50\r\n\nSERVO#pan#200\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	ack, err := DecodeAck(line)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, ack.Status)

	line, err = reader.ReadBytes('\n')
	require.NoError(t, err)
	ack, err = DecodeAck(line)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.Seq)
	assert.Equal(t, StatusRejected, ack.Status)

	conn.Close()
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, []string{"drive 50 -50"}, hw.Calls())
}

func TestTCPRelayWords(t *testing.T) {
	hw := &fakeHardware{}
	l := newTestListener(t, Config{}, hw, dispatcher.WithBehaviors(dispatcher.DefaultBehaviors()))
	soc, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeTCP(ctx, soc, l) }()

	conn, err := net.Dial("tcp", soc.Addr().String())
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	send := func(line string) Ack {
		t.Helper()
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		data, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		ack, err := DecodeAck(data)
		require.NoError(t, err)
		return ack
	}

	ack := send("left")
	assert.Equal(t, StatusApplied, ack.Status)
	assert.Equal(t, "ACTION", ack.Command)
	require.Eventually(t, func() bool { return len(hw.Calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"drive -60 60"}, hw.Calls())

	assert.Equal(t, StatusApplied, send("stop").Status)
	assert.Eventually(t, func() bool { return len(hw.Calls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"drive -60 60", "drive 0 0"}, hw.Calls())

	assert.Equal(t, StatusUnsupported, send("sideways").Status)

	conn.Close()
	cancel()
	assert.NoError(t, <-done)
}

func TestRelayCommand(t *testing.T) {
	assert.Equal(t, "ACTION#forward", relayCommand("forward"))
	assert.Equal(t, "ACTION#backward", relayCommand("backward"))
	assert.Equal(t, "ACTION#spin_right", relayCommand(" right "))
	assert.Equal(t, "MOTOR#1#1", relayCommand("MOTOR#1#1"))
	assert.Equal(t, "Forward", relayCommand("Forward"))
}

type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

// stalledToken is a publish the broker never acknowledges.
type stalledToken struct {
	done chan struct{}
}

func (t stalledToken) Wait() bool                     { <-t.done; return true }
func (t stalledToken) WaitTimeout(time.Duration) bool { return false }
func (t stalledToken) Done() <-chan struct{}          { return t.done }
func (t stalledToken) Error() error                   { return nil }

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

type fakeBroker struct {
	mu        sync.Mutex
	handler   mqtt.MessageHandler
	published map[string][][]byte
	publish   mqtt.Token
	gone      bool
}

func (b *fakeBroker) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = callback
	return fakeToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	return fakeToken{}
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], payload.([]byte))
	if b.publish != nil {
		return b.publish
	}
	return fakeToken{}
}

func (b *fakeBroker) Disconnect(quiesce uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gone = true
}

func (b *fakeBroker) acks(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[topic]
}

func TestMQTTSession(t *testing.T) {
	hw := &fakeHardware{}
	l := newTestListener(t, Config{}, hw)
	broker := &fakeBroker{published: map[string][][]byte{}}
	opts := MQTTOptions{Broker: "tcp://broker:1883", Prefix: "rover/1", QoS: 1}
	conn := newMQTTConn(opts, broker)
	require.NoError(t, conn.subscribe(broker))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, conn, "mqtt") }()

	broker.handler(nil, fakeMessage{payload: []byte("MOTOR#50#-50")})
	broker.handler(nil, fakeMessage{payload: []byte("LED#1#300#0#0#100")})

	assert.Eventually(t, func() bool { return len(broker.acks("rover/1/ack")) == 2 }, time.Second, 5*time.Millisecond)
	first, err := DecodeAck(broker.acks("rover/1/ack")[0])
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, first.Status)
	second, err := DecodeAck(broker.acks("rover/1/ack")[1])
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, second.Status)

	cancel()
	assert.NoError(t, <-done)
	assert.True(t, broker.gone)
	assert.Equal(t, []string{"drive 50 -50"}, hw.Calls())
}

func TestMQTTAckDoesNotWaitForBroker(t *testing.T) {
	broker := &fakeBroker{published: map[string][][]byte{}, publish: stalledToken{done: make(chan struct{})}}
	conn := newMQTTConn(MQTTOptions{Prefix: "rover"}, broker)

	start := time.Now()
	for i := 1; i <= 3; i++ {
		require.NoError(t, conn.Send(context.Background(), Ack{Seq: uint64(i), Status: StatusApplied}))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, broker.acks("rover/ack"), 3)

	broker.publish = fakeToken{err: errors.New("not connected")}
	assert.ErrorContains(t, conn.Send(context.Background(), Ack{Seq: 4}), "not connected")
}

func TestMQTTTopics(t *testing.T) {
	opts := MQTTOptions{Prefix: "rover"}
	assert.Equal(t, "rover/command", opts.CommandTopic())
	assert.Equal(t, "rover/ack", opts.AckTopic())
}

func TestUnwrap(t *testing.T) {
	text, err := unwrap("MOTOR#1#1")
	require.NoError(t, err)
	assert.Equal(t, "MOTOR#1#1", text)

	text, err = unwrap(` {"command":"LED#1#2#3#4#5"} `)
	require.NoError(t, err)
	assert.Equal(t, "LED#1#2#3#4#5", text)

	for _, bad := range []string{`{"command":`, `{}`, `{"command": 5}`} {
		_, err := unwrap(bad)
		assert.ErrorIs(t, err, ErrEnvelope, bad)
	}
}
