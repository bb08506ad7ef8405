package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"rover/dispatcher"
)

// fakeConn feeds scripted messages and collects acks. Closing in ends the
// session with io.EOF; a value on fail ends it with a transport error.
type fakeConn struct {
	remote    string
	in        chan string
	fail      chan error
	acks      chan Ack
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{
		remote: remote,
		in:     make(chan string, 128),
		fail:   make(chan error, 1),
		acks:   make(chan Ack, 128),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Receive(ctx context.Context) (string, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return "", io.EOF
		}
		return msg, nil
	case err := <-c.fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closed:
		return "", net.ErrClosed
	}
}

func (c *fakeConn) Send(ctx context.Context, ack Ack) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.acks <- ack
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string {
	return c.remote
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) nextAck(t *testing.T) Ack {
	t.Helper()
	select {
	case ack := <-c.acks:
		return ack
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
		return Ack{}
	}
}

// fakeHardware records capability calls and flags overlapping drive calls.
type fakeHardware struct {
	mu         sync.Mutex
	calls      []string
	driveDelay time.Duration
	driveStart chan struct{}
	driving    int32
	overlapped int32
}

func (f *fakeHardware) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeHardware) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeHardware) Drive(left, right int) error {
	if atomic.AddInt32(&f.driving, 1) > 1 {
		atomic.StoreInt32(&f.overlapped, 1)
	}
	defer atomic.AddInt32(&f.driving, -1)
	if f.driveStart != nil {
		select {
		case f.driveStart <- struct{}{}:
		default:
		}
	}
	time.Sleep(f.driveDelay)
	f.record(fmt.Sprintf("drive %d %d", left, right))
	return nil
}

func (f *fakeHardware) Steer(id string, angle int) error {
	f.record(fmt.Sprintf("steer %s %d", id, angle))
	return nil
}

func (f *fakeHardware) Illuminate(mode, red, green, blue, brightness int) error {
	f.record(fmt.Sprintf("led %d %d %d %d %d", mode, red, green, blue, brightness))
	return nil
}

func (f *fakeHardware) Distance(ctx context.Context) (float64, error) {
	f.record("sonic")
	return 42.5, nil
}

func newTestListener(t *testing.T, cfg Config, hw *fakeHardware, opts ...dispatcher.Option) *Listener {
	t.Helper()
	logger := zaptest.NewLogger(t)
	caps := dispatcher.Capabilities{Drive: hw, Steer: hw, Illuminate: hw, Sense: hw}
	opts = append([]dispatcher.Option{dispatcher.WithLogger(logger)}, opts...)
	d := dispatcher.New(caps, dispatcher.DefaultLimits(), opts...)
	l := NewListener(d, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		l.Shutdown(ctx)
		d.Close(ctx)
	})
	return l
}

// serve runs a session in the background and returns its result channel.
func serve(l *Listener, conn Conn) chan error {
	done := make(chan error, 1)
	go func() { done <- l.Serve(context.Background(), conn, "fake") }()
	return done
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}
