package media

import (
	"context"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"

	"rover/control"
)

const CHANNEL_INBOX_SIZE = 64

// channelConn adapts a data channel to control.Conn. Each data channel
// message is one control message.
type channelConn struct {
	dc        *webrtc.DataChannel
	inbox     chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newChannelConn(dc *webrtc.DataChannel) *channelConn {
	return &channelConn{
		dc:     dc,
		inbox:  make(chan string, CHANNEL_INBOX_SIZE),
		closed: make(chan struct{}),
	}
}

// deliver blocks the channel's read loop while the inbox is full.
func (c *channelConn) deliver(msg webrtc.DataChannelMessage) {
	select {
	case c.inbox <- string(msg.Data):
	case <-c.closed:
	}
}

func (c *channelConn) Receive(ctx context.Context) (string, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closed:
		return "", io.EOF
	}
}

func (c *channelConn) Send(ctx context.Context, ack control.Ack) error {
	data, err := control.EncodeAck(ack)
	if err != nil {
		return err
	}
	return c.dc.SendText(string(data))
}

func (c *channelConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.dc.Close()
	})
	return err
}

func (c *channelConn) RemoteAddr() string {
	return "datachannel:" + c.dc.Label()
}
