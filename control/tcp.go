package control

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"rover/command"
)

const MAX_LINE_SIZE = 4096
const TCP_WRITE_TIMEOUT = 1 * time.Second

// RELAY_WORDS are the bare commands of the Bluetooth phone relay. On the
// TCP relay each one runs the named action.
var RELAY_WORDS = map[string]string{
	"forward":  "forward",
	"backward": "backward",
	"left":     "spin_left",
	"right":    "spin_right",
	"stop":     "stop",
}

func relayCommand(line string) string {
	if action, ok := RELAY_WORDS[strings.TrimSpace(line)]; ok {
		return command.TagAction + command.Delimiter + action
	}
	return line
}

// ServeTCP accepts relay clients on soc until ctx is done. Each connection
// is a session of newline terminated messages; acks go back as JSON lines.
func ServeTCP(ctx context.Context, soc net.Listener, l *Listener) error {
	stop := context.AfterFunc(ctx, func() { soc.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := soc.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Serve(ctx, NewLineConn(conn), "tcp")
		}()
	}
}

// lineConn frames a byte stream into lines.
type lineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	writeMu sync.Mutex
}

func NewLineConn(conn net.Conn) Conn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 256), MAX_LINE_SIZE)
	return &lineConn{conn: conn, scanner: scanner}
}

func (c *lineConn) Receive(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for c.scanner.Scan() {
		line := c.scanner.Text()
		if line == "" {
			continue
		}
		return relayCommand(line), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err := c.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (c *lineConn) Send(ctx context.Context, ack Ack) error {
	data, err := EncodeAck(ack)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(TCP_WRITE_TIMEOUT))
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}

func (c *lineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

