package control

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rover/command"
	"rover/dispatcher"
)

// Conn is one control session's ordered message stream. Receive blocks
// until a message arrives, the peer goes away or ctx is done. io.EOF
// reports an orderly close by the peer.
type Conn interface {
	Receive(ctx context.Context) (string, error)
	Send(ctx context.Context, ack Ack) error
	Close() error
	RemoteAddr() string
}

// Dispatcher is what a session feeds. *dispatcher.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) dispatcher.Result
	Stop() error
}

type Config struct {
	// IdleTimeout closes a session that sent nothing for this long. Zero
	// disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`
	// StopOnDisconnect zeroes the drive when a session that moved the
	// motors ends.
	StopOnDisconnect bool `yaml:"stop_on_disconnect"`
}

// SessionInfo is a snapshot of one live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote"`
	Started   time.Time `json:"started"`
	Messages  uint64    `json:"messages"`
}

type session struct {
	id        string
	transport string
	conn      Conn
	started   time.Time
	messages  atomic.Uint64
	drove     bool
}

// Listener runs control sessions. Each session is served by the goroutine
// that calls Serve, so messages of one session are handled strictly in
// order while sessions run independently of each other.
type Listener struct {
	cfg    Config
	d      Dispatcher
	logger *zap.Logger

	// base ends every Receive on Shutdown. work ends in-flight dispatches
	// when the shutdown grace period runs out.
	base       context.Context
	stopAccept context.CancelFunc
	work       context.Context
	abandon    context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
	wg       sync.WaitGroup
}

func NewListener(d Dispatcher, cfg Config, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stopAccept := context.WithCancel(context.Background())
	work, abandon := context.WithCancel(context.Background())
	return &Listener{
		cfg:        cfg,
		d:          d,
		logger:     logger,
		base:       base,
		stopAccept: stopAccept,
		work:       work,
		abandon:    abandon,
		sessions:   make(map[string]*session),
	}
}

// Serve runs one session on conn until the peer goes away, the session
// idles out, ctx is done or the listener shuts down. conn is always closed
// on return. A nil error means the session ended normally.
func (l *Listener) Serve(ctx context.Context, conn Conn, transport string) error {
	s, err := l.register(conn, transport)
	if err != nil {
		conn.Close()
		l.logger.Warn("Control session refused",
			zap.String("transport", transport),
			zap.String("remote", conn.RemoteAddr()),
			zap.Error(err))
		return err
	}
	defer l.wg.Done()

	logger := l.logger.With(
		zap.String("session", s.id),
		zap.String("transport", transport),
		zap.String("remote", conn.RemoteAddr()))
	logger.Info("Control session started")

	sctx, cancel := context.WithCancel(l.base)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = l.loop(sctx, s, logger)
	l.unregister(s)
	conn.Close()

	if l.cfg.StopOnDisconnect && s.drove {
		if stopErr := l.d.Stop(); stopErr != nil {
			logger.Error("Cannot stop drive after disconnect", zap.Error(stopErr))
		} else {
			logger.Info("Drive stopped after disconnect")
		}
	}
	logger.Info("Control session ended",
		zap.Uint64("messages", s.messages.Load()),
		zap.Duration("duration", time.Since(s.started)),
		zap.Error(err))
	return err
}

func (l *Listener) loop(ctx context.Context, s *session, logger *zap.Logger) error {
	for {
		msg, err := l.receive(ctx, s.conn)
		if err != nil {
			switch {
			case errors.Is(err, ErrIdleTimeout):
				return err
			case ctx.Err() != nil, errors.Is(err, io.EOF):
				return nil
			}
			return &TransportError{Op: "receive", Err: err}
		}
		ack := l.handle(s, msg, logger)
		if err := s.conn.Send(l.work, ack); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "send", Err: err}
		}
	}
}

func (l *Listener) receive(ctx context.Context, conn Conn) (string, error) {
	if l.cfg.IdleTimeout <= 0 {
		return conn.Receive(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, l.cfg.IdleTimeout)
	defer cancel()
	msg, err := conn.Receive(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return "", ErrIdleTimeout
	}
	return msg, err
}

// handle runs one message through parse and dispatch. Nothing that goes
// wrong here ends the session.
func (l *Listener) handle(s *session, msg string, logger *zap.Logger) Ack {
	seq := s.messages.Add(1)

	text, err := unwrap(msg)
	if err != nil {
		logger.Warn("Malformed envelope", zap.Uint64("seq", seq), zap.Error(err))
		return invalidAck(seq, command.KindUnknown, err)
	}
	cmd, err := command.Parse(text)
	if err != nil {
		kind := command.KindUnknown
		var pe *command.ParseError
		if errors.As(err, &pe) {
			kind = pe.Kind
		}
		logger.Warn("Malformed command", zap.Uint64("seq", seq), zap.Error(err))
		return invalidAck(seq, kind, err)
	}

	res := l.d.Dispatch(l.work, cmd)
	switch res.Outcome {
	case dispatcher.Applied:
		if cmd.Kind() == command.KindMotor {
			s.drove = true
		}
		logger.Debug("Command applied", zap.Uint64("seq", seq), zap.Stringer("command", cmd))
	case dispatcher.Unsupported:
		logger.Info("Command unsupported", zap.Uint64("seq", seq), zap.Stringer("command", cmd), zap.Error(res.Err))
	default:
		logger.Warn("Command rejected", zap.Uint64("seq", seq), zap.Stringer("command", cmd), zap.Error(res.Err))
	}
	return resultAck(seq, res)
}

func (l *Listener) register(conn Conn, transport string) (*session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrListenerClosed
	}
	if l.cfg.MaxSessions > 0 && len(l.sessions) >= l.cfg.MaxSessions {
		return nil, ErrSessionLimit
	}
	s := &session{
		id:        uuid.NewString(),
		transport: transport,
		conn:      conn,
		started:   time.Now(),
	}
	l.sessions[s.id] = s
	l.wg.Add(1)
	return s, nil
}

func (l *Listener) unregister(s *session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, s.id)
}

// Sessions lists the live sessions, oldest first.
func (l *Listener) Sessions() []SessionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	infos := make([]SessionInfo, 0, len(l.sessions))
	for _, s := range l.sessions {
		infos = append(infos, SessionInfo{
			ID:        s.id,
			Transport: s.transport,
			Remote:    s.conn.RemoteAddr(),
			Started:   s.started,
			Messages:  s.messages.Load(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Started.Before(infos[j].Started) })
	return infos
}

// Shutdown refuses new sessions and ends the running ones. A message being
// handled is allowed to finish until ctx is done; after that in-flight
// dispatches are canceled and the connections are closed under them.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.stopAccept()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	l.abandon()
	l.mu.Lock()
	for _, s := range l.sessions {
		s.conn.Close()
	}
	l.mu.Unlock()
	return ctx.Err()
}
