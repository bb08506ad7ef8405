package streamer

import (
	"context"
	"sync"
)

// Client receives every broadcast item until it is closed or the streamer
// stops, at which point C is closed.
type Client[T any] struct {
	streamer *Streamer[T]
	input    chan<- *T
	C        <-chan *T
}

func (c *Client[T]) Close() {
	for {
		select {
		case _, ok := <-c.C:
			if !ok {
				return
			}
		case c.streamer.remove <- c:
			return
		}
	}
}

// Streamer fans items out to any number of clients. A client whose buffer
// is full misses the item instead of stalling the others.
type Streamer[T any] struct {
	mu        sync.Mutex
	isRunning bool
	done      chan struct{}
	clients   map[*Client[T]]bool
	add       chan *Client[T]
	remove    chan *Client[T]
	broadcast chan *T
	dropped   uint64
}

func NewStreamer[T any](buffSize int) *Streamer[T] {
	return &Streamer[T]{
		done:      make(chan struct{}),
		clients:   make(map[*Client[T]]bool),
		add:       make(chan *Client[T]),
		remove:    make(chan *Client[T]),
		broadcast: make(chan *T, buffSize),
	}
}

// NewClient returns nil once the streamer has stopped.
func (m *Streamer[T]) NewClient(buffSize int) *Client[T] {
	ch := make(chan *T, buffSize)
	c := &Client[T]{
		streamer: m,
		input:    ch,
		C:        ch,
	}
	select {
	case m.add <- c:
		return c
	case <-m.done:
		return nil
	}
}

// Broadcast queues data for every client. It reports false once the
// streamer has stopped.
func (m *Streamer[T]) Broadcast(data *T) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.broadcast <- data:
		return true
	case <-m.done:
		return false
	}
}

// Dropped counts items a slow client missed.
func (m *Streamer[T]) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Run serves clients until ctx is done, then closes every client channel.
// A streamer runs at most once.
func (m *Streamer[T]) Run(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	defer func() {
		close(m.done)
		for client := range m.clients {
			close(client.input)
		}
		clear(m.clients)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-m.add:
			m.clients[client] = true
		case client := <-m.remove:
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.input)
			}
		case chunk := <-m.broadcast:
			for client := range m.clients {
				select {
				case client.input <- chunk:
				default:
					m.mu.Lock()
					m.dropped++
					m.mu.Unlock()
				}
			}
		}
	}
}
