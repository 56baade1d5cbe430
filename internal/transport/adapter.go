package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	logx "courier/pkg/logx"
)

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("transport closed")

// Adapter is one bidirectional coordination channel.
//
// Send and Receive are each safe for one concurrent caller; Receive is meant
// to be driven by a single read loop.
type Adapter interface {
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

type Config struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// wsAdapter carries frames over a websocket connection.
type wsAdapter struct {
	conn *websocket.Conn
	cfg  Config
	log  logx.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the coordination endpoint.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (Adapter, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("transport url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	log.Debug("coordination channel connected", logx.String("url", cfg.URL))
	return &wsAdapter{conn: conn, cfg: cfg, log: log}, nil
}

// Accept wraps an already-accepted server-side connection.
func Accept(conn *websocket.Conn, cfg Config, log logx.Logger) Adapter {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &wsAdapter{conn: conn, cfg: cfg, log: log}
}

func (a *wsAdapter) Send(ctx context.Context, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, a.conn, f)
}

func (a *wsAdapter) Receive(ctx context.Context) (Frame, error) {
	var f Frame
	if err := wsjson.Read(ctx, a.conn, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (a *wsAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.conn.Close(websocket.StatusNormalClosure, "shutdown")
	})
	return a.closeErr
}

// loopback is an in-process adapter pair for tests and single-device runs.
type loopback struct {
	in  <-chan Frame
	out chan<- Frame

	closeOnce sync.Once
	closed    chan struct{}
	peer      *loopback
}

// NewLoopback returns two connected adapters: frames sent on one are
// received on the other.
func NewLoopback(buffer int) (Adapter, Adapter) {
	if buffer <= 0 {
		buffer = 16
	}
	ab := make(chan Frame, buffer)
	ba := make(chan Frame, buffer)
	a := &loopback{in: ba, out: ab, closed: make(chan struct{})}
	b := &loopback{in: ab, out: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *loopback) Send(ctx context.Context, f Frame) error {
	select {
	case <-l.closed:
		return ErrClosed
	case <-l.peer.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.out <- f:
		return nil
	}
}

func (l *loopback) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-l.closed:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f := <-l.in:
		return f, nil
	}
}

func (l *loopback) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
