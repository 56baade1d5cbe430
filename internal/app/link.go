package app

import (
	"context"
	"fmt"
	"sync"

	"courier/internal/connquality"
	"courier/internal/courier"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// link maintains the single websocket connection to the coordination relay.
// All devices exchange frames over it; the relay routes by Frame.Target.
// Reconnect backoff and quality scoring are delegated to the monitor.
type link struct {
	cfg     transport.Config
	monitor *connquality.Monitor
	handle  func(ctx context.Context, f transport.Frame)
	log     logx.Logger

	// dial is swapped out by tests.
	dial func(ctx context.Context) (transport.Adapter, error)

	mu      sync.Mutex
	adapter transport.Adapter
}

func newLink(cfg transport.Config, monitor *connquality.Monitor, handle func(context.Context, transport.Frame), log logx.Logger) *link {
	l := &link{
		cfg:     cfg,
		monitor: monitor,
		handle:  handle,
		log:     log,
	}
	l.dial = func(ctx context.Context) (transport.Adapter, error) {
		return transport.Dial(ctx, l.cfg, l.log)
	}
	return l
}

// run connects, pumps inbound frames, and reconnects with monitor-driven
// backoff until ctx is cancelled.
func (l *link) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		adapter, err := l.dial(ctx)
		if err != nil {
			l.monitor.RecordFailure(err)
			l.monitor.Disconnected("dial failed")
			l.log.Warn("coordination dial failed", logx.Err(err))
			if err := l.waitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		l.setAdapter(adapter)
		l.monitor.Connected()
		l.log.Info("coordination link up", logx.String("url", l.cfg.URL))

		err = l.pump(ctx, adapter)
		l.setAdapter(nil)
		_ = adapter.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.monitor.Disconnected(err.Error())
		l.log.Warn("coordination link down", logx.Err(err))
		if err := l.waitReconnect(ctx); err != nil {
			return err
		}
	}
}

func (l *link) pump(ctx context.Context, adapter transport.Adapter) error {
	for {
		f, err := adapter.Receive(ctx)
		if err != nil {
			return err
		}
		l.monitor.RecordSuccess()
		l.handle(ctx, f)
	}
}

// waitReconnect blocks until the monitor's backoff timer fires.
func (l *link) waitReconnect(ctx context.Context) error {
	fired := make(chan struct{})
	delay := l.monitor.ScheduleReconnect(func() { close(fired) })
	l.log.Info("reconnect scheduled", logx.Duration("delay", delay))
	select {
	case <-ctx.Done():
		l.monitor.CancelReconnect()
		return ctx.Err()
	case <-fired:
		return nil
	}
}

// SendTo addresses a frame to one device via the relay. Satisfies the session
// coordinator's Sender.
func (l *link) SendTo(ctx context.Context, deviceID string, f transport.Frame) error {
	l.mu.Lock()
	adapter := l.adapter
	l.mu.Unlock()
	if adapter == nil {
		return fmt.Errorf("link down: %w", courier.ErrTransientNetwork)
	}
	f.Target = deviceID
	if err := adapter.Send(ctx, f); err != nil {
		l.monitor.RecordFailure(err)
		return fmt.Errorf("%w: %s", courier.ErrTransientNetwork, err.Error())
	}
	l.monitor.RecordSuccess()
	return nil
}

func (l *link) setAdapter(a transport.Adapter) {
	l.mu.Lock()
	l.adapter = a
	l.mu.Unlock()
}

func (l *link) close() {
	l.mu.Lock()
	adapter := l.adapter
	l.adapter = nil
	l.mu.Unlock()
	if adapter != nil {
		_ = adapter.Close()
	}
}
