// Package app assembles the courier engine: it builds every component from
// config, wires the event paths between them, and exposes the client-facing
// coordinator facade.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"courier/internal/backend"
	"courier/internal/config"
	"courier/internal/connquality"
	"courier/internal/correlate"
	"courier/internal/courier"
	"courier/internal/dedup"
	"courier/internal/eventbus"
	"courier/internal/maintenance"
	"courier/internal/push"
	"courier/internal/queue"
	"courier/internal/registry"
	"courier/internal/runtime/supervisor"
	"courier/internal/session"
	"courier/internal/storage"
	"courier/internal/telemetry"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// Options carries the app's external collaborators. Config and Backend are
// required; Manager and LogService are optional and enable hot reload.
type Options struct {
	Config     *config.Config
	Manager    *config.Manager
	LogService *logx.Service
	Logger     logx.Logger
	Backend    backend.Backend

	// Sender overrides the coordination link as the frame sender. Used by
	// tests to observe outbound frames without a live websocket.
	Sender session.Sender
}

// App owns the component graph and its lifecycle.
type App struct {
	cfg    *config.Config
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus        eventbus.Bus
	store      storage.Store
	detector   *dedup.Detector
	monitor    *connquality.Monitor
	registry   *registry.Registry
	queue      *queue.Manager
	sessions   *session.Coordinator
	correlator *correlate.Correlator
	pushc      *push.Client
	backend    backend.Backend

	metrics   *telemetry.Metrics
	telemetry *telemetry.Server
	janitor   *maintenance.Janitor

	link         *link
	transportCfg transport.Config

	sup *supervisor.Supervisor
}

// New builds the full component graph. Nothing runs until Start.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("app: config is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("app: backend is required")
	}
	cfg := opts.Config
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	a := &App{
		cfg:     cfg,
		cfgMgr:  opts.Manager,
		logSvc:  opts.LogService,
		log:     log,
		bus:     eventbus.New(),
		backend: opts.Backend,
		metrics: telemetry.NewMetrics(),
	}

	var err error
	if cfg.Storage != nil {
		busyTimeout, derr := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if derr != nil {
			return nil, derr
		}
		a.store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			DSN:         cfg.Storage.DSN,
			BusyTimeout: busyTimeout,
		}, log.With(logx.String("component", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	dedupCfg, err := buildDedupConfig(cfg.Dedup)
	if err != nil {
		return nil, err
	}
	dedupOpts := []dedup.Option{dedup.WithLogger(log.With(logx.String("component", "dedup")))}
	if cfg.Dedup.Persist && a.store != nil {
		dedupOpts = append(dedupOpts, dedup.WithPersistence(a.store))
	}
	a.detector = dedup.New(dedupCfg, dedupOpts...)

	connCfg, err := buildConnectionConfig(cfg.Connection)
	if err != nil {
		return nil, err
	}
	a.monitor = connquality.New(connCfg,
		connquality.WithLogger(log.With(logx.String("component", "connquality"))),
		connquality.OnQualityChange(func(old, cur connquality.Quality) {
			a.metrics.SetQuality(cur)
			a.log.Info("connection quality changed",
				logx.String("from", old.String()),
				logx.String("to", cur.String()))
		}),
	)

	regCfg, err := buildRegistryConfig(cfg.Registry)
	if err != nil {
		return nil, err
	}
	a.registry = registry.New(regCfg,
		registry.WithBus(a.bus),
		registry.WithStore(a.store),
		registry.WithLogger(log.With(logx.String("component", "registry"))),
	)

	queueCfg, err := buildQueueConfig(cfg.Queue)
	if err != nil {
		return nil, err
	}
	a.queue = queue.New(queueCfg, queue.DelivererFunc(a.deliver),
		queue.WithPrimaryChecker(a.registry),
		queue.WithDetector(a.detector),
		queue.WithBus(a.bus),
		queue.WithStore(a.store),
		queue.WithLogger(log.With(logx.String("component", "queue"))),
	)

	corrCfg, err := buildCorrelatorConfig(cfg.Correlator)
	if err != nil {
		return nil, err
	}
	a.correlator = correlate.New(corrCfg,
		correlate.WithBus(a.bus),
		correlate.WithLogger(log.With(logx.String("component", "correlate"))),
	)

	if cfg.Push != nil && cfg.Push.Enabled {
		pushCfg, perr := buildPushConfig(*cfg.Push)
		if perr != nil {
			return nil, perr
		}
		a.pushc, err = push.NewClient(pushCfg, log.With(logx.String("component", "push")))
		if err != nil {
			return nil, fmt.Errorf("push client: %w", err)
		}
	}

	a.transportCfg, err = buildTransportConfig(cfg.Transport)
	if err != nil {
		return nil, err
	}
	a.link = newLink(a.transportCfg, a.monitor, a.dispatchFrame,
		log.With(logx.String("component", "link")))

	sender := opts.Sender
	if sender == nil {
		sender = a.link
	}
	a.sessions = session.New(session.Config{
		BroadcastRate:  cfg.Transport.BroadcastRate,
		BroadcastRetry: cfg.Transport.BroadcastRetry,
	}, a.registry,
		session.WithSender(sender),
		session.WithBus(a.bus),
		session.WithStore(a.store),
		session.WithLogger(log.With(logx.String("component", "session"))),
		session.OnTeardown(a.queue.EndSession),
		session.OnTeardown(a.correlator.DropSession),
	)

	if cfg.Telemetry.Enabled {
		a.telemetry = telemetry.NewServer(cfg.Telemetry.Addr, a.metrics,
			log.With(logx.String("component", "telemetry")))
		if a.pushc != nil {
			a.telemetry.Mux().Handle("/push/callback", a.CallbackHandler())
		}
	}

	if cfg.Maintenance.Enabled {
		maintCfg, merr := buildMaintenanceConfig(cfg.Maintenance)
		if merr != nil {
			return nil, merr
		}
		a.janitor, err = maintenance.New(maintCfg, a.store, a.correlator,
			log.With(logx.String("component", "maintenance")))
		if err != nil {
			return nil, fmt.Errorf("maintenance: %w", err)
		}
	}

	return a, nil
}

// Start restores persisted state and launches the background loops.
func (a *App) Start(ctx context.Context) error {
	if err := a.registry.Restore(ctx); err != nil {
		return fmt.Errorf("restore devices: %w", err)
	}
	if a.store != nil && a.cfg.Dedup.Persist {
		entries, err := a.store.ListDedup(ctx)
		if err != nil {
			return fmt.Errorf("restore dedup: %w", err)
		}
		for key, until := range entries {
			a.detector.Restore(key, until)
		}
		a.log.Info("dedup restored", logx.Int("entries", len(entries)))
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("component", "supervisor"))))

	a.sup.GoRestart("registry-sweep", a.registry.Run)
	a.sup.GoRestart("correlator-sweep", a.correlator.Run)
	a.sup.Go("metrics-pump", func(ctx context.Context) error {
		return a.metrics.Consume(ctx, a.bus)
	})
	a.sup.Go0("event-pump", a.pumpEvents)

	if a.transportCfg.URL != "" {
		a.sup.GoRestart("coordination-link", a.link.run)
	}
	if a.telemetry != nil {
		a.sup.GoRestart("telemetry", a.telemetry.Run)
	}
	if a.cfgMgr != nil {
		a.sup.GoRestart("config-watch", a.cfgMgr.Watch)
		updates := a.cfgMgr.Subscribe(4)
		a.sup.Go0("config-apply", func(ctx context.Context) {
			defer a.cfgMgr.Unsubscribe(updates)
			for {
				select {
				case <-ctx.Done():
					return
				case cfg, ok := <-updates:
					if !ok {
						return
					}
					a.applyConfig(cfg)
				}
			}
		})
	}
	if a.janitor != nil {
		a.janitor.Start()
	}

	a.log.Info("courier started")
	return nil
}

// Stop shuts everything down in dependency order: background loops first,
// then the queue (persisting in-flight work), then the broadcast worker.
func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil {
			a.log.Warn("supervisor drain incomplete", logx.Err(err))
		}
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}

	var firstErr error
	if err := a.queue.Stop(ctx); err != nil {
		firstErr = err
	}
	a.sessions.Stop()
	a.monitor.CancelReconnect()
	a.link.close()

	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("courier stopped")
	return firstErr
}

// deliver is the queue's delivery path: submit to the backend, then track the
// returned correlation id and fire the out-of-band notification.
//
// The submit context carries no application deadline; the backend may stay
// silent for minutes while it works. A push failure never fails the delivery:
// the in-session path still resolves the record.
func (a *App) deliver(ctx context.Context, msg *queue.Message) error {
	corrID, err := a.backend.Submit(ctx, msg.SessionID, msg.Payload)
	if err != nil {
		if errors.Is(err, courier.ErrTransientNetwork) || ctx.Err() != nil {
			return err
		}
		// The backend explicitly rejected the payload; retrying the same
		// bytes cannot succeed.
		return queue.NoRetry(err)
	}
	msg.CorrelationID = corrID
	a.correlator.Track(corrID, msg.SessionID)

	if a.pushc != nil {
		n := push.Notification{
			CorrelationID:  corrID,
			SessionID:      msg.SessionID,
			PayloadPreview: push.Preview(string(msg.Payload)),
			SessionStatus:  push.StatusActive,
		}
		if perr := a.pushc.Send(ctx, n); perr != nil {
			a.log.Warn("push notification failed",
				logx.String("correlation", corrID),
				logx.Err(perr))
		}
	}
	return nil
}

// CallbackHandler is the HTTP endpoint the push gateway posts delivery
// reports to. Delivered callbacks resolve the correlation record via the
// push path.
func (a *App) CallbackHandler() http.Handler {
	return a.pushc.CallbackHandler(func(correlationID string, delivered bool) {
		if delivered {
			a.correlator.Resolve(correlationID, correlate.SourcePush)
			return
		}
		a.log.Warn("push delivery failed", logx.String("correlation", correlationID))
	})
}

// pumpEvents forwards internal bus events onto the coordination channel and
// keeps the per-session depth gauge current.
func (a *App) pumpEvents(ctx context.Context) {
	events, unsub := a.bus.SubscribeTypes(64,
		registry.EventPrimaryChanged,
		queue.EventDelivered,
		queue.EventDeadLettered,
		session.EventEnded,
	)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch data := e.Data.(type) {
			case registry.PrimaryChange:
				a.announcePrimary(ctx, data)
			case queue.DeliveredEvent:
				a.updateDepthGauge(data.SessionID)
			case queue.DeadLetteredEvent:
				a.updateDepthGauge(data.SessionID)
			case string:
				if e.Type == session.EventEnded {
					a.metrics.QueueDepth.DeleteLabelValues(data)
				}
			}
		}
	}
}

func (a *App) updateDepthGauge(sessionID string) {
	stats, err := a.queue.Status(sessionID)
	if err != nil {
		return
	}
	a.metrics.QueueDepth.WithLabelValues(sessionID).Set(float64(stats.Depth))
}

// announcePrimary broadcasts the session's new primary to its members.
func (a *App) announcePrimary(ctx context.Context, change registry.PrimaryChange) {
	devices, err := a.registry.DeviceStatus(change.SessionID)
	if err != nil {
		return
	}
	f := transport.Frame{
		Type:      transport.FrameDevicePrimary,
		SessionID: change.SessionID,
		DeviceID:  change.DeviceID,
	}
	for _, d := range devices {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.link.SendTo(sendCtx, d.ID, f); err != nil {
			a.log.Debug("primary announce skipped",
				logx.String("device", d.ID), logx.Err(err))
		}
		cancel()
	}
}

// dispatchFrame handles one inbound frame from the coordination channel. Any
// frame from a known device counts as a heartbeat.
func (a *App) dispatchFrame(ctx context.Context, f transport.Frame) {
	if f.DeviceID != "" {
		_ = a.registry.Heartbeat(f.DeviceID)
	}

	switch f.Type {
	case transport.FrameDeviceHello:
		a.registry.Register(ctx, f.DeviceID, f.Metadata, nil)
		if f.SessionID != "" {
			if err := a.sessions.Join(ctx, f.SessionID, "", f.DeviceID); err != nil {
				a.log.Warn("join failed",
					logx.String("session", f.SessionID),
					logx.String("device", f.DeviceID),
					logx.Err(err))
			}
		}
	case transport.FrameDevicePrimary:
		if err := a.registry.ObservePrimaryClaim(f.SessionID, f.DeviceID); err != nil {
			a.log.Warn("primary claim rejected",
				logx.String("session", f.SessionID),
				logx.String("device", f.DeviceID),
				logx.Err(err))
		}
	case transport.FrameSessionLock:
		a.handleLockFrame(ctx, f)
	case transport.FrameSessionSync:
		_, err := a.sessions.ApplyUpdate(ctx, session.StateUpdate{
			SessionID: f.SessionID,
			Version:   f.Version,
			Origin:    f.DeviceID,
			State:     f.State,
		})
		if err != nil {
			a.log.Warn("sync apply failed",
				logx.String("session", f.SessionID), logx.Err(err))
		}
	case transport.FrameMessageAck:
		// The in-session delivery path: a device observed the correlated
		// message arriving in its session stream.
		a.correlator.Resolve(f.CorrelationID, correlate.SourceSession)
	default:
		a.log.Debug("unknown frame dropped", logx.String("type", string(f.Type)))
	}
}

func (a *App) handleLockFrame(ctx context.Context, f transport.Frame) {
	var err error
	switch f.Action {
	case transport.LockAcquire:
		lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = a.sessions.AcquireLock(lockCtx, f.SessionID, f.DeviceID)
		cancel()
	case transport.LockRelease:
		err = a.sessions.ReleaseLock(f.SessionID, f.DeviceID)
	default:
		err = fmt.Errorf("unknown lock action %q", f.Action)
	}
	if err != nil {
		a.log.Warn("lock frame failed",
			logx.String("session", f.SessionID),
			logx.String("device", f.DeviceID),
			logx.String("action", f.Action),
			logx.Err(err))
	}
}

// applyConfig applies the hot-reloadable subset of a new configuration:
// logging, queue retry policy, dedup window, and the stall threshold.
// Structural settings (storage driver, listeners, transport URL) require a
// restart.
func (a *App) applyConfig(cfg *config.Config) {
	if a.logSvc != nil {
		a.logSvc.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
			Sink: logx.SinkConfig{
				Enabled:    cfg.Logging.Sink.Enabled,
				MinLevel:   cfg.Logging.Sink.MinLevel,
				RatePerSec: cfg.Logging.Sink.RatePerSec,
			},
		})
	}
	if qc, err := buildQueueConfig(cfg.Queue); err == nil {
		a.queue.SetConfig(qc)
	} else {
		a.log.Warn("queue config rejected", logx.Err(err))
	}
	if w, err := config.ParseDurationField("dedup.window", cfg.Dedup.Window); err == nil && w > 0 {
		a.detector.SetWindow(w)
	}
	if d, err := config.ParseDurationField("correlator.stall_after", cfg.Correlator.StallAfter); err == nil && d > 0 {
		a.correlator.SetStallAfter(d)
	}
	a.log.Info("configuration applied")
}
