// Package session owns session-level locks, the versioned state broadcast,
// and session lifecycle (created on first join, torn down on last leave).
//
// Broadcast is at-least-once and fire-and-forget; receivers apply updates
// idempotently by version. Conflicts are last-writer-wins on the version
// counter, with same-version ties resolved in favor of the lexically smaller
// origin device id.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courier/internal/courier"
	"courier/internal/eventbus"
	"courier/internal/registry"
	"courier/internal/storage"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

const (
	EventStateApplied = "session.state_applied"
	EventEnded        = "session.ended"

	DefaultBroadcastRate   = 20
	DefaultBroadcastRetry  = 2
	DefaultBroadcastBuffer = 64
)

// Sender delivers one frame to one device over the coordination channel.
type Sender interface {
	SendTo(ctx context.Context, deviceID string, f transport.Frame) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, deviceID string, f transport.Frame) error

func (f SenderFunc) SendTo(ctx context.Context, deviceID string, fr transport.Frame) error {
	return f(ctx, deviceID, fr)
}

type Config struct {
	// BroadcastRate caps fan-out sends per second across all sessions.
	BroadcastRate int
	// BroadcastRetry is the number of additional attempts per device.
	BroadcastRetry int
}

func (c Config) withDefaults() Config {
	if c.BroadcastRate <= 0 {
		c.BroadcastRate = DefaultBroadcastRate
	}
	if c.BroadcastRetry < 0 {
		c.BroadcastRetry = DefaultBroadcastRetry
	}
	return c
}

// StateUpdate is a versioned session state mutation received from a device.
type StateUpdate struct {
	SessionID string          `json:"session_id"`
	Version   uint64          `json:"version"`
	Origin    string          `json:"origin"`
	State     json.RawMessage `json:"state,omitempty"`
}

type sessionState struct {
	id         string
	projectID  string
	version    uint64
	lastOrigin string
	stateDoc   json.RawMessage

	lockSem   chan struct{} // cap 1; holding the token = holding the lock
	lockOwner string
}

type broadcastJob struct {
	targets []string
	frame   transport.Frame
}

type Coordinator struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*sessionState

	reg    *registry.Registry
	sender Sender
	bus    eventbus.Bus
	store  storage.Store
	log    logx.Logger

	limiter *rate.Limiter
	jobs    chan broadcastJob

	onTeardown []func(sessionID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Coordinator)

func WithSender(s Sender) Option            { return func(c *Coordinator) { c.sender = s } }
func WithBus(bus eventbus.Bus) Option       { return func(c *Coordinator) { c.bus = bus } }
func WithStore(store storage.Store) Option  { return func(c *Coordinator) { c.store = store } }
func WithLogger(log logx.Logger) Option     { return func(c *Coordinator) { c.log = log } }

// OnTeardown registers a hook run after a session's last device leaves.
func OnTeardown(fn func(sessionID string)) Option {
	return func(c *Coordinator) { c.onTeardown = append(c.onTeardown, fn) }
}

func New(cfg Config, reg *registry.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		sessions: map[string]*sessionState{},
		reg:      reg,
		log:      logx.Nop(),
		jobs:     make(chan broadcastJob, DefaultBroadcastBuffer),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(c)
	}
	c.limiter = rate.NewLimiter(rate.Limit(c.cfg.BroadcastRate), c.cfg.BroadcastRate)
	c.wg.Add(1)
	go c.fanoutLoop()
	return c
}

// Stop drains the broadcast worker.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Join adds a device to the session, creating the session on first join.
func (c *Coordinator) Join(ctx context.Context, sessionID, projectID, deviceID string) error {
	if err := c.reg.Join(sessionID, deviceID); err != nil {
		return err
	}
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionState{
			id:        sessionID,
			projectID: projectID,
			lockSem:   make(chan struct{}, 1),
		}
		c.sessions[sessionID] = s
		c.mu.Unlock()
		c.restore(ctx, s)
	} else {
		c.mu.Unlock()
	}
	c.persist(ctx, sessionID)
	c.log.Info("device joined session",
		logx.String("session", sessionID), logx.String("device", deviceID))
	return nil
}

// Leave removes the device; the session is torn down when the last device
// leaves.
func (c *Coordinator) Leave(ctx context.Context, sessionID, deviceID string) {
	empty := c.reg.Leave(sessionID, deviceID)
	c.log.Info("device left session",
		logx.String("session", sessionID), logx.String("device", deviceID))
	if !empty {
		c.persist(ctx, sessionID)
		return
	}

	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteSession(ctx, sessionID); err != nil {
			c.log.Warn("session delete failed", logx.String("session", sessionID), logx.Err(err))
		}
	}
	for _, fn := range c.onTeardown {
		fn(sessionID)
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: EventEnded, Data: sessionID})
	}
	c.log.Info("session ended", logx.String("session", sessionID))
}

// AcquireLock enters the session's single-writer critical section. Blocks
// until the lock is free or ctx is done. Non-reentrant.
func (c *Coordinator) AcquireLock(ctx context.Context, sessionID, deviceID string) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	select {
	case s.lockSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	s.lockOwner = deviceID
	c.mu.Unlock()
	return nil
}

// ReleaseLock exits the critical section. Only the acquirer may release.
func (c *Coordinator) ReleaseLock(sessionID, deviceID string) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if s.lockOwner != deviceID {
		c.mu.Unlock()
		return courier.ErrNotLockOwner
	}
	s.lockOwner = ""
	c.mu.Unlock()
	<-s.lockSem
	return nil
}

// Version returns the session's current state version.
func (c *Coordinator) Version(sessionID string) (uint64, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.version, nil
}

// BroadcastStateUpdate bumps the session version, records the update locally,
// and fans the SESSION_SYNC frame out to every registered device except the
// origin. The fan-out is asynchronous; the returned version is assigned
// immediately.
func (c *Coordinator) BroadcastStateUpdate(ctx context.Context, sessionID string, state json.RawMessage, originDeviceID string) (uint64, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	s.version++
	version := s.version
	s.lastOrigin = originDeviceID
	s.stateDoc = state
	c.mu.Unlock()

	c.persist(ctx, sessionID)
	c.enqueueFanout(sessionID, version, state, originDeviceID)
	return version, nil
}

// ApplyUpdate reconciles an update received from another device. Returns
// whether the update was retained.
//
// Retention rule: higher version always wins; an equal version wins only if
// its origin device id sorts lexically before the currently retained origin.
func (c *Coordinator) ApplyUpdate(ctx context.Context, u StateUpdate) (bool, error) {
	s, err := c.lookup(u.SessionID)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	retain := u.Version > s.version ||
		(u.Version == s.version && s.lastOrigin != "" && u.Origin < s.lastOrigin)
	if retain {
		s.version = u.Version
		s.lastOrigin = u.Origin
		s.stateDoc = u.State
	}
	c.mu.Unlock()

	if !retain {
		c.log.Debug("stale update dropped",
			logx.String("session", u.SessionID),
			logx.Uint64("version", u.Version),
			logx.String("origin", u.Origin))
		return false, nil
	}
	c.persist(ctx, u.SessionID)
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: EventStateApplied, Data: u})
	}
	return true, nil
}

// State returns the last retained state document and its version.
func (c *Coordinator) State(sessionID string) (json.RawMessage, uint64, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.stateDoc, s.version, nil
}

func (c *Coordinator) lookup(sessionID string) (*sessionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, courier.ErrUnknownSession
	}
	return s, nil
}

func (c *Coordinator) enqueueFanout(sessionID string, version uint64, state json.RawMessage, excludeDeviceID string) {
	if c.sender == nil {
		return
	}
	devices, err := c.reg.DeviceStatus(sessionID)
	if err != nil {
		return
	}
	targets := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.ID != excludeDeviceID {
			targets = append(targets, d.ID)
		}
	}
	if len(targets) == 0 {
		return
	}
	job := broadcastJob{
		targets: targets,
		frame: transport.Frame{
			Type:      transport.FrameSessionSync,
			SessionID: sessionID,
			DeviceID:  excludeDeviceID,
			Version:   version,
			State:     state,
		},
	}
	select {
	case c.jobs <- job:
	default:
		// Bus-style backpressure: drop rather than block the caller. The
		// receivers reconcile by version on the next successful sync.
		c.log.Warn("broadcast queue full, dropping fanout",
			logx.String("session", sessionID), logx.Uint64("version", version))
	}
}

func (c *Coordinator) fanoutLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-c.jobs:
			for _, target := range job.targets {
				if err := c.limiter.Wait(c.ctx); err != nil {
					return
				}
				c.sendWithRetry(target, job.frame)
			}
		}
	}
}

func (c *Coordinator) sendWithRetry(deviceID string, f transport.Frame) {
	var err error
	for attempt := 0; attempt <= c.cfg.BroadcastRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		err = c.sender.SendTo(ctx, deviceID, f)
		cancel()
		if err == nil {
			return
		}
	}
	// Fire-and-forget: the device catches up via version reconciliation.
	c.log.Warn("broadcast send failed",
		logx.String("device", deviceID),
		logx.String("session", f.SessionID),
		logx.Uint64("version", f.Version),
		logx.Err(err))
}

func (c *Coordinator) restore(ctx context.Context, s *sessionState) {
	if c.store == nil {
		return
	}
	rec, ok, err := c.store.GetSession(ctx, s.id)
	if err != nil {
		c.log.Warn("session restore failed", logx.String("session", s.id), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	c.mu.Lock()
	if rec.Version > s.version {
		s.version = rec.Version
	}
	if s.projectID == "" {
		s.projectID = rec.ProjectID
	}
	c.mu.Unlock()
}

func (c *Coordinator) persist(ctx context.Context, sessionID string) {
	if c.store == nil {
		return
	}
	s, err := c.lookup(sessionID)
	if err != nil {
		return
	}
	devices, _ := c.reg.DeviceStatus(sessionID)
	ids := make([]string, 0, len(devices))
	primary := ""
	for _, d := range devices {
		ids = append(ids, d.ID)
		if d.Primary {
			primary = d.ID
		}
	}
	c.mu.Lock()
	rec := storage.SessionRecord{
		ID:        s.id,
		ProjectID: s.projectID,
		DeviceIDs: ids,
		PrimaryID: primary,
		Version:   s.version,
		UpdatedAt: time.Now(),
	}
	c.mu.Unlock()
	if err := c.store.SaveSession(ctx, rec); err != nil {
		c.log.Warn("session persist failed", logx.String("session", sessionID), logx.Err(err))
	}
}
