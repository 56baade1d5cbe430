// Package registry tracks devices, heartbeats, and the per-session primary.
//
// Election is deterministic: the earliest-registered member wins, ties broken
// by lexical device id. A sweep loop re-elects when the primary's heartbeat
// goes stale and removes devices that have been absent too long.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"courier/internal/courier"
	"courier/internal/eventbus"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

const (
	EventPrimaryChanged = "registry.primary_changed"
	EventDeviceExpired  = "registry.device_expired"
)

// PrimaryChange is the event payload published on every primary transition.
type PrimaryChange struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	Previous  string `json:"previous,omitempty"`
	Reason    string `json:"reason"` // elected | transferred | released | heartbeat_timeout | requested
}

// Device is a read-only view of a registered device.
type Device struct {
	ID           string            `json:"id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
	Primary      bool              `json:"primary"`
}

const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultAbsenceTimeout   = 2 * time.Minute
	DefaultSweepInterval    = 5 * time.Second
)

type Config struct {
	// HeartbeatTimeout is how long a primary may go silent before the sweep
	// re-elects.
	HeartbeatTimeout time.Duration
	// AbsenceTimeout is how long any device may go silent before it is
	// dropped entirely.
	AbsenceTimeout time.Duration
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.AbsenceTimeout <= 0 {
		c.AbsenceTimeout = DefaultAbsenceTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type deviceState struct {
	id           string
	metadata     map[string]string
	capabilities []string
	registeredAt time.Time
	lastSeenAt   time.Time
}

type sessionState struct {
	members   map[string]struct{}
	primaryID string
}

type Registry struct {
	mu       sync.Mutex
	cfg      Config
	devices  map[string]*deviceState
	sessions map[string]*sessionState

	bus   eventbus.Bus
	store storage.Store // nil = no persistence
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Registry)

func WithBus(bus eventbus.Bus) Option           { return func(r *Registry) { r.bus = bus } }
func WithStore(store storage.Store) Option      { return func(r *Registry) { r.store = store } }
func WithLogger(log logx.Logger) Option         { return func(r *Registry) { r.log = log } }
func WithNow(now func() time.Time) Option       { return func(r *Registry) { r.now = now } }

func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		devices:  map[string]*deviceState{},
		sessions: map[string]*sessionState{},
		log:      logx.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Restore preloads persisted devices at startup.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, d := range devices {
		r.devices[d.ID] = &deviceState{
			id:           d.ID,
			metadata:     d.Metadata,
			capabilities: d.Capabilities,
			registeredAt: d.RegisteredAt,
			lastSeenAt:   d.LastSeenAt,
		}
	}
	r.mu.Unlock()
	r.log.Info("devices restored", logx.Int("count", len(devices)))
	return nil
}

// Register is idempotent; an existing device has its metadata refreshed and
// its heartbeat bumped, keeping the original registration time.
func (r *Registry) Register(ctx context.Context, id string, metadata map[string]string, capabilities []string) Device {
	now := r.now()
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		d = &deviceState{id: id, registeredAt: now}
		r.devices[id] = d
	}
	d.metadata = metadata
	d.capabilities = capabilities
	d.lastSeenAt = now
	view := r.viewLocked(d, "")
	r.mu.Unlock()

	r.persistDevice(ctx, d)
	return view
}

// Heartbeat refreshes the device's last-seen time.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return courier.ErrUnknownDevice
	}
	d.lastSeenAt = r.now()
	return nil
}

// Join adds the device to the session's member set and elects a primary if
// the session has none.
func (r *Registry) Join(sessionID, deviceID string) error {
	r.mu.Lock()
	if _, ok := r.devices[deviceID]; !ok {
		r.mu.Unlock()
		return courier.ErrUnknownDevice
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &sessionState{members: map[string]struct{}{}}
		r.sessions[sessionID] = s
	}
	s.members[deviceID] = struct{}{}
	change := r.ensurePrimaryLocked(sessionID, s, "elected")
	r.mu.Unlock()

	r.publishChange(change)
	return nil
}

// Leave removes the device from the session. If it was primary, a new one is
// elected from the remaining members. The session entry is dropped when the
// last member leaves.
func (r *Registry) Leave(sessionID, deviceID string) (empty bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(s.members, deviceID)
	var change *PrimaryChange
	if len(s.members) == 0 {
		delete(r.sessions, sessionID)
		empty = true
	} else if s.primaryID == deviceID {
		s.primaryID = ""
		change = r.ensurePrimaryLocked(sessionID, s, "elected")
	}
	r.mu.Unlock()

	r.publishChange(change)
	return empty
}

// ElectPrimary runs the deterministic election and returns the winner.
func (r *Registry) ElectPrimary(sessionID string) (string, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || len(s.members) == 0 {
		r.mu.Unlock()
		return "", courier.ErrUnknownSession
	}
	s.primaryID = ""
	change := r.ensurePrimaryLocked(sessionID, s, "elected")
	id := s.primaryID
	r.mu.Unlock()

	r.publishChange(change)
	return id, nil
}

// TransferPrimary hands the role from the current primary to another member.
func (r *Registry) TransferPrimary(sessionID, fromID, toID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return courier.ErrUnknownSession
	}
	if s.primaryID != fromID {
		r.mu.Unlock()
		return courier.ErrNotPrimary
	}
	if _, member := s.members[toID]; !member {
		r.mu.Unlock()
		return courier.ErrUnknownDevice
	}
	s.primaryID = toID
	change := &PrimaryChange{SessionID: sessionID, DeviceID: toID, Previous: fromID, Reason: "transferred"}
	r.mu.Unlock()

	r.publishChange(change)
	return nil
}

// RequestPrimary grants the role to the requesting member. The user moving to
// another device is an explicit signal, so the request always wins.
func (r *Registry) RequestPrimary(sessionID, deviceID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return courier.ErrUnknownSession
	}
	if _, member := s.members[deviceID]; !member {
		r.mu.Unlock()
		return courier.ErrUnknownDevice
	}
	if s.primaryID == deviceID {
		r.mu.Unlock()
		return nil
	}
	prev := s.primaryID
	s.primaryID = deviceID
	change := &PrimaryChange{SessionID: sessionID, DeviceID: deviceID, Previous: prev, Reason: "requested"}
	r.mu.Unlock()

	r.publishChange(change)
	return nil
}

// ObservePrimaryClaim reconciles a primary announcement received over the
// coordination channel. A claim matching the current primary is a no-op; a
// claim while another device holds the role is a conflict, resolved by
// deterministic re-election and never surfaced to either claimant.
func (r *Registry) ObservePrimaryClaim(sessionID, deviceID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return courier.ErrUnknownSession
	}
	if _, member := s.members[deviceID]; !member {
		r.mu.Unlock()
		return courier.ErrUnknownDevice
	}
	if s.primaryID == deviceID {
		r.mu.Unlock()
		return nil
	}
	conflict := s.primaryID != ""
	s.primaryID = ""
	change := r.ensurePrimaryLocked(sessionID, s, "elected")
	r.mu.Unlock()

	if conflict {
		r.log.Warn("primary claim conflict, re-elected",
			logx.String("session", sessionID),
			logx.String("claimant", deviceID),
			logx.Err(courier.ErrPrimaryConflict))
	}
	r.publishChange(change)
	return nil
}

// ReleasePrimary gives up the role. With other members present a new primary
// is elected among them; a sole member keeps the role, since a populated
// session must always have exactly one primary.
func (r *Registry) ReleasePrimary(sessionID, deviceID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return courier.ErrUnknownSession
	}
	if s.primaryID != deviceID {
		r.mu.Unlock()
		return courier.ErrNotPrimary
	}
	if len(s.members) <= 1 {
		r.mu.Unlock()
		return nil
	}
	s.primaryID = ""
	change := r.electExcludingLocked(sessionID, s, deviceID, "released")
	r.mu.Unlock()

	r.publishChange(change)
	return nil
}

// PrimaryFor returns the session's current primary.
func (r *Registry) PrimaryFor(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.primaryID == "" {
		return "", false
	}
	return s.primaryID, true
}

// IsPrimary reports whether the device holds the primary role for the
// session. Satisfies the queue's primary check.
func (r *Registry) IsPrimary(sessionID, deviceID string) bool {
	id, ok := r.PrimaryFor(sessionID)
	return ok && id == deviceID
}

// DeviceStatus returns the session members with the primary flag set.
func (r *Registry) DeviceStatus(sessionID string) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, courier.ErrUnknownSession
	}
	out := make([]Device, 0, len(s.members))
	for id := range s.members {
		if d, ok := r.devices[id]; ok {
			out = append(out, r.viewLocked(d, s.primaryID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Run drives the sweep loop until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep drops absent devices and re-elects sessions whose primary heartbeat
// has gone stale.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.now()
	var changes []*PrimaryChange
	var expired []string

	r.mu.Lock()
	for id, d := range r.devices {
		if now.Sub(d.lastSeenAt) < r.cfg.AbsenceTimeout {
			continue
		}
		delete(r.devices, id)
		expired = append(expired, id)
		for sid, s := range r.sessions {
			if _, member := s.members[id]; !member {
				continue
			}
			delete(s.members, id)
			if len(s.members) == 0 {
				delete(r.sessions, sid)
				continue
			}
			if s.primaryID == id {
				s.primaryID = ""
				changes = append(changes, r.ensurePrimaryLocked(sid, s, "heartbeat_timeout"))
			}
		}
	}
	// Stale primaries that are absent-but-not-yet-expired still lose the role.
	for sid, s := range r.sessions {
		d, ok := r.devices[s.primaryID]
		if s.primaryID == "" || (ok && now.Sub(d.lastSeenAt) < r.cfg.HeartbeatTimeout) {
			continue
		}
		prev := s.primaryID
		s.primaryID = ""
		if c := r.electExcludingLocked(sid, s, prev, "heartbeat_timeout"); c != nil {
			changes = append(changes, c)
		} else {
			// Nobody else is eligible; keep the stale primary rather than
			// leaving the session leaderless.
			s.primaryID = prev
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.log.Info("device expired", logx.String("device", id))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: EventDeviceExpired, Data: id})
		}
		if r.store != nil {
			if err := r.store.DeleteDevice(ctx, id); err != nil {
				r.log.Warn("device delete failed", logx.String("device", id), logx.Err(err))
			}
		}
	}
	for _, c := range changes {
		r.publishChange(c)
	}
}

// ensurePrimaryLocked elects when the session has no primary.
// Returns the change, or nil if a primary already exists or no member is
// eligible.
func (r *Registry) ensurePrimaryLocked(sessionID string, s *sessionState, reason string) *PrimaryChange {
	if s.primaryID != "" {
		return nil
	}
	return r.electExcludingLocked(sessionID, s, "", reason)
}

// electExcludingLocked picks the earliest-registered member (lexical id
// tiebreak), skipping excludeID.
func (r *Registry) electExcludingLocked(sessionID string, s *sessionState, excludeID, reason string) *PrimaryChange {
	var winner *deviceState
	for id := range s.members {
		if id == excludeID {
			continue
		}
		d, ok := r.devices[id]
		if !ok {
			continue
		}
		if winner == nil ||
			d.registeredAt.Before(winner.registeredAt) ||
			(d.registeredAt.Equal(winner.registeredAt) && d.id < winner.id) {
			winner = d
		}
	}
	if winner == nil {
		return nil
	}
	prev := s.primaryID
	s.primaryID = winner.id
	return &PrimaryChange{SessionID: sessionID, DeviceID: winner.id, Previous: prev, Reason: reason}
}

func (r *Registry) viewLocked(d *deviceState, primaryID string) Device {
	return Device{
		ID:           d.id,
		Metadata:     d.metadata,
		Capabilities: d.capabilities,
		RegisteredAt: d.registeredAt,
		LastSeenAt:   d.lastSeenAt,
		Primary:      primaryID != "" && d.id == primaryID,
	}
}

func (r *Registry) publishChange(c *PrimaryChange) {
	if c == nil {
		return
	}
	r.log.Info("primary changed",
		logx.String("session", c.SessionID),
		logx.String("device", c.DeviceID),
		logx.String("previous", c.Previous),
		logx.String("reason", c.Reason),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventPrimaryChanged, Data: *c})
	}
}

func (r *Registry) persistDevice(ctx context.Context, d *deviceState) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	rec := storage.DeviceRecord{
		ID:           d.id,
		Metadata:     d.metadata,
		Capabilities: d.capabilities,
		RegisteredAt: d.registeredAt,
		LastSeenAt:   d.lastSeenAt,
	}
	r.mu.Unlock()
	if err := r.store.SaveDevice(ctx, rec); err != nil {
		r.log.Warn("device persist failed", logx.String("device", d.id), logx.Err(err))
	}
}
