package app

import (
	"context"
	"encoding/json"

	"courier/internal/connquality"
	"courier/internal/correlate"
	"courier/internal/queue"
	"courier/internal/registry"
	"courier/internal/storage"
)

// Client-facing operations. These are thin, synchronous entry points over the
// component graph; all policy lives in the components themselves.

// EnqueueMessage accepts a message from a device for delivery and returns its
// 1-based queue position. The device must hold the session's primary role.
func (a *App) EnqueueMessage(ctx context.Context, sessionID, deviceID string, content []byte, priority string) (int, error) {
	prio, err := queue.ParsePriority(priority)
	if err != nil {
		return 0, err
	}
	pos, err := a.queue.Enqueue(ctx, queue.EnqueueRequest{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Content:   content,
		Priority:  prio,
	})
	if err == nil {
		a.updateDepthGauge(sessionID)
	}
	return pos, err
}

// GetQueueStatus returns the session's queue statistics.
func (a *App) GetQueueStatus(sessionID string) (queue.Stats, error) {
	return a.queue.Status(sessionID)
}

func (a *App) PauseQueue(sessionID string) error  { return a.queue.Pause(sessionID) }
func (a *App) ResumeQueue(sessionID string) error { return a.queue.Resume(sessionID) }
func (a *App) ClearQueue(sessionID string) error  { return a.queue.Clear(sessionID) }

// DeadLetters lists the session's dead-lettered messages.
func (a *App) DeadLetters(ctx context.Context, sessionID string) ([]storage.DeadLetterRecord, error) {
	return a.queue.DeadLetters(ctx, sessionID)
}

// ReplayDeadLetter re-queues a dead-lettered message. Always an explicit
// manual action.
func (a *App) ReplayDeadLetter(ctx context.Context, sessionID, messageID string) error {
	return a.queue.Replay(ctx, sessionID, messageID)
}

// RegisterDevice announces a device. Idempotent.
func (a *App) RegisterDevice(ctx context.Context, deviceID string, metadata map[string]string, capabilities []string) registry.Device {
	return a.registry.Register(ctx, deviceID, metadata, capabilities)
}

// Heartbeat refreshes the device's liveness.
func (a *App) Heartbeat(deviceID string) error { return a.registry.Heartbeat(deviceID) }

// JoinSession adds the device to the session, creating it on first join.
func (a *App) JoinSession(ctx context.Context, sessionID, projectID, deviceID string) error {
	return a.sessions.Join(ctx, sessionID, projectID, deviceID)
}

// LeaveSession removes the device; the session is torn down when the last
// device leaves.
func (a *App) LeaveSession(ctx context.Context, sessionID, deviceID string) {
	a.sessions.Leave(ctx, sessionID, deviceID)
}

// DeviceStatus lists the session's members with the primary flag set.
func (a *App) DeviceStatus(sessionID string) ([]registry.Device, error) {
	return a.registry.DeviceStatus(sessionID)
}

// RequestPrimary grants the primary role to the requesting device. The user
// moving to another device is an explicit signal, so the request always wins.
func (a *App) RequestPrimary(sessionID, deviceID string) error {
	return a.registry.RequestPrimary(sessionID, deviceID)
}

// TransferPrimary hands the role from the current primary to another member.
func (a *App) TransferPrimary(sessionID, fromID, toID string) error {
	return a.registry.TransferPrimary(sessionID, fromID, toID)
}

// ReleasePrimary gives up the role; a sole member keeps it.
func (a *App) ReleasePrimary(sessionID, deviceID string) error {
	return a.registry.ReleasePrimary(sessionID, deviceID)
}

// ConnectionQuality reports the coordination link's current quality.
func (a *App) ConnectionQuality() connquality.Quality { return a.monitor.Quality() }

// ConnectionHistory returns the link's recent event ring, oldest first.
func (a *App) ConnectionHistory() []connquality.Event { return a.monitor.History() }

// BroadcastState records a state update from a device and fans it out to the
// session's other members. Returns the assigned version.
func (a *App) BroadcastState(ctx context.Context, sessionID string, state json.RawMessage, originDeviceID string) (uint64, error) {
	return a.sessions.BroadcastStateUpdate(ctx, sessionID, state, originDeviceID)
}

// SessionState returns the last retained state document and its version.
func (a *App) SessionState(sessionID string) (json.RawMessage, uint64, error) {
	return a.sessions.State(sessionID)
}

// AcquireSessionLock enters the session's single-writer critical section.
func (a *App) AcquireSessionLock(ctx context.Context, sessionID, deviceID string) error {
	return a.sessions.AcquireLock(ctx, sessionID, deviceID)
}

// ReleaseSessionLock exits the critical section. Only the acquirer may
// release.
func (a *App) ReleaseSessionLock(sessionID, deviceID string) error {
	return a.sessions.ReleaseLock(sessionID, deviceID)
}

// PendingNotifications returns the unresolved correlation records for a
// session ("" = all sessions).
func (a *App) PendingNotifications(sessionID string) []correlate.Record {
	return a.correlator.Pending(sessionID)
}

// NotificationStatus looks up one correlation record.
func (a *App) NotificationStatus(correlationID string) (correlate.Record, bool) {
	return a.correlator.Lookup(correlationID)
}
