package devices

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
)

const (
	defaultDeviceTimeout     = 5 * time.Minute
	defaultHeartbeatInterval = time.Minute
)

// Registry tracks devices, their activity and the per-session primary
// device. The in-memory state is authoritative; the store, when present,
// keeps the catalog across restarts.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	primaries map[string]string // sessionID -> deviceID

	store  *Store
	bus    bus.EventBus
	logger *logger.Logger

	timeout           time.Duration
	heartbeatInterval time.Duration

	stopMonitor chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewRegistry creates a device registry. The timeout monitor only runs
// outside the test environment. store may be nil for memory-only setups.
func NewRegistry(cfg config.DevicesConfig, store *Store, eventBus bus.EventBus, log *logger.Logger) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDeviceTimeout
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	r := &Registry{
		devices:           make(map[string]*Device),
		primaries:         make(map[string]string),
		store:             store,
		bus:               eventBus,
		logger:            log.WithFields(zap.String("component", "device-registry")),
		timeout:           timeout,
		heartbeatInterval: interval,
		stopMonitor:       make(chan struct{}),
		now:               time.Now,
	}

	if !config.IsTestEnv() {
		go r.monitorLoop()
	}
	return r
}

func (r *Registry) monitorLoop() {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.CheckTimeouts()
		case <-r.stopMonitor:
			return
		}
	}
}

// Close stops the timeout monitor.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopMonitor) })
}

// Load hydrates the catalog from the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	catalog, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, d := range catalog {
		r.devices[d.DeviceID] = d
	}
	r.mu.Unlock()
	r.logger.Info("device catalog loaded", zap.Int("devices", len(catalog)))
	return nil
}

// Register records a device for a user, refreshing it when already known.
// Missing platform defaults to "unknown".
func (r *Registry) Register(ctx context.Context, userID, deviceID string, info DeviceInfo) *Device {
	platform := info.Platform
	if platform == "" {
		platform = "unknown"
	}
	now := r.now()

	r.mu.Lock()
	device := r.devices[deviceID]
	if device == nil {
		device = &Device{
			DeviceID:     deviceID,
			UserID:       userID,
			Platform:     platform,
			AppVersion:   info.AppVersion,
			RegisteredAt: now,
		}
		r.devices[deviceID] = device
	} else {
		device.UserID = userID
		device.Platform = platform
		if info.AppVersion != "" {
			device.AppVersion = info.AppVersion
		}
	}
	device.LastSeen = now
	snapshot := *device
	r.mu.Unlock()

	r.persist(ctx, &snapshot)
	r.publish(events.DeviceRegistered, map[string]interface{}{
		"deviceId": deviceID,
		"userId":   userID,
		"platform": platform,
	})
	r.logger.Info("device registered",
		zap.String("device_id", deviceID),
		zap.String("user_id", userID),
		zap.String("platform", platform))
	return &snapshot
}

// UpdateLastSeen refreshes a device's activity timestamp. Unknown devices
// are a no-op.
func (r *Registry) UpdateLastSeen(ctx context.Context, deviceID string) {
	r.mu.Lock()
	device := r.devices[deviceID]
	if device == nil {
		r.mu.Unlock()
		return
	}
	device.LastSeen = r.now()
	snapshot := *device
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateLastSeen(ctx, &snapshot); err != nil {
			r.logger.Warn("failed to persist device activity",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

// IsActive reports whether the device was seen within the timeout window.
func (r *Registry) IsActive(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isActiveLocked(deviceID)
}

func (r *Registry) isActiveLocked(deviceID string) bool {
	device := r.devices[deviceID]
	if device == nil {
		return false
	}
	return r.now().Sub(device.LastSeen) <= r.timeout
}

// GetDevice returns one device by ID.
func (r *Registry) GetDevice(deviceID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device := r.devices[deviceID]
	if device == nil {
		return nil, false
	}
	snapshot := *device
	return &snapshot, true
}

// GetActiveDevices returns the user's devices seen within the timeout
// window.
func (r *Registry) GetActiveDevices(userID string) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, device := range r.devices {
		if device.UserID == userID && r.isActiveLocked(device.DeviceID) {
			snapshot := *device
			out = append(out, &snapshot)
		}
	}
	return out
}

// AllDevices returns the full catalog.
func (r *Registry) AllDevices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, device := range r.devices {
		snapshot := *device
		out = append(out, &snapshot)
	}
	return out
}

// PrimaryDevice returns the session's current primary device.
func (r *Registry) PrimaryDevice(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deviceID, ok := r.primaries[sessionID]
	return deviceID, ok
}

// ElectPrimary makes deviceID the session's primary. At most one election
// per (user, session) can succeed under concurrent attempts; the rest either
// confirm the same device or report primary_exists.
func (r *Registry) ElectPrimary(sessionID, userID, deviceID string) ElectionResult {
	r.mu.Lock()
	if !r.isActiveLocked(deviceID) {
		r.mu.Unlock()
		return ElectionResult{Reason: ReasonDeviceNotActive}
	}

	if current, ok := r.primaries[sessionID]; ok {
		if current == deviceID {
			r.mu.Unlock()
			return ElectionResult{Success: true, IsPrimary: true, PrimaryDeviceID: deviceID}
		}
		if r.isActiveLocked(current) {
			r.mu.Unlock()
			return ElectionResult{Reason: ReasonPrimaryExists, PrimaryDeviceID: current}
		}
		// The recorded primary went inactive; the election takes over.
	}

	r.primaries[sessionID] = deviceID
	r.mu.Unlock()

	r.publish(events.PrimaryElected, map[string]interface{}{
		"sessionId": sessionID,
		"deviceId":  deviceID,
		"userId":    userID,
	})
	r.logger.Info("primary device elected",
		zap.String("session_id", sessionID),
		zap.String("device_id", deviceID))
	return ElectionResult{Success: true, IsPrimary: true, PrimaryDeviceID: deviceID}
}

// TransferPrimary hands the session's primary role from one device to
// another.
func (r *Registry) TransferPrimary(sessionID, fromDeviceID, toDeviceID string) TransferResult {
	r.mu.Lock()
	if r.primaries[sessionID] != fromDeviceID {
		r.mu.Unlock()
		return TransferResult{Reason: ReasonNotCurrentPrimary}
	}
	if !r.isActiveLocked(toDeviceID) {
		r.mu.Unlock()
		return TransferResult{Reason: ReasonTargetDeviceInactive}
	}
	r.primaries[sessionID] = toDeviceID
	r.mu.Unlock()

	r.publish(events.PrimaryTransferred, map[string]interface{}{
		"sessionId":    sessionID,
		"fromDeviceId": fromDeviceID,
		"toDeviceId":   toDeviceID,
	})
	r.logger.Info("primary device transferred",
		zap.String("session_id", sessionID),
		zap.String("from", fromDeviceID),
		zap.String("to", toDeviceID))
	return TransferResult{Success: true, NewPrimaryDeviceID: toDeviceID}
}

// Unregister removes a device, dropping any primary roles it held.
func (r *Registry) Unregister(ctx context.Context, deviceID string) {
	r.mu.Lock()
	device := r.devices[deviceID]
	if device == nil {
		r.mu.Unlock()
		return
	}
	userID := device.UserID
	delete(r.devices, deviceID)

	var orphaned []string
	for sessionID, primary := range r.primaries {
		if primary == deviceID {
			delete(r.primaries, sessionID)
			orphaned = append(orphaned, sessionID)
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, deviceID); err != nil {
			r.logger.Warn("failed to delete device row",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	for _, sessionID := range orphaned {
		r.publish(events.PrimaryDeviceOffline, map[string]interface{}{
			"sessionId": sessionID,
			"deviceId":  deviceID,
		})
	}
	r.publish(events.DeviceUnregistered, map[string]interface{}{
		"deviceId": deviceID,
		"userId":   userID,
	})
	r.logger.Info("device unregistered",
		zap.String("device_id", deviceID),
		zap.Int("orphaned_sessions", len(orphaned)))
}

// CheckTimeouts drops primary mappings whose device went inactive. The
// monitor calls this on every tick; tests call it directly.
func (r *Registry) CheckTimeouts() {
	type timedOut struct {
		sessionID string
		deviceID  string
	}

	r.mu.Lock()
	var expired []timedOut
	for sessionID, deviceID := range r.primaries {
		if !r.isActiveLocked(deviceID) {
			delete(r.primaries, sessionID)
			expired = append(expired, timedOut{sessionID, deviceID})
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		r.publish(events.PrimaryDeviceTimeout, map[string]interface{}{
			"sessionId": e.sessionID,
			"deviceId":  e.deviceID,
		})
		r.logger.Info("primary device timed out",
			zap.String("session_id", e.sessionID),
			zap.String("device_id", e.deviceID))
	}
}

// GetStats summarizes the registry.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{TotalDevices: len(r.devices), PrimaryDevices: len(r.primaries)}
	users := make(map[string]bool)
	for _, device := range r.devices {
		users[device.UserID] = true
		if r.isActiveLocked(device.DeviceID) {
			stats.ActiveDevices++
		} else {
			stats.InactiveDevices++
		}
	}
	stats.TotalUsers = len(users)
	if stats.TotalUsers > 0 {
		stats.AverageDevicesPerUser = float64(stats.TotalDevices) / float64(stats.TotalUsers)
	}
	return stats
}

func (r *Registry) persist(ctx context.Context, device *Device) {
	if r.store == nil {
		return
	}
	if err := r.store.Upsert(ctx, device); err != nil {
		r.logger.Warn("failed to persist device",
			zap.String("device_id", device.DeviceID), zap.Error(err))
	}
}

func (r *Registry) publish(eventType string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "device-registry", data)
	if err := r.bus.Publish(context.Background(), events.DeviceEvents, event); err != nil {
		r.logger.Warn("failed to publish device event",
			zap.String("type", eventType), zap.Error(err))
	}
}
