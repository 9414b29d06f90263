// Package events provides event types and subject utilities for the Relay event system.
package events

// Stream event types emitted by the AI process runner. These are the wire
// names clients see, so they stay camelCase.
const (
	StreamSystemInit         = "systemInit"
	StreamAssistantMessage   = "assistantMessage"
	StreamToolUse            = "toolUse"
	StreamToolResult         = "toolResult"
	StreamConversationResult = "conversationResult"
	StreamPermissionRequired = "permissionRequired"
	StreamProcessStart       = "processStart"
	StreamProcessExit        = "processExit"
	StreamProcessStderr      = "processStderr"
	StreamChunk              = "streamChunk"
	StreamError              = "streamError"
	StreamCommandProgress    = "commandProgress"
	StreamData               = "streamData"
)

// Event types for session lifecycle
const (
	SessionCreated       = "session.created"
	SessionKilled        = "session.killed"
	SessionCompleted     = "session.completed"
	SessionStatusChanged = "session.status_changed"
)

// Event types for connection bookkeeping
const (
	ClientConnected    = "clientConnected"
	ClientDisconnected = "clientDisconnected"
)

// Event types for broadcast accounting
const (
	MessageBroadcast = "messageBroadcast"
	SystemBroadcast  = "systemBroadcast"
	EventBroadcast   = "eventBroadcast"
)

// Event types for devices
const (
	DeviceRegistered     = "deviceRegistered"
	DeviceUnregistered   = "deviceUnregistered"
	PrimaryElected       = "primaryElected"
	PrimaryTransferred   = "primaryTransferred"
	PrimaryDeviceOffline = "primaryDeviceOffline"
	PrimaryDeviceTimeout = "primaryDeviceTimeout"
)

// Event types for permissions
const (
	PermissionApproved = "permissionApproved"
	PermissionDenied   = "permissionDenied"
	NotificationSent   = "notificationSent"
)

// Event types for long-running tasks
const (
	LongRunningStarted = "longRunningStarted"
	TaskHeartbeatTick  = "taskHeartbeat"
)

// Subject bases. Per-session subjects append "." + sessionID.
const (
	SessionStream       = "session.stream"
	SessionStatus       = "session.status"
	PermissionRequested = "permission.request"
	PermissionResolved  = "permission.resolved"
	DeviceEvents        = "device.events"
	QueueMessage        = "queue.message"
	TaskHeartbeat       = "task.heartbeat"
	PushDelivered       = "push.delivered"
	GatewayEvents       = "gateway.events"
)

// BuildSessionStreamSubject creates a stream subject for a specific session
func BuildSessionStreamSubject(sessionID string) string {
	return SessionStream + "." + sessionID
}

// BuildSessionStreamWildcardSubject creates a wildcard subscription for all session stream events
func BuildSessionStreamWildcardSubject() string {
	return SessionStream + ".*"
}

// BuildSessionStatusSubject creates a status subject for a specific session
func BuildSessionStatusSubject(sessionID string) string {
	return SessionStatus + "." + sessionID
}

// BuildSessionStatusWildcardSubject creates a wildcard subscription for all session status events
func BuildSessionStatusWildcardSubject() string {
	return SessionStatus + ".*"
}

// BuildPermissionRequestSubject creates a permission request subject for a specific session
func BuildPermissionRequestSubject(sessionID string) string {
	return PermissionRequested + "." + sessionID
}

// BuildPermissionRequestWildcardSubject creates a wildcard subscription for all permission requests
func BuildPermissionRequestWildcardSubject() string {
	return PermissionRequested + ".*"
}

// BuildPermissionResolvedSubject creates a permission resolution subject for a specific session
func BuildPermissionResolvedSubject(sessionID string) string {
	return PermissionResolved + "." + sessionID
}

// BuildPermissionResolvedWildcardSubject creates a wildcard subscription for all permission resolutions
func BuildPermissionResolvedWildcardSubject() string {
	return PermissionResolved + ".*"
}

// BuildQueueMessageSubject creates a queue notification subject for a specific session
func BuildQueueMessageSubject(sessionID string) string {
	return QueueMessage + "." + sessionID
}

// BuildQueueMessageWildcardSubject creates a wildcard subscription for all queue notifications
func BuildQueueMessageWildcardSubject() string {
	return QueueMessage + ".*"
}

// BuildTaskHeartbeatSubject creates a task heartbeat subject for a specific session
func BuildTaskHeartbeatSubject(sessionID string) string {
	return TaskHeartbeat + "." + sessionID
}

// BuildTaskHeartbeatWildcardSubject creates a wildcard subscription for all task heartbeats
func BuildTaskHeartbeatWildcardSubject() string {
	return TaskHeartbeat + ".*"
}
