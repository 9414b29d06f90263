package websocket

// Action constants for WebSocket messages
const (
	// Connection
	ActionPing = "ping"

	// Session actions
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Event topic actions
	ActionEventsSubscribe = "events.subscribe"

	// Prompt actions
	ActionPromptSubmit = "prompt.submit"

	// Permission actions
	ActionPermissionRespond = "permission.respond"

	// Device actions
	ActionDeviceRegister        = "device.register"
	ActionDeviceElectPrimary    = "device.elect_primary"
	ActionDeviceTransferPrimary = "device.transfer_primary"

	// Queue actions
	ActionQueueAck = "queue.ack"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
