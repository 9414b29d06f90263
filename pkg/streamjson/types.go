// Package streamjson implements the newline-delimited JSON protocol spoken
// by the AI CLI on its standard streams, plus the recovery scanners used to
// salvage objects from partially garbled output.
package streamjson

import (
	"encoding/json"
	"strings"
)

// Message types emitted by the AI CLI
const (
	// TypeSystem is the initial system message with session info
	TypeSystem = "system"
	// TypeAssistant contains text or thinking from the assistant
	TypeAssistant = "assistant"
	// TypeUser is a user message (prompt)
	TypeUser = "user"
	// TypeResult is the final result message
	TypeResult = "result"
	// TypeControlRequest is a control request (permission decision)
	TypeControlRequest = "control_request"
	// TypeControlResponse is a response to a control request
	TypeControlResponse = "control_response"
)

// Message subtypes
const (
	// SubtypeInit marks the first system message of a session
	SubtypeInit = "init"
	// SubtypeSuccess marks a successful result
	SubtypeSuccess = "success"
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
)

// Permission behaviors
const (
	// BehaviorAllow allows the tool use
	BehaviorAllow = "allow"
	// BehaviorDeny denies the tool use
	BehaviorDeny = "deny"
)

// Message represents one line of AI CLI stdout.
// The message type determines which fields are populated.
type Message struct {
	// Type is the message type (system, assistant, result, control_request, etc.)
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages
	// Result can be either a string (error message) or an object (ResultData)
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`
}

// IsInit reports whether the message is the session init announcement.
func (m *Message) IsInit() bool {
	return m.Type == TypeSystem && m.Subtype == SubtypeInit && m.SessionID != ""
}

// ResultString returns the Result field when it is a bare string, which is
// how the CLI reports result errors.
func (m *Message) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed.
func (m *Message) ResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// ResultData contains the final result information.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// Text joins the text content blocks of the message.
func (m *AssistantMessage) Text() string {
	var parts []string
	for _, block := range m.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ControlRequest represents a control request from the AI CLI, used for
// permission requests (can_use_tool).
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is written to the CLI to answer a control request.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// Message provides feedback to the model
	Message string `json:"message,omitempty"`
}

// NewControlResponse builds the control_response line for a permission decision.
func NewControlResponse(requestID string, allow bool, message string) *ControlResponseMessage {
	behavior := BehaviorDeny
	if allow {
		behavior = BehaviorAllow
	}
	return &ControlResponseMessage{
		Type:      TypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "success",
			Result: &PermissionResult{
				Behavior: behavior,
				Message:  message,
			},
		},
	}
}

// UserMessage is written to the CLI to deliver a prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// NewUserMessage builds the user line for a prompt.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{
		Type: TypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
}
