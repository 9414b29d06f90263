package runner

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/pkg/streamjson"
)

// emitter publishes typed stream events on the session's stream subject.
// Events from one child are published in production order; the bus preserves
// that order per subscriber.
type emitter struct {
	bus bus.EventBus
	log *logger.Logger
}

func (e *emitter) emit(sessionID, eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["sessionId"] = sessionID

	event := bus.NewEvent(eventType, "runner", data)
	subject := events.BuildSessionStreamSubject(sessionID)
	if err := e.bus.Publish(context.Background(), subject, event); err != nil {
		e.log.Warn("failed to publish stream event",
			zap.String("session_id", sessionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// emitBatch emits the typed event for each parsed object plus a streamChunk
// per object; the last chunk of the batch is flagged isLast.
func (e *emitter) emitBatch(sessionID string, objs []map[string]interface{}) {
	for i, obj := range objs {
		eventType, data := classifyObject(obj)
		e.emit(sessionID, eventType, data)
		e.emitToolEvents(sessionID, obj)

		chunk := map[string]interface{}{"chunk": obj}
		if i == len(objs)-1 {
			chunk["isLast"] = true
		}
		e.emit(sessionID, events.StreamChunk, chunk)
	}
}

// classifyObject maps a parsed stdout object to its typed stream event.
func classifyObject(obj map[string]interface{}) (string, map[string]interface{}) {
	switch getString(obj, "type") {
	case streamjson.TypeSystem:
		if getString(obj, "subtype") == streamjson.SubtypeInit {
			return events.StreamSystemInit, map[string]interface{}{"data": obj}
		}
		return events.StreamData, map[string]interface{}{"data": obj}

	case streamjson.TypeAssistant:
		data := map[string]interface{}{"data": obj}
		if text := assistantText(obj); text != "" {
			data["text"] = text
		}
		return events.StreamAssistantMessage, data

	case streamjson.TypeResult:
		data := map[string]interface{}{"data": obj}
		if result, ok := obj["result"]; ok {
			data["result"] = result
		}
		if isError, ok := obj["is_error"].(bool); ok && isError {
			data["isError"] = true
		}
		return events.StreamConversationResult, data

	case streamjson.TypeControlRequest:
		data := map[string]interface{}{"data": obj}
		if id := getString(obj, "request_id"); id != "" {
			data["requestId"] = id
		}
		if req, ok := obj["request"].(map[string]interface{}); ok {
			if tool := getString(req, "tool_name"); tool != "" {
				data["toolName"] = tool
			}
			if input, ok := req["input"]; ok {
				data["input"] = input
			}
		}
		return events.StreamPermissionRequired, data

	case "progress":
		return events.StreamCommandProgress, map[string]interface{}{"data": obj}

	default:
		return events.StreamData, map[string]interface{}{"data": obj}
	}
}

// emitToolEvents surfaces tool_use and tool_result content blocks as their
// own events alongside the enclosing message.
func (e *emitter) emitToolEvents(sessionID string, obj map[string]interface{}) {
	message, ok := obj["message"].(map[string]interface{})
	if !ok {
		return
	}
	blocks, ok := message["content"].([]interface{})
	if !ok {
		return
	}
	for _, raw := range blocks {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		switch getString(block, "type") {
		case "tool_use":
			e.emit(sessionID, events.StreamToolUse, map[string]interface{}{
				"id":    getString(block, "id"),
				"name":  getString(block, "name"),
				"input": block["input"],
			})
		case "tool_result":
			data := map[string]interface{}{
				"toolUseId": getString(block, "tool_use_id"),
				"content":   block["content"],
			}
			if isError, ok := block["is_error"].(bool); ok && isError {
				data["isError"] = true
			}
			e.emit(sessionID, events.StreamToolResult, data)
		}
	}
}

func assistantText(obj map[string]interface{}) string {
	message, ok := obj["message"].(map[string]interface{})
	if !ok {
		return ""
	}
	blocks, ok := message["content"].([]interface{})
	if !ok {
		return ""
	}
	text := ""
	for _, raw := range blocks {
		block, ok := raw.(map[string]interface{})
		if !ok || getString(block, "type") != "text" {
			continue
		}
		if t := getString(block, "text"); t != "" {
			if text != "" {
				text += "\n"
			}
			text += t
		}
	}
	return text
}

func getString(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return s
}
