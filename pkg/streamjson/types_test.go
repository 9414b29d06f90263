package streamjson

import (
	"encoding/json"
	"testing"
)

func TestMessageIsInit(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"init line", `{"type":"system","subtype":"init","session_id":"abc"}`, true},
		{"system without subtype", `{"type":"system","session_id":"abc"}`, false},
		{"init without session", `{"type":"system","subtype":"init"}`, false},
		{"assistant", `{"type":"assistant"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tt.line), &msg); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got := msg.IsInit(); got != tt.want {
				t.Errorf("IsInit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageResultFields(t *testing.T) {
	t.Run("string result", func(t *testing.T) {
		msg := &Message{Result: json.RawMessage(`"an error"`)}
		if got := msg.ResultString(); got != "an error" {
			t.Errorf("ResultString() = %q, want %q", got, "an error")
		}
		if msg.ResultData() != nil {
			t.Error("ResultData() should be nil for string results")
		}
	})

	t.Run("object result", func(t *testing.T) {
		msg := &Message{Result: json.RawMessage(`{"text":"done","session_id":"s1"}`)}
		data := msg.ResultData()
		if data == nil || data.Text != "done" || data.SessionID != "s1" {
			t.Errorf("ResultData() = %+v, want text=done session_id=s1", data)
		}
		if got := msg.ResultString(); got != "" {
			t.Errorf("ResultString() = %q, want empty for object results", got)
		}
	})

	t.Run("empty result", func(t *testing.T) {
		msg := &Message{}
		if msg.ResultData() != nil || msg.ResultString() != "" {
			t.Error("empty result should yield nil/empty")
		}
	})
}

func TestAssistantMessageText(t *testing.T) {
	msg := &AssistantMessage{
		Role: "assistant",
		Content: []ContentBlock{
			{Type: "text", Text: "first"},
			{Type: "thinking", Thinking: "hidden"},
			{Type: "text", Text: "second"},
			{Type: "tool_use", Name: "Bash"},
		},
	}
	if got := msg.Text(); got != "first\nsecond" {
		t.Errorf("Text() = %q, want %q", got, "first\nsecond")
	}
}

func TestNewControlResponse(t *testing.T) {
	allow := NewControlResponse("req-1", true, "")
	if allow.Type != TypeControlResponse || allow.RequestID != "req-1" {
		t.Errorf("envelope = %+v, want control_response req-1", allow)
	}
	if allow.Response.Result.Behavior != BehaviorAllow {
		t.Errorf("behavior = %q, want allow", allow.Response.Result.Behavior)
	}

	deny := NewControlResponse("req-2", false, "not permitted")
	if deny.Response.Result.Behavior != BehaviorDeny {
		t.Errorf("behavior = %q, want deny", deny.Response.Result.Behavior)
	}
	if deny.Response.Result.Message != "not permitted" {
		t.Errorf("message = %q, want propagated", deny.Response.Result.Message)
	}
}

func TestNewUserMessage(t *testing.T) {
	msg := NewUserMessage("run the tests")
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["type"] != "user" {
		t.Errorf("type = %v, want user", decoded["type"])
	}
	inner, ok := decoded["message"].(map[string]interface{})
	if !ok || inner["role"] != "user" || inner["content"] != "run the tests" {
		t.Errorf("message body = %v, want role=user content preserved", decoded["message"])
	}
}
