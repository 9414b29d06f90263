package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kandev/relay/pkg/streamjson"
)

// chunkDelay spaces successive frames so responses stream instead of
// arriving as one burst.
const chunkDelay = 80 * time.Millisecond

func pause() {
	time.Sleep(chunkDelay)
}

// Scenario names returned by classifyPrompt.
const (
	scenarioError    = "error"
	scenarioSlow     = "slow"
	scenarioThinking = "thinking"
	scenarioEdit     = "edit"
	scenarioExec     = "exec"
	scenarioRead     = "read"
	scenarioDefault  = "default"
)

// classifyPrompt picks the canned scenario for a prompt. Matching is by
// keyword so clients can trigger scenarios with natural phrasing.
func classifyPrompt(prompt string) string {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "fail") || strings.Contains(p, "error"):
		return scenarioError
	case strings.HasPrefix(p, "slow"):
		return scenarioSlow
	case strings.Contains(p, "think"):
		return scenarioThinking
	case strings.Contains(p, "edit") || strings.Contains(p, "write"):
		return scenarioEdit
	case strings.Contains(p, "exec") || strings.Contains(p, "run "):
		return scenarioExec
	case strings.Contains(p, "read"):
		return scenarioRead
	default:
		return scenarioDefault
	}
}

// handlePrompt emits the full response sequence for one prompt, ending with
// a result frame. responses may be nil when stdin cannot carry permission
// answers (print mode).
func handlePrompt(enc *json.Encoder, responses *bufio.Scanner, prompt string, opts options) {
	switch classifyPrompt(prompt) {
	case scenarioError:
		emitText(enc, "Attempting the operation...")
		pause()
		emitResult(enc, true, "mock failure: the operation could not be completed")
		return
	case scenarioSlow:
		runSlow(enc, prompt)
	case scenarioThinking:
		emitThinking(enc, "Working through the problem step by step...")
		pause()
		emitThinking(enc, "The tradeoffs favor the simpler approach here.")
		pause()
		emitText(enc, "After thinking it through, the simpler approach wins.")
	case scenarioEdit:
		runGatedTool(enc, responses, "Edit", map[string]any{
			"file_path":  "main.go",
			"old_string": "foo",
			"new_string": "bar",
		}, "Edited main.go", opts)
	case scenarioExec:
		runGatedTool(enc, responses, "Bash", map[string]any{
			"command": "go test ./...",
		}, "ok  \trelay\t0.21s", opts)
	case scenarioRead:
		emitToolUse(enc, "tool-read-1", "Read", map[string]any{"file_path": "README.md"})
		pause()
		emitToolResult(enc, "tool-read-1", "# Project\n\nA sample readme.")
		pause()
		emitText(enc, "I've read the file. It is a standard project readme.")
	default:
		emitText(enc, "I'll help you with that.")
		pause()
		emitText(enc, fmt.Sprintf("Here is what I found for %q: everything checks out.", prompt))
	}
	emitResult(enc, false, "")
}

// runSlow stretches a response over the duration named in the prompt
// ("slow 3s"), defaulting to five seconds split into even steps. Useful for
// exercising long-task heartbeats and client reconnects.
func runSlow(enc *json.Encoder, prompt string) {
	total := 5 * time.Second
	if fields := strings.Fields(prompt); len(fields) >= 2 {
		if d, err := time.ParseDuration(fields[1]); err == nil && d > 0 {
			total = d
		}
	}
	step := total / 5

	emitThinking(enc, "This will take a while, starting now...")
	time.Sleep(step)
	for i := 1; i <= 3; i++ {
		emitText(enc, fmt.Sprintf("Still working (step %d of 3)...", i))
		time.Sleep(step)
	}
	emitText(enc, fmt.Sprintf("Finished after %s.", total))
	time.Sleep(step)
}

// runGatedTool emits one tool invocation behind the permission gate, in the
// order the real CLI uses: tool_use block first, then the control request.
// Denied or unanswerable requests produce a narrated refusal instead of the
// tool result.
func runGatedTool(enc *json.Encoder, responses *bufio.Scanner, tool string, input map[string]any, output string, opts options) {
	toolUseID := fmt.Sprintf("tool-%s-1", strings.ToLower(tool))

	emitToolUse(enc, toolUseID, tool, input)
	pause()

	if !opts.skipPermissions && !opts.allowedTools[tool] {
		if !requestPermission(enc, responses, tool, toolUseID, input) {
			emitText(enc, fmt.Sprintf("Permission to use %s was denied, stopping here.", tool))
			return
		}
	}

	emitToolResult(enc, toolUseID, output)
	pause()
	emitText(enc, fmt.Sprintf("The %s call completed successfully.", tool))
}

// requestPermission emits a can_use_tool control request and blocks until
// the relay answers it. A nil responses scanner (print mode) denies
// immediately since no answer can arrive.
func requestPermission(enc *json.Encoder, responses *bufio.Scanner, tool, toolUseID string, input map[string]any) bool {
	if responses == nil {
		return false
	}

	writeFrame(enc, &streamjson.Message{
		Type:      streamjson.TypeControlRequest,
		RequestID: fmt.Sprintf("mock-perm-%s", toolUseID),
		Request: &streamjson.ControlRequest{
			Subtype:   streamjson.SubtypeCanUseTool,
			ToolName:  tool,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	for responses.Scan() {
		line := responses.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame incomingFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		if frame.Type != streamjson.TypeControlResponse || frame.Response == nil {
			continue
		}
		if result := frame.Response.Result; result != nil {
			return result.Behavior == streamjson.BehaviorAllow
		}
		return false
	}
	return false
}

// --- Frame emitters ---

func writeFrame(enc *json.Encoder, frame *streamjson.Message) {
	_ = enc.Encode(frame)
}

func emitInit(enc *json.Encoder) {
	writeFrame(enc, &streamjson.Message{
		Type:      streamjson.TypeSystem,
		Subtype:   streamjson.SubtypeInit,
		SessionID: sessionID,
	})
}

func assistantFrame(blocks ...streamjson.ContentBlock) *streamjson.Message {
	return &streamjson.Message{
		Type: streamjson.TypeAssistant,
		Message: &streamjson.AssistantMessage{
			Role:    "assistant",
			Content: blocks,
			Model:   "mock-default",
		},
	}
}

func emitText(enc *json.Encoder, text string) {
	writeFrame(enc, assistantFrame(streamjson.ContentBlock{Type: "text", Text: text}))
}

func emitThinking(enc *json.Encoder, thought string) {
	writeFrame(enc, assistantFrame(streamjson.ContentBlock{Type: "thinking", Thinking: thought}))
}

func emitToolUse(enc *json.Encoder, id, name string, input map[string]any) {
	writeFrame(enc, assistantFrame(streamjson.ContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  name,
		Input: input,
	}))
}

// emitToolResult reports a tool outcome. Tool results travel in user-typed
// frames, mirroring the real CLI.
func emitToolResult(enc *json.Encoder, toolUseID, content string) {
	writeFrame(enc, &streamjson.Message{
		Type: streamjson.TypeUser,
		Message: &streamjson.AssistantMessage{
			Role: "user",
			Content: []streamjson.ContentBlock{{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   content,
			}},
		},
	})
}

func emitResult(enc *json.Encoder, isError bool, errText string) {
	frame := &streamjson.Message{
		Type:       streamjson.TypeResult,
		Subtype:    streamjson.SubtypeSuccess,
		IsError:    isError,
		CostUSD:    0.0042,
		DurationMS: 1500,
		NumTurns:   1,
	}
	if isError {
		frame.Subtype = "error"
		frame.Result, _ = json.Marshal(errText)
	} else {
		frame.Result, _ = json.Marshal(streamjson.ResultData{
			Text:      "Mock response complete.",
			SessionID: sessionID,
		})
	}
	writeFrame(enc, frame)
}
