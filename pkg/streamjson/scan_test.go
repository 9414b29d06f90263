package streamjson

import (
	"errors"
	"testing"
)

func TestIsCompleteJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"object", `{"a":1}`, true},
		{"array", `[1,2,3]`, true},
		{"string", `"hello"`, true},
		{"number", `42`, true},
		{"surrounding whitespace", "  {\"a\":1}\n", true},
		{"empty", "", false},
		{"whitespace only", "   \n\t", false},
		{"unterminated string", `{"a":"unfinished`, false},
		{"unterminated object", `{"a":1`, false},
		{"trailing garbage", `{"a":1} extra`, false},
		{"two values", `{"a":1}{"b":2}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCompleteJSON(tt.input); got != tt.want {
				t.Errorf("IsCompleteJSON(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLines(t *testing.T) {
	input := "{\"type\":\"system\",\"session_id\":\"s1\"}\n" +
		"\n" +
		"{\"type\":\"assistant\",\"seq\":1}\n" +
		"{\"type\":\"result\",\"result\":\"done\"}\n"

	got := ParseLines(input)
	if len(got) != 3 {
		t.Fatalf("ParseLines() returned %d objects, want 3", len(got))
	}
	if got[0]["type"] != "system" || got[1]["type"] != "assistant" || got[2]["type"] != "result" {
		t.Errorf("ParseLines() order not preserved: %v", got)
	}
}

func TestParseLinesRecoversGarbledLines(t *testing.T) {
	// A log prefix corrupts the line; embedded objects must still come out.
	input := "WARN something happened {\"type\":\"streamChunk\",\"n\":1} trailing {\"type\":\"streamChunk\",\"n\":2}\n" +
		"{\"type\":\"result\",\"result\":\"ok\"}\n"

	got := ParseLines(input)
	if len(got) != 3 {
		t.Fatalf("ParseLines() returned %d objects, want 3", len(got))
	}
	if got[0]["n"].(float64) != 1 || got[1]["n"].(float64) != 2 {
		t.Errorf("recovered objects out of order: %v", got)
	}
	if got[2]["type"] != "result" {
		t.Errorf("clean line lost: %v", got[2])
	}
}

func TestParseLinesSkipsNonObjects(t *testing.T) {
	got := ParseLines("[1,2,3]\n\"just a string\"\n{\"type\":\"x\"}\n")
	if len(got) != 1 || got[0]["type"] != "x" {
		t.Errorf("ParseLines() = %v, want only the object line", got)
	}
}

func TestExtractObjects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"single object", `{"a":1}`, 1},
		{"two objects with noise", `x{"a":1}y{"b":2}z`, 2},
		{"nested object counts once", `{"a":{"b":{"c":1}}}`, 1},
		{"brace inside string", `{"a":"}"}`, 1},
		{"escaped quote inside string", `{"a":"say \"hi\""}`, 1},
		{"unterminated dropped", `{"a":1} {"b":`, 1},
		{"no objects", `plain text`, 0},
		{"empty", ``, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractObjects(tt.input)
			if len(got) != tt.want {
				t.Errorf("ExtractObjects(%q) returned %d objects, want %d", tt.input, len(got), tt.want)
			}
		})
	}
}

func TestExtractObjectsPreservesOrder(t *testing.T) {
	got := ExtractObjects(`{"n":1}{"n":2}{"n":3}`)
	if len(got) != 3 {
		t.Fatalf("got %d objects, want 3", len(got))
	}
	for i, obj := range got {
		if int(obj["n"].(float64)) != i+1 {
			t.Errorf("object %d = %v, want n=%d", i, obj, i+1)
		}
	}
}

func TestExtractLastJSON(t *testing.T) {
	t.Run("last sibling wins", func(t *testing.T) {
		got := ExtractLastJSON(`{"a":1} {"b":2}`)
		obj, ok := got.(map[string]interface{})
		if !ok || obj["b"] != float64(2) {
			t.Errorf("ExtractLastJSON() = %v, want {b:2}", got)
		}
	})

	t.Run("outermost preferred over nested", func(t *testing.T) {
		got := ExtractLastJSON(`{"outer":{"inner":1}}`)
		obj, ok := got.(map[string]interface{})
		if !ok {
			t.Fatalf("ExtractLastJSON() = %v, want object", got)
		}
		if _, ok := obj["outer"]; !ok {
			t.Errorf("got inner value %v, want outermost", obj)
		}
	})

	t.Run("falls back to nested when outer broken", func(t *testing.T) {
		got := ExtractLastJSON(`{"outer": {"inner":1}`)
		obj, ok := got.(map[string]interface{})
		if !ok || obj["inner"] != float64(1) {
			t.Errorf("ExtractLastJSON() = %v, want {inner:1}", got)
		}
	})

	t.Run("array value", func(t *testing.T) {
		got := ExtractLastJSON(`noise [1,2,3]`)
		arr, ok := got.([]interface{})
		if !ok || len(arr) != 3 {
			t.Errorf("ExtractLastJSON() = %v, want [1 2 3]", got)
		}
	})

	t.Run("nothing complete", func(t *testing.T) {
		if got := ExtractLastJSON(`{"broken": `); got != nil {
			t.Errorf("ExtractLastJSON() = %v, want nil", got)
		}
	})
}

func TestExtractFinalResult(t *testing.T) {
	t.Run("last result field wins", func(t *testing.T) {
		responses := []map[string]interface{}{
			{"result": "first"},
			{"content": "middle"},
			{"result": "last"},
		}
		got := ExtractFinalResult(responses)
		obj, ok := got.(map[string]interface{})
		if !ok || obj["result"] != "last" {
			t.Errorf("ExtractFinalResult() = %v, want response with result=last", got)
		}
	})

	t.Run("concatenates content", func(t *testing.T) {
		responses := []map[string]interface{}{
			{"content": "Hello, "},
			{"content": "world"},
			{"other": true},
		}
		if got := ExtractFinalResult(responses); got != "Hello, world" {
			t.Errorf("ExtractFinalResult() = %v, want concatenated content", got)
		}
	})

	t.Run("falls back to last response", func(t *testing.T) {
		responses := []map[string]interface{}{
			{"a": 1},
			{"b": 2},
		}
		got := ExtractFinalResult(responses)
		obj, ok := got.(map[string]interface{})
		if !ok || obj["b"] != 2 {
			t.Errorf("ExtractFinalResult() = %v, want last response", got)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := ExtractFinalResult(nil); got != nil {
			t.Errorf("ExtractFinalResult(nil) = %v, want nil", got)
		}
	})
}

func TestExtractSessionID(t *testing.T) {
	responses := []map[string]interface{}{
		{"type": "noise"},
		{"session_id": "s-first"},
		{"session_id": "s-second"},
	}
	if got := ExtractSessionID(responses); got != "s-first" {
		t.Errorf("ExtractSessionID() = %q, want s-first", got)
	}
	if got := ExtractSessionID(nil); got != "" {
		t.Errorf("ExtractSessionID(nil) = %q, want empty", got)
	}
}

func TestValidateChunk(t *testing.T) {
	tests := []struct {
		name  string
		chunk map[string]interface{}
		want  bool
	}{
		{"nil chunk", nil, false},
		{"missing type", map[string]interface{}{"data": 1}, false},
		{"missing data", map[string]interface{}{"type": "content", "content": "x"}, false},
		{"valid generic", map[string]interface{}{"type": "status", "data": map[string]interface{}{}}, true},
		{"content ok", map[string]interface{}{"type": "content", "data": 1, "content": "hello"}, true},
		{"content blank", map[string]interface{}{"type": "content", "data": 1, "content": "   "}, false},
		{"content missing", map[string]interface{}{"type": "content", "data": 1}, false},
		{"tool_use named", map[string]interface{}{"type": "tool_use", "data": 1, "name": "Bash"}, true},
		{"tool_use unnamed", map[string]interface{}{"type": "tool_use", "data": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateChunk(tt.chunk); got != tt.want {
				t.Errorf("ValidateChunk(%v) = %v, want %v", tt.chunk, got, tt.want)
			}
		})
	}
}

func TestDiagnose(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrEmptyOutput},
		{"whitespace", "  \n ", ErrEmptyOutput},
		{"cut inside string", `{"result":"partial answ`, ErrUnterminatedString},
		{"cut inside object", `{"result": 1, "next": `, ErrUnexpectedEnd},
		{"plain garbage", "not json at all", ErrNoObjects},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Diagnose(tt.input); !errors.Is(got, tt.want) {
				t.Errorf("Diagnose(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
