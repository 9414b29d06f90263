package streamjson

import (
	"encoding/json"
	"errors"
	"strings"
)

// Parse failure diagnostics for captured CLI output.
var (
	// ErrEmptyOutput means the captured output was blank.
	ErrEmptyOutput = errors.New("empty output")
	// ErrNoObjects means no complete JSON objects could be recovered.
	ErrNoObjects = errors.New("no valid JSON objects in output")
	// ErrUnterminatedString means the output ends inside a JSON string,
	// which usually indicates the stream was cut off mid-write.
	ErrUnterminatedString = errors.New("unterminated string in output")
	// ErrUnexpectedEnd means the output ends inside an open JSON value.
	ErrUnexpectedEnd = errors.New("unexpected end of JSON input")
)

// IsCompleteJSON reports whether s, after trimming surrounding whitespace,
// parses as a single complete JSON value. Unterminated strings or objects
// return false.
func IsCompleteJSON(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return json.Valid([]byte(s))
}

// ParseLines interprets s as newline-delimited JSON. Each non-blank line is
// parsed; lines that fail to parse are run through ExtractObjects so that
// complete objects embedded in garbled lines are still recovered. Malformed
// fragments are silently dropped. Source order is preserved.
func ParseLines(s string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var value interface{}
		if err := json.Unmarshal([]byte(line), &value); err != nil {
			out = append(out, ExtractObjects(line)...)
			continue
		}
		if obj, ok := value.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out
}

// ExtractObjects scans line character by character, tracking string, escape
// and nesting state, and returns each complete top-level JSON object found,
// in order. Fragments that do not parse are dropped.
func ExtractObjects(line string) []map[string]interface{} {
	var out []map[string]interface{}
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				var obj map[string]interface{}
				if err := json.Unmarshal([]byte(line[start:i+1]), &obj); err == nil {
					out = append(out, obj)
				}
				start = -1
			}
		}
	}
	return out
}

// ExtractLastJSON returns the last complete JSON object or array contained in
// s, preferring the outermost value whose start precedes its matching end.
// Returns nil when s holds no complete value.
func ExtractLastJSON(s string) interface{} {
	var last interface{}
	found := false
	for i := 0; i < len(s); i++ {
		if c := s[i]; c != '{' && c != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			continue
		}
		last = value
		found = true
		// Skip past the consumed value so nested values are not revisited.
		if off := int(dec.InputOffset()); off > 1 {
			i += off - 1
		}
	}
	if !found {
		return nil
	}
	return last
}

// ExtractFinalResult picks the aggregate result from a batch of parsed
// responses: the last response carrying a "result" field wins; failing that,
// the concatenation of all string "content" fields in order; failing that,
// the last response.
func ExtractFinalResult(responses []map[string]interface{}) interface{} {
	if len(responses) == 0 {
		return nil
	}
	for i := len(responses) - 1; i >= 0; i-- {
		if _, ok := responses[i]["result"]; ok {
			return responses[i]
		}
	}
	var b strings.Builder
	for _, r := range responses {
		if content, ok := r["content"].(string); ok {
			b.WriteString(content)
		}
	}
	if b.Len() > 0 {
		return b.String()
	}
	return responses[len(responses)-1]
}

// ExtractSessionID returns the first session_id found in responses, or ""
// when none carries one.
func ExtractSessionID(responses []map[string]interface{}) string {
	for _, r := range responses {
		if id, ok := r["session_id"].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

// ValidateChunk reports whether chunk is a well-formed stream chunk: it must
// carry a type and a data field, content chunks must have non-blank content,
// and tool_use chunks must name their tool.
func ValidateChunk(chunk map[string]interface{}) bool {
	if chunk == nil {
		return false
	}
	typ, ok := chunk["type"].(string)
	if !ok || typ == "" {
		return false
	}
	if _, ok := chunk["data"]; !ok {
		return false
	}
	switch typ {
	case "content":
		content, _ := chunk["content"].(string)
		if strings.TrimSpace(content) == "" {
			return false
		}
	case "tool_use":
		name, _ := chunk["name"].(string)
		if name == "" {
			return false
		}
	}
	return true
}

// Diagnose explains why output yielded no complete objects. It reports
// ErrEmptyOutput for blank input, ErrUnterminatedString when the input ends
// inside a string, ErrUnexpectedEnd when it ends inside an open value, and
// ErrNoObjects otherwise.
func Diagnose(s string) error {
	if strings.TrimSpace(s) == "" {
		return ErrEmptyOutput
	}
	inString := false
	escaped := false
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			if depth > 0 {
				depth--
			}
		}
	}
	if inString {
		return ErrUnterminatedString
	}
	if depth > 0 {
		return ErrUnexpectedEnd
	}
	return ErrNoObjects
}
