package runner

import (
	"encoding/json"
	"strings"

	"github.com/kandev/relay/pkg/streamjson"
)

// streamParser accumulates stdout chunks into a line buffer and parses each
// completed line as stream-JSON. Lines that fail a direct parse are run
// through the recovery scanner so objects embedded in garbled lines still
// surface. The full raw output is retained for final-result extraction.
type streamParser struct {
	pending  strings.Builder
	captured strings.Builder
}

// Feed consumes one raw stdout chunk and returns the objects parsed from the
// lines it completed, in source order.
func (p *streamParser) Feed(chunk []byte) []map[string]interface{} {
	p.captured.Write(chunk)
	p.pending.Write(chunk)

	buffered := p.pending.String()
	if !strings.Contains(buffered, "\n") {
		return nil
	}

	lines := strings.Split(buffered, "\n")
	remainder := lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	p.pending.Reset()
	p.pending.WriteString(remainder)

	var out []map[string]interface{}
	for _, line := range lines {
		out = append(out, parseLine(line)...)
	}
	return out
}

// Finish flushes any trailing partial line and returns objects recovered
// from it. Called once after the child's stdout closes.
func (p *streamParser) Finish() []map[string]interface{} {
	remainder := p.pending.String()
	p.pending.Reset()
	return parseLine(remainder)
}

// Captured returns all raw stdout seen so far.
func (p *streamParser) Captured() string {
	return p.captured.String()
}

func parseLine(line string) []map[string]interface{} {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err == nil {
		return []map[string]interface{}{obj}
	}
	return streamjson.ExtractObjects(line)
}
