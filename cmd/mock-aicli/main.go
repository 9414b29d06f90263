// Package main implements a mock AI CLI binary that speaks the stream-JSON
// protocol the relay runner expects on stdin/stdout. It honors the same mode
// and permission flags as the real CLI and generates canned responses, which
// makes it suitable for local development and end-to-end tests without API
// access. Point the relay at it with RELAY_AICLI_COMMAND=mock-aicli.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kandev/relay/pkg/streamjson"
)

// sessionID identifies this process instance. Each session spawns its own
// process, so the PID keeps parallel sessions distinct.
var sessionID = fmt.Sprintf("mock-aicli-%d", os.Getpid())

func main() {
	opts := parseOptions(os.Args[1:])

	enc := json.NewEncoder(os.Stdout)
	emitInit(enc)

	var err error
	if opts.printMode {
		err = runOneShot(enc, os.Stdin, opts)
	} else {
		err = runInteractive(enc, os.Stdin, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-aicli: %v\n", err)
		os.Exit(1)
	}
}

// options captures the subset of real CLI flags the mock honors.
type options struct {
	printMode       bool
	skipPermissions bool
	allowedTools    map[string]bool
}

// parseOptions scans the argument list for the flags the relay passes.
// Unknown flags are ignored so the mock keeps working when new ones appear.
func parseOptions(args []string) options {
	opts := options{allowedTools: map[string]bool{}}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--print", "-p":
			opts.printMode = true
		case "--dangerously-skip-permissions":
			opts.skipPermissions = true
		case "--allowedTools":
			if i+1 < len(args) {
				i++
				for _, name := range strings.Split(args[i], ",") {
					if name = strings.TrimSpace(name); name != "" {
						opts.allowedTools[name] = true
					}
				}
			}
		}
	}
	return opts
}

// runOneShot reads the whole prompt from stdin and answers it once. Print
// mode closes stdin right after the prompt, so permission requests cannot
// be answered and gated tools run only when permissions are skipped.
func runOneShot(enc *json.Encoder, stdin io.Reader, opts options) error {
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}
	handlePrompt(enc, nil, strings.TrimSpace(string(raw)), opts)
	return nil
}

// incomingFrame is the subset of stdin lines the mock reacts to.
type incomingFrame struct {
	Type      string                      `json:"type"`
	Message   *streamjson.UserMessageBody `json:"message,omitempty"`
	RequestID string                      `json:"request_id,omitempty"`
	Response  *streamjson.ControlResponse `json:"response,omitempty"`
}

// runInteractive consumes newline-delimited frames from stdin until it
// closes, answering each user message in turn. Control responses are read
// inline by the permission gate, so stray ones here are simply dropped.
func runInteractive(enc *json.Encoder, stdin io.Reader, opts options) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame incomingFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		if frame.Type == streamjson.TypeUser && frame.Message != nil {
			handlePrompt(enc, scanner, frame.Message.Content, opts)
		}
	}
	return scanner.Err()
}
