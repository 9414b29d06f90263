package tasks

import (
	"regexp"
	"strings"
)

// uuidPattern matches the canonical 8-4-4-4-12 hex form.
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// DeriveProjectName turns a session ID into a human-readable project name:
// split on underscore, drop the trailing token when it is a UUID, rejoin.
// A session ID that is nothing but a UUID yields the empty string.
func DeriveProjectName(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	parts := strings.Split(sessionID, "_")
	if uuidPattern.MatchString(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "_")
}
