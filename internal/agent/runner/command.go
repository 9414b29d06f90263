package runner

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
)

const (
	defaultCommand      = "claude"
	defaultProbeTimeout = 3 * time.Second
)

// Output and input mode flags for the CLI.
const (
	flagPrint        = "--print"
	flagOutputFormat = "--output-format"
	flagInputFormat  = "--input-format"
	formatStreamJSON = "stream-json"
)

// DiscoverCommand returns the CLI binary to spawn. In a test environment it
// always returns "claude" without probing. An explicitly configured command
// wins over probing. Otherwise each candidate is probed with a version
// invocation and the first one that responds is used, falling back to
// "claude" when none does.
func DiscoverCommand(ctx context.Context, cfg *config.AICLIConfig, log *logger.Logger) string {
	if config.IsTestEnv() {
		return defaultCommand
	}
	if cfg.Command != "" {
		return cfg.Command
	}

	candidates := cfg.Candidates
	if len(candidates) == 0 {
		candidates = []string{"claude", "aicli"}
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	for _, name := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := exec.CommandContext(probeCtx, name, "--version").Run()
		cancel()
		if err == nil {
			if log != nil {
				log.Info("AI CLI discovered", zap.String("command", name))
			}
			return name
		}
	}

	if log != nil {
		log.Warn("no AI CLI candidate responded to version probe, falling back",
			zap.Strings("candidates", candidates),
			zap.String("fallback", defaultCommand))
	}
	return defaultCommand
}

// PermissionArgs assembles the permission flags. When SkipPermissions is set
// only --dangerously-skip-permissions is emitted and the mode and tool lists
// are suppressed. Invalid permission modes silently reset to "default".
func PermissionArgs(cfg *config.AICLIConfig) []string {
	if cfg.SkipPermissions {
		return []string{"--dangerously-skip-permissions"}
	}

	mode := cfg.PermissionMode
	switch mode {
	case "default", "plan", "acceptEdits":
	default:
		mode = "default"
	}

	args := []string{"--permission-mode", mode}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(cfg.DisallowedTools, ","))
	}
	return args
}

// BuildArgs assembles the argument list for a one-shot prompt execution:
// print mode, stream-JSON output and the permission flags. The prompt itself
// travels over stdin (see hasPrintFlag).
func BuildArgs(cfg *config.AICLIConfig) []string {
	args := []string{flagPrint, flagOutputFormat, formatStreamJSON, "--verbose"}
	return append(args, PermissionArgs(cfg)...)
}

// InteractiveArgs assembles the argument list for a long-lived interactive
// session speaking stream-JSON on both stdin and stdout.
func InteractiveArgs(cfg *config.AICLIConfig) []string {
	args := []string{
		flagInputFormat, formatStreamJSON,
		flagOutputFormat, formatStreamJSON,
		"--verbose",
	}
	return append(args, PermissionArgs(cfg)...)
}

// hasPrintFlag reports whether the argument list selects print mode, in
// which case the prompt is written to stdin and stdin is closed.
func hasPrintFlag(args []string) bool {
	for _, arg := range args {
		if arg == flagPrint || arg == "-p" {
			return true
		}
	}
	return false
}
