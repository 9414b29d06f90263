package push

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// appriseSendTimeout caps one CLI invocation so a hung notification service
// cannot stall the worker pool.
const appriseSendTimeout = 10 * time.Second

// appriseTokenPlaceholder in a URL template is replaced with the device
// token, so each device can address its own notification endpoint.
const appriseTokenPlaceholder = "{token}"

// AppriseProvider delivers notifications through the apprise CLI, which
// fans out to whatever services its URLs name (ntfy, gotify, email, ...).
type AppriseProvider struct {
	urls []string
	log  *logger.Logger
}

// NewAppriseProvider creates a provider for the given URL templates.
// Templates may contain {token}; plain URLs are passed through unchanged.
func NewAppriseProvider(urls []string, log *logger.Logger) (*AppriseProvider, error) {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("apprise urls not configured")
	}
	if _, err := exec.LookPath("apprise"); err != nil {
		return nil, fmt.Errorf("apprise not installed: %w", err)
	}
	return &AppriseProvider{urls: cleaned, log: log}, nil
}

// Send implements Provider. A non-zero exit from the CLI counts as a
// transient network failure so the notifier's retry policy applies.
func (p *AppriseProvider) Send(ctx context.Context, payload *Payload, token string) (*Response, error) {
	sendCtx, cancel := context.WithTimeout(ctx, appriseSendTimeout)
	defer cancel()

	args := appriseArgs(payload, expandURLs(p.urls, token))
	cmd := exec.CommandContext(sendCtx, "apprise", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		p.log.Warn("apprise send failed",
			zap.String("token", abbreviateToken(token)),
			zap.String("output", strings.TrimSpace(string(output))),
			zap.Error(err))
		return &Response{Failed: []FailedDelivery{{
			Device:   token,
			Response: DeliveryError{Reason: ReasonNetworkError},
		}}}, nil
	}
	return &Response{Sent: []string{token}}, nil
}

// Shutdown implements Provider.
func (p *AppriseProvider) Shutdown() error {
	return nil
}

// appriseArgs builds the CLI argument list for one notification.
func appriseArgs(payload *Payload, urls []string) []string {
	args := []string{"-t", payload.Title, "-b", payload.Body}
	return append(args, urls...)
}

// expandURLs substitutes the device token into each URL template.
func expandURLs(templates []string, token string) []string {
	urls := make([]string, len(templates))
	for i, t := range templates {
		urls[i] = strings.ReplaceAll(t, appriseTokenPlaceholder, token)
	}
	return urls
}
