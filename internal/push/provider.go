package push

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// DeliveryError carries the transport's failure reason for one device.
type DeliveryError struct {
	Reason string `json:"reason"`
}

// FailedDelivery reports one device the transport could not reach.
type FailedDelivery struct {
	Device   string        `json:"device"`
	Response DeliveryError `json:"response"`
}

// Response is the transport's report for a single send.
type Response struct {
	Sent   []string         `json:"sent"`
	Failed []FailedDelivery `json:"failed"`
}

// Provider is the abstract push transport.
type Provider interface {
	Send(ctx context.Context, payload *Payload, token string) (*Response, error)
	Shutdown() error
}

// LogProvider is the development transport. It logs every notification and
// reports it as sent.
type LogProvider struct {
	log *logger.Logger
}

// NewLogProvider creates a provider that only logs notifications.
func NewLogProvider(log *logger.Logger) *LogProvider {
	return &LogProvider{log: log}
}

// Send implements Provider.
func (p *LogProvider) Send(ctx context.Context, payload *Payload, token string) (*Response, error) {
	p.log.Info("push notification (dev transport)",
		zap.String("token", abbreviateToken(token)),
		zap.String("title", payload.Title),
		zap.String("body", payload.Body))
	return &Response{Sent: []string{token}}, nil
}

// Shutdown implements Provider.
func (p *LogProvider) Shutdown() error {
	return nil
}

// abbreviateToken keeps logs readable and avoids writing whole tokens out.
func abbreviateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
