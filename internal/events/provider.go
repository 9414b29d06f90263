package events

import (
	"fmt"
	"strings"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events/bus"
)

// ProvidedBus is the result of bus selection. Bus is what callers should
// use; Memory and NATS expose the concrete implementation, with exactly
// one of them non-nil.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide picks the event bus for this process: NATS when a server URL is
// configured, the in-process bus otherwise. The returned cleanup closes
// whichever bus was built and belongs in main's shutdown sequence.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return &ProvidedBus{Bus: memBus, Memory: memBus}, closer(memBus), nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect NATS event bus: %w", err)
	}
	return &ProvidedBus{Bus: natsBus, NATS: natsBus}, closer(natsBus), nil
}

func closer(b bus.EventBus) func() error {
	return func() error {
		b.Close()
		return nil
	}
}
