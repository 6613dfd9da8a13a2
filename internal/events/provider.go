package events

import (
	"github.com/devboard/devboard/internal/common/config"
	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/events/bus"
)

// NewEventBus returns the configured event bus implementation. An empty NATS
// URL selects the in-memory bus, which is the single-node default.
func NewEventBus(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if cfg.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg, log)
}
