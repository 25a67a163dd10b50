package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/config"
	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/events/bus"
)

// Bus kinds reported by ProvidedBus.Kind.
const (
	KindMemory = "memory"
	KindNATS   = "nats"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Kind names the implementation behind Bus.
func (p *ProvidedBus) Kind() string {
	if p.NATS != nil {
		return KindNATS
	}
	return KindMemory
}

// Provide builds the bus that carries chat notifications: NATS when a URL is
// set, so several gateways can share connections, in-memory otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		log.Info("Chat notifications on NATS",
			zap.String("url", cfg.Redacted().NATS.URL),
			zap.String("subjects", BuildChatWildcardSubject()))
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	log.Info("Chat notifications on in-memory bus")
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}
