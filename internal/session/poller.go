package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

// historySource is the part of Commands the poller needs.
type historySource interface {
	GetSessionMessages(ctx context.Context, sessionID string) ([]opencode.MessageEnvelope, error)
}

// Poller periodically fetches the session history as a fallback for missed events.
type Poller struct {
	src       historySource
	sessionID string
	interval  time.Duration
	logger    *logger.Logger
}

// NewPoller creates a poller for one session.
func NewPoller(src historySource, sessionID string, interval time.Duration, log *logger.Logger) *Poller {
	return &Poller{
		src:       src,
		sessionID: sessionID,
		interval:  interval,
		logger:    log.WithFields(zap.String("component", "snapshot-poller")),
	}
}

// Run posts one history per tick to out until ctx is done. Fetch errors are logged and skipped.
func (p *Poller) Run(ctx context.Context, out chan<- []opencode.MessageEnvelope) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		messages, err := p.src.GetSessionMessages(ctx, p.sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Debug("snapshot poll failed", zap.Error(err))
			continue
		}

		select {
		case out <- messages:
		case <-ctx.Done():
			return nil
		}
	}
}
