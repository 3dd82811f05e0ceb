package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalcore/internal/events"
)

const sendTimeout = 10 * time.Second

// Relay forwards signal outcomes from the event bus to the chat channel.
// It is the delivery boundary: execution only publishes, so a slow or dead
// channel can never hold up a trade. The bus drops on overflow, which is
// the right failure mode for chat messages.
type Relay struct {
	bus      *events.Bus
	notifier TextNotifier
	logger   *zap.Logger
}

// NewRelay creates a relay; call Run on its own goroutine.
func NewRelay(bus *events.Bus, notifier TextNotifier, logger *zap.Logger) *Relay {
	return &Relay{bus: bus, notifier: notifier, logger: logger}
}

// Run consumes outcomes until ctx ends.
func (r *Relay) Run(ctx context.Context) {
	sub := r.bus.Subscribe(events.EventSignalResult, 32)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C:
			if !ok {
				return
			}
			out, ok := payload.(events.SignalOutcome)
			if !ok {
				continue
			}
			r.send(out)
		}
	}
}

func (r *Relay) send(out events.SignalOutcome) {
	text := fmt.Sprintf("%s %s %s: %d ok, %d failed",
		out.Bot, out.Kind, out.Symbol, out.Success, out.Failed)
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.notifier.Notify(ctx, text); err != nil {
		r.logger.Warn("notification failed", zap.Error(err))
	}
}
