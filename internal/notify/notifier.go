// Package notify delivers short operational messages to an external chat
// channel. Delivery is best-effort; trading never blocks on it.
package notify

import "context"

// TextNotifier sends a plain-text message.
type TextNotifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop discards messages. Used when no channel is configured.
type Nop struct{}

func (Nop) Notify(ctx context.Context, text string) error { return nil }
