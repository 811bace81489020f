package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// Client message types.
const (
	// MessageActivate asks a waiting worker to take over immediately.
	MessageActivate = "activate"

	// legacyMessageActivate is the tag older pages send for MessageActivate.
	legacyMessageActivate = "qui-activate"
)

// Message is a message posted by a client page.
type Message struct {
	Type string `json:"type"`
}

// Message handles a client message. Unknown types are logged and ignored.
func (w *Worker) Message(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageActivate, legacyMessageActivate:
		w.logger.Info("received activation message")
		w.mu.Lock()
		h := w.host
		w.mu.Unlock()
		if err := h.SkipWaiting(ctx, w); err != nil {
			return fmt.Errorf("skip waiting: %w", err)
		}
		return nil
	default:
		w.logger.Warn("unexpected worker message", slog.String("type", msg.Type))
		return nil
	}
}
