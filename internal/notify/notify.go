// Package notify fans out result-change notifications to interested
// consumers. Workers call [Notifier.ResultChanged] exactly once after each
// successful persist; it is never called for failed or superseded runs.
package notify

import (
	"context"
	"log/slog"
)

// Change describes one persisted result update.
type Change struct {
	SessionID string `json:"sessionId"`
	Worker    string `json:"worker"` // "turn", "semantic" or "segment"
	Revision  int64  `json:"revision,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Notifier receives result-change notifications.
type Notifier interface {
	ResultChanged(ctx context.Context, ch Change)
}

// Nop discards all notifications.
type Nop struct{}

// ResultChanged implements [Notifier].
func (Nop) ResultChanged(ctx context.Context, ch Change) {}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

// ResultChanged implements [Notifier].
func (m Multi) ResultChanged(ctx context.Context, ch Change) {
	for _, n := range m {
		n.ResultChanged(ctx, ch)
	}
}

// Log writes each change to slog at debug level. Useful as a development
// sink when no websocket clients are connected.
type Log struct{}

// ResultChanged implements [Notifier].
func (Log) ResultChanged(ctx context.Context, ch Change) {
	slog.Debug("result changed", "session", ch.SessionID, "worker", ch.Worker, "revision", ch.Revision)
}
