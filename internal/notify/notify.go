// Package notify delivers user-facing notices and supporter notifications.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Audience selects who a notice is meant for.
type Audience string

const (
	AudienceClient    Audience = "client"
	AudienceSupporter Audience = "supporter"
)

// Notice is a message for the client or the supporter
type Notice struct {
	ID       string    `json:"id,omitempty"`
	Audience Audience  `json:"audience"`
	Kind     string    `json:"kind"`
	AppID    string    `json:"app_id,omitempty"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	At       time.Time `json:"at"`
}

// Notifier delivers notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to the log. It is the fallback when no
// platform shim is connected.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs every notice
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify logs the notice and never fails
func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	l.logger.Info().
		Str("audience", string(n.Audience)).
		Str("kind", n.Kind).
		Str("app_id", n.AppID).
		Str("title", n.Title).
		Msg(n.Body)
	return nil
}

// Multi fans a notice out to several notifiers and returns the first error.
type Multi []Notifier

// Notify delivers to every notifier even if an earlier one fails
func (m Multi) Notify(ctx context.Context, n Notice) error {
	var first error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notice) error

// Notify calls f
func (f Func) Notify(ctx context.Context, n Notice) error {
	return f(ctx, n)
}
