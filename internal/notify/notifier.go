package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"examguard/internal/config"
)

const publishTimeout = 5 * time.Second

// Notifier fans events out to a Publisher and the log. Operator notices are
// throttled per type and session so a flapping database does not flood operators.
type Notifier struct {
	pub      Publisher
	logger   *slog.Logger
	cooldown *Cooldown
	interval time.Duration
	now      func() time.Time
}

func NewNotifier(pub Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{
		pub:      pub,
		logger:   logger,
		cooldown: NewCooldown(),
		interval: time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FromConfig returns a Kafka-backed notifier when events are enabled, otherwise a
// log-only one.
func FromConfig(cfg config.EventsConfig, logger *slog.Logger) *Notifier {
	if !cfg.Enabled {
		return NewNotifier(nil, logger)
	}
	if pub := NewKafkaPublisher(cfg.Brokers, cfg.Topic); pub != nil {
		return NewNotifier(pub, logger)
	}
	return NewNotifier(nil, logger)
}

// SetOperatorInterval changes the minimum gap between two identical operator
// notices. Zero disables throttling.
func (n *Notifier) SetOperatorInterval(d time.Duration) {
	if n != nil {
		n.interval = d
	}
}

func (n *Notifier) Emit(ctx context.Context, ev Event) {
	if n == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = n.now()
	}
	if n.pub == nil {
		if n.logger != nil {
			n.logger.Debug("event", "type", ev.Type, "session_id", ev.SessionID)
		}
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := n.pub.Publish(pubCtx, ev); err != nil && n.logger != nil {
		n.logger.Warn("event publish failed", "type", ev.Type, "session_id", ev.SessionID, "err", err)
	}
}

// Operator raises a notice for human follow-up. It is always logged at error level
// and published unless an identical notice went out within the throttle interval.
func (n *Notifier) Operator(ctx context.Context, typ EventType, sessionID string, cause error) {
	if n == nil {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if n.logger != nil {
		n.logger.Error("operator attention required", "type", typ, "session_id", sessionID, "err", msg)
	}
	if !n.cooldown.Allow(string(typ)+"|"+sessionID, n.interval) {
		return
	}
	n.Emit(ctx, Event{Type: typ, SessionID: sessionID, Message: msg})
}

func (n *Notifier) Close() error {
	if n == nil || n.pub == nil {
		return nil
	}
	return n.pub.Close()
}

// Recorder is an in-memory Publisher for tests and dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of the given type, or with the given prefix when
// typ ends in '.', were recorded.
func (r *Recorder) Count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ || (strings.HasSuffix(string(typ), ".") && strings.HasPrefix(string(ev.Type), string(typ))) {
			n++
		}
	}
	return n
}
