package archive

import (
	"context"
	"log/slog"
	"sync"
)

// Event is one progress or error notification from the pipeline.
// Operator marks conditions a human must act on; those are also written to
// the store's operator log by the component that raised them.
type Event struct {
	Level     slog.Level
	Message   string
	Err       error
	PackageID int // 0 when not package-scoped
	Operator  bool
	Attrs     []slog.Attr
}

// Observer receives pipeline events. The core never logs directly; the
// caller decides where events go.
type Observer interface {
	Notify(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// Notify calls f(ev).
func (f ObserverFunc) Notify(ev Event) {
	f(ev)
}

// discardObserver drops every event.
type discardObserver struct{}

func (discardObserver) Notify(Event) {}

// orDiscard returns obs, or a no-op observer when obs is nil.
func orDiscard(obs Observer) Observer {
	if obs == nil {
		return discardObserver{}
	}

	return obs
}

// LogObserver forwards events to a slog.Logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver returns an Observer that writes events to logger.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Notify writes ev as one slog record.
func (o *LogObserver) Notify(ev Event) {
	attrs := make([]slog.Attr, 0, len(ev.Attrs)+3)

	if ev.PackageID != 0 {
		attrs = append(attrs, slog.Int("package_id", ev.PackageID))
	}

	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	if ev.Operator {
		attrs = append(attrs, slog.Bool("operator_action", true))
	}

	attrs = append(attrs, ev.Attrs...)

	o.logger.LogAttrs(context.Background(), ev.Level, ev.Message, attrs...)
}

// ChannelObserver buffers events on a channel for a consumer such as a UI
// or a test. When the buffer is full, new events are dropped and counted.
type ChannelObserver struct {
	ch chan Event

	mu      sync.Mutex
	dropped int
}

// NewChannelObserver creates a ChannelObserver with the given buffer size.
func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

// Notify enqueues ev without blocking.
func (o *ChannelObserver) Notify(ev Event) {
	select {
	case o.ch <- ev:
	default:
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
	}
}

// Events returns the receive side of the event channel.
func (o *ChannelObserver) Events() <-chan Event {
	return o.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (o *ChannelObserver) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.dropped
}

// Drain returns every buffered event without blocking.
func (o *ChannelObserver) Drain() []Event {
	var out []Event

	for {
		select {
		case ev := <-o.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// MultiObserver fans one event out to several observers.
type MultiObserver []Observer

// Notify forwards ev to every non-nil observer.
func (m MultiObserver) Notify(ev Event) {
	for _, o := range m {
		if o != nil {
			o.Notify(ev)
		}
	}
}

// notifier is the small helper every component embeds to emit events.
type notifier struct {
	obs Observer
}

func (n notifier) debug(pkgID int, msg string, attrs ...slog.Attr) {
	n.obs.Notify(Event{Level: slog.LevelDebug, Message: msg, PackageID: pkgID, Attrs: attrs})
}

func (n notifier) info(pkgID int, msg string, attrs ...slog.Attr) {
	n.obs.Notify(Event{Level: slog.LevelInfo, Message: msg, PackageID: pkgID, Attrs: attrs})
}

func (n notifier) warn(pkgID int, msg string, err error, attrs ...slog.Attr) {
	n.obs.Notify(Event{Level: slog.LevelWarn, Message: msg, Err: err, PackageID: pkgID, Attrs: attrs})
}

func (n notifier) fail(pkgID int, msg string, err error, attrs ...slog.Attr) {
	n.obs.Notify(Event{Level: slog.LevelError, Message: msg, Err: err, PackageID: pkgID, Attrs: attrs})
}

// operator emits an event flagged for operator action.
func (n notifier) operator(level slog.Level, pkgID int, msg string, err error, attrs ...slog.Attr) {
	n.obs.Notify(Event{Level: level, Message: msg, Err: err, PackageID: pkgID, Operator: true, Attrs: attrs})
}
