// Package events implements the typed status fan-out. Publishing is
// fire-and-forget: a panicking listener is isolated and can never affect
// the publisher or the other listeners.
package events

import (
	"log/slog"
	"sync"
	"time"
)

type Channel string

const (
	Connection   Channel = "connection"
	Disconnect   Channel = "disconnect"
	Login        Channel = "login"
	LoginFail    Channel = "login-fail"
	Command      Channel = "command"
	CommandError Channel = "command-error"
	CaptureError Channel = "capture-error"
)

type Event struct {
	Channel Channel
	At      int64
	Payload map[string]any
}

type Listener func(Event)

type Bus struct {
	log *slog.Logger

	mu        sync.RWMutex
	listeners map[Channel][]Listener
	all       []Listener
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		log:       log,
		listeners: make(map[Channel][]Listener),
	}
}

// Subscribe registers a listener for one channel. Listeners run
// synchronously on the publisher's goroutine, so delivery within a channel
// is FIFO per publisher.
func (b *Bus) Subscribe(ch Channel, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[ch] = append(b.listeners[ch], fn)
}

// SubscribeAll registers a listener for every channel. Used by the
// management shell's activity feed.
func (b *Bus) SubscribeAll(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, fn)
}

func (b *Bus) Publish(ch Channel, payload map[string]any) {
	ev := Event{Channel: ch, At: time.Now().UnixMilli(), Payload: payload}

	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners[ch])+len(b.all))
	targets = append(targets, b.listeners[ch]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked", "channel", string(ev.Channel), "panic", r)
		}
	}()
	fn(ev)
}
