package sync

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marcus/localsync/internal/syncclient"
)

// eventReconnectDelay is the fixed wait between a dropped connection and the
// next reconnect attempt, per spec.md 4.6.
const eventReconnectDelay = 5 * time.Second

// EventListener holds the long-lived GET /events connection and triggers a
// FullSync whenever the server signals a change.
type EventListener struct {
	client *syncclient.Client
	orch   *Orchestrator
	log    *slog.Logger

	connected atomic.Bool
}

// NewEventListener constructs a listener that drives orch's FullSync and
// change notifications.
func NewEventListener(client *syncclient.Client, orch *Orchestrator, log *slog.Logger) *EventListener {
	if log == nil {
		log = slog.Default()
	}
	return &EventListener{client: client, orch: orch, log: log}
}

// Connected reports whether the listener currently holds a live stream.
func (l *EventListener) Connected() bool { return l.connected.Load() }

// Run drives the Disconnected/Connecting/Connected state machine of
// spec.md 4.6 until ctx is canceled. It never returns early on a transport
// error; it loops, reconnecting after eventReconnectDelay.
func (l *EventListener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		l.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(eventReconnectDelay):
		}
	}
}

func (l *EventListener) connectOnce(ctx context.Context) {
	stream, err := l.client.StreamEvents(ctx)
	if err != nil {
		l.log.Debug("event listener: connect failed", "err", err)
		return
	}
	defer stream.Close()

	l.connected.Store(true)
	l.orch.emitChange()
	l.orch.triggerFullSync()

	defer func() {
		l.connected.Store(false)
		l.orch.emitChange()
	}()

	for {
		line, ok := stream.Next()
		if !ok {
			if err := stream.Err(); err != nil {
				l.log.Debug("event listener: stream error", "err", err)
			}
			return
		}
		l.handleLine(line)
	}
}

func (l *EventListener) handleLine(line string) {
	switch {
	case strings.HasPrefix(line, "data:"):
		go l.orch.triggerFullSync()
	case strings.HasPrefix(line, ":"):
		// heartbeat/comment, ignored
	case line == "":
		// event delimiter, ignored
	default:
		// unrecognized content, ignored
	}
}
