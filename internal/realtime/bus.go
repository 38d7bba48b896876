package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CommandEnqueuer is the subset of the command pipe (C9) the hub needs to
// service an inbound "send-command" message without importing it directly.
type CommandEnqueuer interface {
	EnqueueCommand(ctx context.Context, mac, command, payload string) error
}

// Hub manages subscriber registration, inbound message handling, and
// filtered broadcast (§4.7).
type Hub interface {
	Subscribe(subscriber Subscriber) error
	Unsubscribe(subscriber Subscriber) error

	// Publish broadcasts event to subscribers according to its type's
	// recipient rule (§4.7's outbound table).
	Publish(event Event) error

	// HandleInbound dispatches one message received from subscriber.
	HandleInbound(ctx context.Context, subscriber Subscriber, msg InboundMessage)

	ActiveSubscribers() int

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DefaultHub is the in-process implementation of Hub: a buffered event
// channel drained by a single broadcast worker, and a subscriber set
// guarded by an RWMutex that is never held across a send (§5, §9).
type DefaultHub struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex

	eventChan chan Event
	sequence  int64

	commands CommandEnqueuer

	logger  *slog.Logger
	metrics *RealtimeMetrics

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewHub creates a new DefaultHub. commands may be nil if send-command
// inbound messages are not expected to be handled.
func NewHub(logger *slog.Logger, metrics *RealtimeMetrics, commands CommandEnqueuer) *DefaultHub {
	return &DefaultHub{
		subscribers: make(map[Subscriber]bool),
		eventChan:   make(chan Event, 1000),
		commands:    commands,
		logger:      logger.With("component", "fanout_hub"),
		metrics:     metrics,
		stopChan:    make(chan struct{}),
	}
}

func (h *DefaultHub) Subscribe(subscriber Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers[subscriber] = true
	h.logger.Info("subscriber added", "subscriber_id", subscriber.ID(), "total", len(h.subscribers))
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Set(float64(len(h.subscribers)))
	}
	return nil
}

func (h *DefaultHub) Unsubscribe(subscriber Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[subscriber]; ok {
		delete(h.subscribers, subscriber)
		subscriber.Close()
		h.logger.Info("subscriber removed", "subscriber_id", subscriber.ID(), "total", len(h.subscribers))
		if h.metrics != nil {
			h.metrics.ConnectionsActive.Set(float64(len(h.subscribers)))
		}
	}
	return nil
}

func (h *DefaultHub) Publish(event Event) error {
	event.Sequence = atomic.AddInt64(&h.sequence, 1)

	select {
	case h.eventChan <- event:
		return nil
	default:
		h.logger.Warn("event channel full, dropping event", "event_type", event.Type, "event_id", event.ID)
		if h.metrics != nil {
			h.metrics.ErrorsTotal.WithLabelValues("channel_full").Inc()
		}
		return ErrEventChannelFull
	}
}

func (h *DefaultHub) ActiveSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *DefaultHub) Start(ctx context.Context) error {
	h.wg.Add(1)
	go h.broadcastWorker(ctx)
	h.logger.Info("fan-out hub started")
	return nil
}

func (h *DefaultHub) Stop(ctx context.Context) error {
	h.logger.Info("stopping fan-out hub")
	close(h.stopChan)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *DefaultHub) broadcastWorker(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event := <-h.eventChan:
			h.broadcastEvent(event)
		}
	}
}

// recipients applies §4.7's outbound recipient rule for event against a
// snapshot of subscribers taken under RLock; the lock is released before
// any Send is attempted.
func (h *DefaultHub) recipients(event Event) []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		switch event.Type {
		case EventDeviceLog:
			if sub.MatchesDeviceLog(event.MAC) {
				out = append(out, sub)
			}
		case EventConsoleOutput, EventCommandAck:
			if sub.MatchesConsole(event.MAC) {
				out = append(out, sub)
			}
		default:
			out = append(out, sub)
		}
	}
	return out
}

func (h *DefaultHub) broadcastEvent(event Event) {
	start := time.Now()

	targets := h.recipients(event)
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	var success, failed int64

	for _, sub := range targets {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()

			select {
			case <-s.Context().Done():
				h.Unsubscribe(s)
				return
			default:
			}

			if err := s.Send(event); err != nil {
				atomic.AddInt64(&failed, 1)
				h.Unsubscribe(s)
				return
			}
			atomic.AddInt64(&success, 1)
		}(sub)
	}
	wg.Wait()

	if h.metrics != nil {
		h.metrics.EventsTotal.WithLabelValues(event.Type, event.Source).Inc()
		h.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
}

// HandleInbound dispatches one inbound subscriber message (§4.7).
func (h *DefaultHub) HandleInbound(ctx context.Context, subscriber Subscriber, msg InboundMessage) {
	switch msg.Type {
	case MsgSubscribeLogs:
		subscriber.SubscribeLogs(msg.DeviceID)
	case MsgUnsubscribeLogs:
		subscriber.UnsubscribeLogs(msg.DeviceID)
	case MsgSubscribeConsole:
		subscriber.SubscribeConsole(msg.DeviceID)
	case MsgUnsubscribeConsole:
		subscriber.UnsubscribeConsole(msg.DeviceID)
	case MsgSendCommand:
		if h.commands == nil {
			return
		}
		if err := h.commands.EnqueueCommand(ctx, msg.DeviceID, msg.Command, msg.Payload); err != nil {
			h.logger.Warn("send-command failed", "mac", msg.DeviceID, "command", msg.Command, "error", err)
		}
	case MsgPing:
		_ = subscriber.Send(*NewEvent(EventPong, nil, SourceHub))
	default:
		h.logger.Debug("unknown inbound message type", "type", msg.Type)
	}
}
