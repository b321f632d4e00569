package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureNotifier struct {
	mu       sync.Mutex
	messages []OrderFailedMessage
	err      error
	block    chan struct{}
	ctxErrs  []error
}

func (c *captureNotifier) NotifyOrderFailed(ctx context.Context, msg OrderFailedMessage) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.ctxErrs = append(c.ctxErrs, ctx.Err())
	return c.err
}

func (c *captureNotifier) sent() []OrderFailedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OrderFailedMessage(nil), c.messages...)
}

func TestNotificationDispatcherOutlivesRequestContext(t *testing.T) {
	notifier := &captureNotifier{block: make(chan struct{})}
	logs := &captureLogger{}
	dispatcher, err := NewNotificationDispatcher(NotificationDispatcherDeps{Notifier: notifier, Logger: logs.log})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	dispatcher.DispatchOrderFailed(reqCtx, OrderFailedMessage{OrderID: "ord_1"})
	cancel()
	close(notifier.block)

	waitCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if err := dispatcher.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	sent := notifier.sent()
	if len(sent) != 1 || sent[0].OrderID != "ord_1" {
		t.Fatalf("expected one notification, got %+v", sent)
	}
	if notifier.ctxErrs[0] != nil {
		t.Fatalf("delivery context must not inherit request cancellation: %v", notifier.ctxErrs[0])
	}
	if logs.count(notifyEventSent) != 1 {
		t.Fatalf("expected sent event")
	}
}

func TestNotificationDispatcherLogsFailures(t *testing.T) {
	notifier := &captureNotifier{err: errors.New("pubsub down")}
	logs := &captureLogger{}
	dispatcher, _ := NewNotificationDispatcher(NotificationDispatcherDeps{Notifier: notifier, Logger: logs.log})

	dispatcher.DispatchOrderFailed(context.Background(), OrderFailedMessage{OrderID: "ord_2"})
	if err := dispatcher.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	entry, ok := logs.find(notifyEventFailed)
	if !ok || entry.fields["error"] != "pubsub down" {
		t.Fatalf("expected failure logged, got %+v", entry)
	}
}

func TestNotificationDispatcherDropsWhenSaturated(t *testing.T) {
	notifier := &captureNotifier{block: make(chan struct{})}
	logs := &captureLogger{}
	dispatcher, _ := NewNotificationDispatcher(NotificationDispatcherDeps{Notifier: notifier, MaxInFlight: 1, Logger: logs.log})

	dispatcher.DispatchOrderFailed(context.Background(), OrderFailedMessage{OrderID: "ord_1"})
	dispatcher.DispatchOrderFailed(context.Background(), OrderFailedMessage{OrderID: "ord_2"})
	if logs.count(notifyEventDropped) != 1 {
		t.Fatalf("expected second message dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := dispatcher.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wait to time out while blocked, got %v", err)
	}
	close(notifier.block)
	if err := dispatcher.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestNewNotificationDispatcherRequiresNotifier(t *testing.T) {
	if _, err := NewNotificationDispatcher(NotificationDispatcherDeps{}); err == nil {
		t.Fatalf("expected error without notifier")
	}
}
