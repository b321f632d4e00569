package services

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultNotificationTimeout  = 10 * time.Second
	defaultNotificationInFlight = 64

	notifyEventSent    = "order.notification.sent"
	notifyEventFailed  = "order.notification.failed"
	notifyEventDropped = "order.notification.dropped"
)

// NotificationDispatcherDeps enumerates collaborators required to construct the dispatcher.
type NotificationDispatcherDeps struct {
	Notifier    OrderNotifier
	Timeout     time.Duration
	MaxInFlight int
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type notificationDispatcher struct {
	notifier OrderNotifier
	timeout  time.Duration
	slots    chan struct{}
	wg       sync.WaitGroup
	logger   func(context.Context, string, map[string]any)
}

var _ NotificationDispatcher = (*notificationDispatcher)(nil)

// NewNotificationDispatcher returns a dispatcher that delivers each message on
// its own goroutine. Delivery outlives the request that triggered it.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (NotificationDispatcher, error) {
	if deps.Notifier == nil {
		return nil, errors.New("notification dispatcher: notifier is required")
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultNotificationTimeout
	}
	inFlight := deps.MaxInFlight
	if inFlight <= 0 {
		inFlight = defaultNotificationInFlight
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &notificationDispatcher{
		notifier: deps.Notifier,
		timeout:  timeout,
		slots:    make(chan struct{}, inFlight),
		logger:   logger,
	}, nil
}

func (d *notificationDispatcher) DispatchOrderFailed(ctx context.Context, msg OrderFailedMessage) {
	select {
	case d.slots <- struct{}{}:
	default:
		d.logger(ctx, notifyEventDropped, map[string]any{
			"severity": "WARNING",
			"orderId":  msg.OrderID,
		})
		return
	}

	// Keep request values such as trace ids but not its deadline.
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()

		sendCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()
		if err := d.notifier.NotifyOrderFailed(sendCtx, msg); err != nil {
			d.logger(sendCtx, notifyEventFailed, map[string]any{
				"severity": "WARNING",
				"orderId":  msg.OrderID,
				"error":    err.Error(),
			})
			return
		}
		d.logger(sendCtx, notifyEventSent, map[string]any{
			"orderId": msg.OrderID,
		})
	}()
}

// Wait blocks until every in-flight notification finished or ctx is done.
func (d *notificationDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
