package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
)

// ListenerResult carries the extension data a listener wants merged into the
// completed request.
type ListenerResult struct {
	ExtUpdates models.ExtData
}

// Listener is notified when a request of a subscribed type completes. It gets a
// private copy of the request and reports its changes through the result.
// Listener 在订阅类型的请求完成时收到通知；它获得请求的私有副本，并通过结果返回修改。
type Listener interface {
	Accept(ctx context.Context, req *models.Request) (*ListenerResult, error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, req *models.Request) (*ListenerResult, error)

func (f ListenerFunc) Accept(ctx context.Context, req *models.Request) (*ListenerResult, error) {
	return f(ctx, req)
}

// EventBus dispatches completion events keyed by request type.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[constants.RequestType][]Listener
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{listeners: map[constants.RequestType][]Listener{}}
}

// Subscribe registers l for each of the given types.
func (b *EventBus) Subscribe(l Listener, types ...constants.RequestType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.listeners[t] = append(b.listeners[t], l)
	}
}

// Dispatch runs every listener of req.Type in registration order and returns the
// merged updates. A failing or panicking listener does not stop the others.
func (b *EventBus) Dispatch(ctx context.Context, req *models.Request) (models.ExtData, []error) {
	b.mu.RLock()
	ls := append([]Listener(nil), b.listeners[req.Type]...)
	b.mu.RUnlock()

	updates := models.ExtData{}
	var errs []error
	for _, l := range ls {
		res, err := safeAccept(ctx, l, req.Clone())
		if err != nil {
			errs = append(errs, err)
		}
		if res != nil && res.ExtUpdates != nil {
			updates.Merge(res.ExtUpdates)
		}
	}
	return updates, errs
}

func safeAccept(ctx context.Context, l Listener, req *models.Request) (res *ListenerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.Accept(ctx, req)
}
