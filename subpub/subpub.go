// Package subpub is a small in-process fan-out used to push chat-list
// updates to streaming subscribers. Publishing never blocks: a subscriber
// that falls behind its buffer is disconnected rather than slowing the
// publisher down.
package subpub

import (
	"context"
	"sync"
)

const subscriberBuffer = 10

type SubPub[K any] struct {
	mu          sync.Mutex
	subscribers []*subscriber[K]
}

type subscriber[K any] struct {
	ch     chan K
	ctx    context.Context
	cancel context.CancelFunc
}

func New[K any]() *SubPub[K] {
	return &SubPub[K]{}
}

// Subscribe registers an interest in future messages, bounded by the
// provided context. The returned function blocks until the next message and
// reports false once the subscription is done.
func (sp *SubPub[K]) Subscribe(ctx context.Context) func() (K, bool) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber[K]{
		ch:     make(chan K, subscriberBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}

	sp.mu.Lock()
	sp.subscribers = append(sp.subscribers, sub)
	sp.mu.Unlock()

	return func() (K, bool) {
		select {
		case msg, ok := <-sub.ch:
			if !ok {
				var zero K
				return zero, false
			}
			return msg, true
		case <-subCtx.Done():
			// Drain anything already buffered before reporting done.
			select {
			case msg, ok := <-sub.ch:
				if ok {
					return msg, true
				}
			default:
			}
			var zero K
			return zero, false
		}
	}
}

// Publish delivers message to every live subscriber. Subscribers with a full
// buffer are disconnected.
func (sp *SubPub[K]) Publish(message K) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	remaining := sp.subscribers[:0]
	for _, sub := range sp.subscribers {
		select {
		case <-sub.ctx.Done():
			close(sub.ch)
			continue
		default:
		}

		select {
		case sub.ch <- message:
			remaining = append(remaining, sub)
		default:
			// Subscriber is behind, cut it loose.
			close(sub.ch)
			sub.cancel()
		}
	}
	sp.subscribers = remaining
}
