package mailbox

import (
	"context"
	"sync"
)

// notifier fans out key change signals to in-process watchers.
type notifier struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	done   chan struct{}
	closed bool
}

type subscription struct {
	key string
	ch  chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		subs: make(map[string]map[*subscription]struct{}),
		done: make(chan struct{}),
	}
}

func (n *notifier) subscribe(ctx context.Context, key string) <-chan struct{} {
	sub := &subscription{key: key, ch: make(chan struct{}, 1)}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	if n.subs[key] == nil {
		n.subs[key] = make(map[*subscription]struct{})
	}
	n.subs[key][sub] = struct{}{}
	n.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-n.done:
		}
		n.remove(sub)
	}()
	return sub.ch
}

func (n *notifier) remove(sub *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs, ok := n.subs[sub.key]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(n.subs, sub.key)
	}
	close(sub.ch)
}

func (n *notifier) notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs[key] {
		signal(sub.ch)
	}
}

func (n *notifier) notifyAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, subs := range n.subs {
		for sub := range subs {
			signal(sub.ch)
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.done)
	for key, subs := range n.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(n.subs, key)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
