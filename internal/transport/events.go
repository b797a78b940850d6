package transport

import "sync"

// observerList is a typed subscription list for one event kind. Values are
// delivered to observers in notify order by a single delivery goroutine, so
// a subscriber never sees two events swapped. Callbacks run outside any
// manager lock and must not block for long.
type observerList[T any] struct {
	mu         sync.Mutex
	next       uint64
	obs        map[uint64]func(T)
	queue      []T
	delivering bool
}

// subscribe adds fn and returns its removal function.
func (l *observerList[T]) subscribe(fn func(T)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.obs == nil {
		l.obs = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.obs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.obs, id)
	}
}

// notify enqueues v for delivery to every current observer. It never blocks
// the caller: the first notify on an idle list starts a delivery goroutine
// that works the queue off in order and exits when it runs dry.
func (l *observerList[T]) notify(v T) {
	l.mu.Lock()
	l.queue = append(l.queue, v)
	if l.delivering {
		l.mu.Unlock()
		return
	}
	l.delivering = true
	l.mu.Unlock()
	go l.deliver()
}

func (l *observerList[T]) deliver() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.delivering = false
			l.mu.Unlock()
			return
		}
		v := l.queue[0]
		l.queue = l.queue[1:]
		snapshot := make([]func(T), 0, len(l.obs))
		for _, fn := range l.obs {
			snapshot = append(snapshot, fn)
		}
		l.mu.Unlock()

		for _, fn := range snapshot {
			fn(v)
		}
	}
}
