package bus

import "sync"

// Mailbox is a bounded FIFO queue that never blocks the producer.
// When full, Put evicts the oldest undelivered item to make room.
type Mailbox[T any] struct {
	mu     sync.Mutex
	notify chan struct{}
	buf    []T
	head   int
	size   int
	closed bool

	dropped uint64
}

// NewMailbox creates a mailbox holding at most capacity items.
func NewMailbox[T any](capacity int) *Mailbox[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox[T]{
		notify: make(chan struct{}, 1),
		buf:    make([]T, capacity),
	}
}

// Put appends v. It reports whether an older item was evicted, and returns
// false for ok if the mailbox is closed.
func (m *Mailbox[T]) Put(v T) (evicted, ok bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, false
	}
	if m.size == len(m.buf) {
		var zero T
		m.buf[m.head] = zero
		m.head = (m.head + 1) % len(m.buf)
		m.size--
		m.dropped++
		evicted = true
	}
	m.buf[(m.head+m.size)%len(m.buf)] = v
	m.size++
	select {
	case m.notify <- struct{}{}:
	default:
	}
	m.mu.Unlock()
	return evicted, true
}

// Get blocks until an item is available or done is closed. The second
// result is false once the mailbox is closed and drained, or done fired.
func (m *Mailbox[T]) Get(done <-chan struct{}) (T, bool) {
	for {
		m.mu.Lock()
		if m.size > 0 {
			v := m.buf[m.head]
			var zero T
			m.buf[m.head] = zero
			m.head = (m.head + 1) % len(m.buf)
			m.size--
			m.mu.Unlock()
			return v, true
		}
		closed := m.closed
		m.mu.Unlock()

		var zero T
		if closed {
			return zero, false
		}
		select {
		case <-m.notify:
		case <-done:
			return zero, false
		}
	}
}

// Close stops accepting items. Items already queued can still be drained.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.notify)
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Dropped returns how many items were evicted on overflow.
func (m *Mailbox[T]) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
