package services

import "sync"

// TicketLocks 按工单ID的互斥锁，引用计数归零后回收
type TicketLocks struct {
	mu    sync.Mutex
	locks map[uint]*ticketLock
}

type ticketLock struct {
	mu   sync.Mutex
	refs int
}

func NewTicketLocks() *TicketLocks {
	return &TicketLocks{locks: make(map[uint]*ticketLock)}
}

// Lock blocks until the ticket's lock is held and returns its release func.
func (l *TicketLocks) Lock(ticketID uint) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[ticketID]
	if !ok {
		entry = &ticketLock{}
		l.locks[ticketID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, ticketID)
			}
			l.mu.Unlock()
		})
	}
}

// held returns the number of tickets with a live lock entry.
func (l *TicketLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// CancelRegistry 工单关闭时的协作式取消信号
type CancelRegistry struct {
	mu    sync.Mutex
	chans map[uint]*cancelSignal
}

type cancelSignal struct {
	ch     chan struct{}
	closed bool
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{chans: make(map[uint]*cancelSignal)}
}

func (r *CancelRegistry) signal(ticketID uint) *cancelSignal {
	sig, ok := r.chans[ticketID]
	if !ok {
		sig = &cancelSignal{ch: make(chan struct{})}
		r.chans[ticketID] = sig
	}
	return sig
}

// Done returns a channel closed once cancellation is requested for the ticket.
func (r *CancelRegistry) Done(ticketID uint) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signal(ticketID).ch
}

// Request signals cancellation. Safe to call repeatedly.
func (r *CancelRegistry) Request(ticketID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig := r.signal(ticketID)
	if !sig.closed {
		close(sig.ch)
		sig.closed = true
	}
}

// Cancelled reports whether cancellation was requested and not yet cleared.
func (r *CancelRegistry) Cancelled(ticketID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.chans[ticketID]
	return ok && sig.closed
}

// Release drops an unsignalled entry when its watcher is done with it.
func (r *CancelRegistry) Release(ticketID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sig, ok := r.chans[ticketID]; ok && !sig.closed {
		delete(r.chans, ticketID)
	}
}

// Clear drops the ticket's signal once the close has been recorded.
func (r *CancelRegistry) Clear(ticketID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chans, ticketID)
}
