package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
)

// Pool coordinates the lifecycle of a bounded set of reusable, multi-
// capacity connections shared by many concurrent callers. See the package
// doc for the concurrency discipline; see Config for the admission
// budgets.
type Pool struct {
	cfg       Config
	connector Connector

	exec executor

	selector Selector

	slots map[int64]*slot
	queue *list.List // FIFO of *waiter, state == waiterQueued

	// idleList orders slots that are currently fully recycled (capacity
	// == maxCapacity), most-recently-recycled first. Evict walks it front
	// to back, which is what gives eviction its "reverse of most-recent
	// recycle" ordering.
	idleList *list.List

	nextSlotID   int64
	nextWaiterID int64

	liveSlots   int // count of slots in slotConnecting or slotAvailable
	totalWeight int

	closed bool
}

// New creates a Pool. The connector is used for every connect attempt the
// pool makes; it must not be nil.
func New(cfg Config, connector Connector) *Pool {
	return &Pool{
		cfg:       cfg,
		connector: connector,
		selector:  DefaultSelector,
		slots:     make(map[int64]*slot),
		queue:     list.New(),
		idleList:  list.New(),
	}
}

// ConnectionSelector installs sel as the policy used to pick a slot for
// the next waiter whenever more than one has free capacity. Passing nil
// restores DefaultSelector.
func (p *Pool) ConnectionSelector(sel Selector) {
	if sel == nil {
		sel = DefaultSelector
	}

	p.exec.submit(func() {
		p.selector = sel
	})
}

// Acquire requests weight units of capacity on some connection. callback
// is invoked at most once, off the executor, with either a Lease or an
// error (ErrPoolClosed, ErrPoolTooBusy, ErrInvalidWeight, or a cause
// propagated from the Connector). It is not invoked for a waiter removed
// by Cancel, nor for one whose connect attempt is still in flight when
// Close runs.
func (p *Pool) Acquire(ctx context.Context, weight int, callback func(*Lease, error)) *Waiter {
	return p.acquire(ctx, weight, nil, callback)
}

// AcquireWithListener is Acquire plus an EventListener notified of this
// waiter's enqueue/connect lifecycle events.
func (p *Pool) AcquireWithListener(
	ctx context.Context, weight int, listener *EventListener, callback func(*Lease, error),
) *Waiter {
	return p.acquire(ctx, weight, listener, callback)
}

func (p *Pool) acquire(
	ctx context.Context, weight int, listener *EventListener, callback func(*Lease, error),
) *Waiter {
	if weight < 1 || (p.cfg.MaxWeight > 0 && weight > p.cfg.MaxWeight) {
		go callback(nil, ErrInvalidWeight) //nolint:errcheck

		return nil
	}

	w := &waiter{
		ctx:      ctx,
		weight:   weight,
		callback: callback,
		listener: listener,
		state:    waiterQueued,
	}
	handle := &Waiter{w: w}

	p.exec.submit(func() {
		p.doAcquire(w)
	})

	return handle
}

func (p *Pool) doAcquire(w *waiter) {
	if p.closed {
		p.complete(w, nil, ErrPoolClosed)

		return
	}

	if s := p.selectSlot(w.weight); s != nil {
		p.bind(s, w)

		return
	}

	if p.totalWeight+w.weight <= p.cfg.MaxWeight && p.liveSlots < p.cfg.MaxSize {
		p.startConnect(w)

		return
	}

	if p.queue.Len() < p.cfg.MaxWaiters {
		p.enqueue(w)

		return
	}

	p.complete(w, nil, ErrPoolTooBusy)
}

// selectSlot runs the installed Selector (or DefaultSelector) over every
// Available slot with free capacity and returns the chosen slot, or nil.
func (p *Pool) selectSlot(weight int) *slot {
	candidates := make([]Candidate, 0, len(p.slots))

	for _, s := range p.slots {
		if s.state == slotAvailable && s.capacity > 0 {
			candidates = append(candidates, candidateOf(s))
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	// p.slots is a map; iteration order above is randomized. Sort by slot
	// id (assigned in creation order) so DefaultSelector's first-fit is
	// actually deterministic, as its doc comment promises.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].slotID < candidates[j].slotID })

	chosen := p.selector(weight, candidates)
	if chosen == nil {
		return nil
	}

	s, ok := p.slots[chosen.slotID]
	if !ok || s.state != slotAvailable || s.capacity < weight {
		return nil
	}

	return s
}

// bind hands one unit of an Available slot's capacity to w and completes
// its acquire callback with a Lease.
func (p *Pool) bind(s *slot, w *waiter) {
	s.capacity--
	p.syncIdle(s)

	lease := &Lease{pool: p, slotID: s.id, conn: s.conn}
	w.state = waiterCompleted

	p.complete(w, lease, nil)
}

// startConnect opens a new slot in Connecting state and asks the Connector
// to fill it, provisionally charging the waiter's weight against the
// budget until the attempt settles.
func (p *Pool) startConnect(w *waiter) {
	p.nextSlotID++
	p.nextWaiterID++
	w.id = p.nextWaiterID
	s := &slot{
		id:       p.nextSlotID,
		ctx:      w.ctx,
		weight:   w.weight,
		state:    slotConnecting,
		waiterID: w.id,
	}

	p.slots[s.id] = s
	p.liveSlots++
	p.totalWeight += w.weight

	w.state = waiterConnecting
	w.slotID = s.id

	if w.listener != nil && w.listener.OnConnect != nil {
		go w.listener.OnConnect()
	}

	connCtx := w.ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc

		connCtx, cancel = context.WithTimeout(connCtx, p.cfg.ConnectTimeout)

		_ = cancel // the connector owns connCtx's lifetime; cancel fires on timeout regardless.
	}

	listener := &connListener{pool: p, slotID: s.id}
	slotID := s.id

	p.connector.Connect(connCtx, listener, func(result ConnectResult, err error) {
		p.exec.submit(func() {
			p.onConnectDone(slotID, w, result, err)
		})
	})
}

func (p *Pool) onConnectDone(slotID int64, w *waiter, result ConnectResult, err error) {
	s, ok := p.slots[slotID]
	if !ok || s.state != slotConnecting {
		// The slot was dropped while the connect attempt was in flight.
		// After Close no callback fires; otherwise the slot was removed
		// through its Listener, and the bound waiter fails here.
		if !p.closed {
			if err == nil {
				err = errors.New("slot removed while connecting") //nolint:err113
			}

			p.complete(w, nil, fmt.Errorf("connect failed: %w", err))
		}

		return
	}

	if err != nil {
		p.totalWeight -= s.weight
		p.liveSlots--
		delete(p.slots, slotID)

		p.complete(w, nil, fmt.Errorf("connect failed: %w", err))
		p.drainAfterFreedBudget()

		return
	}

	s.conn = result.Conn
	s.maxCapacity = result.MaxCapacity
	s.capacity = result.MaxCapacity
	p.totalWeight += result.Weight - s.weight
	s.weight = result.Weight
	s.state = slotAvailable

	p.bind(s, w)
	p.drainQueueForSlot(s)
}

func (p *Pool) enqueue(w *waiter) {
	w.state = waiterQueued
	w.queueElem = p.queue.PushBack(w)

	if w.listener != nil && w.listener.OnEnqueue != nil {
		go w.listener.OnEnqueue()
	}
}

// drainQueueForSlot services queued waiters, strictly in FIFO order, from
// s's remaining capacity. It stops at the first waiter whose weight
// exceeds what's left, preserving FIFO ordering rather than letting a
// smaller waiter further back jump the queue.
func (p *Pool) drainQueueForSlot(s *slot) {
	for s.state == slotAvailable && s.capacity > 0 {
		front := p.queue.Front()
		if front == nil {
			return
		}

		w, _ := front.Value.(*waiter)
		if w.weight > s.capacity {
			return
		}

		p.queue.Remove(front)
		w.queueElem = nil

		p.bind(s, w)
	}
}

// drainAfterFreedBudget is called when a connect failure or slot removal
// frees weight budget. If a waiter is queued and the budget (and slot
// count) now permit it, start a new connect attempt for it, strictly
// FIFO.
func (p *Pool) drainAfterFreedBudget() {
	front := p.queue.Front()
	if front == nil {
		return
	}

	w, _ := front.Value.(*waiter)
	if p.totalWeight+w.weight > p.cfg.MaxWeight || p.liveSlots >= p.cfg.MaxSize {
		return
	}

	p.queue.Remove(front)
	w.queueElem = nil

	p.startConnect(w)
}

// doRecycle returns one unit of capacity to slotID's slot, if it still
// exists and is Available, then re-drains the queue against it.
func (p *Pool) doRecycle(slotID int64) {
	s, ok := p.slots[slotID]
	if !ok || s.state != slotAvailable {
		return
	}

	if s.capacity < s.maxCapacity {
		s.capacity++
	}

	p.syncIdle(s)
	p.drainQueueForSlot(s)
}

// syncIdle keeps s's membership in idleList consistent with whether it is
// currently fully recycled (no outstanding leases).
func (p *Pool) syncIdle(s *slot) {
	full := s.state == slotAvailable && s.capacity == s.maxCapacity

	switch {
	case full && s.idleElem == nil:
		s.idleElem = p.idleList.PushFront(s.id)
	case !full && s.idleElem != nil:
		p.idleList.Remove(s.idleElem)
		s.idleElem = nil
	}
}

// connListener is the Listener handed to the Connector for one slot's
// lifetime; it re-enters the pool through the executor for every event.
type connListener struct {
	pool   *Pool
	slotID int64
}

func (l *connListener) OnRemove() {
	l.pool.exec.submit(func() {
		l.pool.doRemove(l.slotID)
	})
}

func (l *connListener) OnConcurrencyChange(newMaxCapacity int) {
	l.pool.exec.submit(func() {
		l.pool.doConcurrencyChange(l.slotID, newMaxCapacity)
	})
}

func (p *Pool) doRemove(slotID int64) {
	s, ok := p.slots[slotID]
	if !ok || s.state == slotRemoved {
		return
	}

	s.state = slotRemoved
	p.totalWeight -= s.weight
	p.liveSlots--

	if s.idleElem != nil {
		p.idleList.Remove(s.idleElem)
		s.idleElem = nil
	}

	delete(p.slots, slotID)

	// A waiter bound to a slot that was still connecting is failed when the
	// connector's callback for that attempt arrives (see onConnectDone).
	p.drainAfterFreedBudget()
}

// doConcurrencyChange adjusts a slot's reported capacity, preserving the
// invariant that outstanding leases (maxCapacity - capacity) never exceeds
// the new maxCapacity.
func (p *Pool) doConcurrencyChange(slotID int64, newMax int) {
	s, ok := p.slots[slotID]
	if !ok || s.state != slotAvailable {
		return
	}

	outstanding := s.maxCapacity - s.capacity
	s.maxCapacity = newMax

	if outstanding >= newMax {
		s.capacity = 0
	} else {
		s.capacity = newMax - outstanding
	}

	p.syncIdle(s)
	p.drainQueueForSlot(s)
}

// Evict atomically scans Available slots (never Connecting) and removes
// those whose connection satisfies predicate and which currently have no
// outstanding leases, returning the evicted connections ordered
// most-recently-recycled first.
func (p *Pool) Evict(predicate func(conn interface{}) bool, callback func([]interface{}, error)) {
	p.exec.submit(func() {
		if p.closed {
			go callback(nil, ErrPoolClosed) //nolint:errcheck

			return
		}

		var evicted []interface{}

		for e := p.idleList.Front(); e != nil; {
			next := e.Next()

			id, _ := e.Value.(int64)

			s, ok := p.slots[id]
			if !ok {
				p.idleList.Remove(e)
				e = next

				continue
			}

			if !predicate(s.conn) {
				e = next

				continue
			}

			evicted = append(evicted, s.conn)

			p.idleList.Remove(e)
			s.idleElem = nil
			s.state = slotRemoved
			p.totalWeight -= s.weight
			p.liveSlots--
			delete(p.slots, id)

			e = next
		}

		go callback(evicted, nil) //nolint:errcheck
	})
}

// Cancel attempts to cancel a still-queued acquisition. callback receives
// true if the waiter was queued and has now been removed (its original
// acquire callback will never fire); false if it had already started
// connecting or already completed.
func (p *Pool) Cancel(h *Waiter, callback func(bool, error)) {
	if h == nil || h.w == nil {
		go callback(false, nil) //nolint:errcheck

		return
	}

	w := h.w

	p.exec.submit(func() {
		if p.closed {
			go callback(false, ErrPoolClosed) //nolint:errcheck

			return
		}

		if w.state != waiterQueued {
			go callback(false, nil) //nolint:errcheck

			return
		}

		p.queue.Remove(w.queueElem)
		w.queueElem = nil
		w.state = waiterCancelled

		go callback(true, nil) //nolint:errcheck
	})
}

// Close transitions the pool to closed. Every queued waiter fails with
// ErrPoolClosed. callback receives one entry per slot the pool currently
// knows about, both Available and still-Connecting (a Connecting slot has
// no connection yet and is reported as a nil entry; the pool does not wait
// for in-flight connects before reporting them). After Close, size(),
// weight(), and waiters() all report zero, and every further Acquire,
// Evict, Cancel and Close fails with ErrPoolClosed. Recycling a lease
// after Close returns nil and has no effect.
func (p *Pool) Close(callback func([]interface{}, error)) {
	p.exec.submit(func() {
		if p.closed {
			go callback(nil, ErrPoolClosed) //nolint:errcheck

			return
		}

		conns := make([]interface{}, 0, len(p.slots))

		for _, s := range p.slots {
			if s.state == slotAvailable || s.state == slotConnecting {
				conns = append(conns, s.conn)
			}
		}

		for e := p.queue.Front(); e != nil; e = e.Next() {
			w, _ := e.Value.(*waiter)
			w.queueElem = nil

			p.complete(w, nil, ErrPoolClosed)
		}

		p.queue.Init()
		p.idleList.Init()
		p.slots = make(map[int64]*slot)
		p.totalWeight = 0
		p.liveSlots = 0
		p.closed = true

		go callback(conns, nil) //nolint:errcheck
	})
}

// complete marks w completed and dispatches its acquire callback off the
// executor, on its own goroutine, so user code can never re-enter a
// mutation in progress.
func (p *Pool) complete(w *waiter, lease *Lease, err error) {
	w.state = waiterCompleted
	cb := w.callback

	go cb(lease, err) //nolint:errcheck
}

// Size returns the number of Available slots. It blocks briefly on the
// executor to read a consistent snapshot.
func (p *Pool) Size() int {
	return p.query(func() int { return p.size() })
}

// Weight returns the sum of slot weights over Connecting and Available
// slots.
func (p *Pool) Weight() int {
	return p.query(func() int { return p.totalWeight })
}

// Waiters returns the number of currently queued waiters.
func (p *Pool) Waiters() int {
	return p.query(func() int { return p.queue.Len() })
}

func (p *Pool) size() int {
	n := 0

	for _, s := range p.slots {
		if s.state == slotAvailable {
			n++
		}
	}

	return n
}

// query runs fn on the executor and returns its result, blocking the
// calling goroutine only on a channel handoff (never on pool internals
// directly), so observers never need their own lock.
func (p *Pool) query(fn func() int) int {
	result := make(chan int, 1)

	p.exec.submit(func() {
		result <- fn()
	})

	return <-result
}
