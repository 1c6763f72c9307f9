package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golift.io/leasepool/pool"
)

// fakeConn is the opaque connection value handed back through every
// fakeConnector attempt in these tests.
type fakeConn struct {
	id int
}

// fakeConnector is a scriptable pool.Connector. Each call to Connect
// reports either a failure (when fail is set) or a weight-1 success with a
// fresh fakeConn and maxCapacity, and optionally blocks until released,
// letting tests control exactly when a connect attempt settles.
type fakeConnector struct {
	mu       sync.Mutex
	nextID   int
	attempts int

	// hold, if non-nil, returns a channel that the test closes to release
	// a blocked Connect call. When nil, Connect completes immediately.
	hold func() <-chan struct{}

	// fail, if true, makes every attempt fail.
	fail bool

	// maxCapacity is reported on every successful attempt; defaults to 1.
	maxCapacity int
}

func (c *fakeConnector) Connect(_ context.Context, _ pool.Listener, callback func(pool.ConnectResult, error)) {
	c.mu.Lock()
	c.attempts++
	c.nextID++
	id := c.nextID
	fail := c.fail
	maxCap := c.maxCapacity
	hold := c.hold
	c.mu.Unlock()

	if maxCap == 0 {
		maxCap = 1
	}

	run := func() {
		if fail {
			callback(pool.ConnectResult{}, errors.New("dial failed")) //nolint:err113

			return
		}

		callback(pool.ConnectResult{Conn: &fakeConn{id: id}, MaxCapacity: maxCap, Weight: 1}, nil)
	}

	if hold != nil {
		go func() {
			<-hold()
			run()
		}()

		return
	}

	run()
}

func (c *fakeConnector) IsValid(conn interface{}) bool {
	_, ok := conn.(*fakeConn)

	return ok
}

func acquireSync(t *testing.T, p *pool.Pool, weight int) (*pool.Lease, error) {
	t.Helper()

	type result struct {
		lease *pool.Lease
		err   error
	}

	done := make(chan result, 1)
	p.Acquire(context.Background(), weight, func(l *pool.Lease, err error) {
		done <- result{l, err}
	})

	select {
	case r := <-done:
		return r.lease, r.err
	case <-time.After(time.Second):
		t.Fatal("acquire did not complete in time")

		return nil, nil
	}
}

func TestAcquireOpensNewSlot(t *testing.T) {
	connector := &fakeConnector{}
	p := pool.New(pool.Config{MaxSize: 2, MaxWeight: 2, MaxWaiters: 2}, connector)

	lease, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if lease.Conn().(*fakeConn) == nil {
		t.Fatal("expected a connection")
	}

	if got := p.Size(); got != 1 {
		t.Fatalf("size = %d, want 1", got)
	}
}

func TestRecycleReusesSlot(t *testing.T) {
	connector := &fakeConnector{}
	p := pool.New(pool.Config{MaxSize: 1, MaxWeight: 1, MaxWaiters: 2}, connector)

	lease, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	first := lease.Conn().(*fakeConn)

	if err := lease.Recycle(); err != nil {
		t.Fatalf("recycle: %v", err)
	}

	lease2, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	if lease2.Conn().(*fakeConn) != first {
		t.Fatal("expected the recycled connection to be reused")
	}
}

func TestDoubleRecycleFails(t *testing.T) {
	connector := &fakeConnector{}
	p := pool.New(pool.Config{MaxSize: 1, MaxWeight: 1, MaxWaiters: 1}, connector)

	lease, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := lease.Recycle(); err != nil {
		t.Fatalf("first recycle: %v", err)
	}

	if err := lease.Recycle(); !errors.Is(err, pool.ErrInvalidRecycle) {
		t.Fatalf("second recycle = %v, want ErrInvalidRecycle", err)
	}
}

func TestTooBusyWhenQueueFull(t *testing.T) {
	connector := &fakeConnector{hold: func() <-chan struct{} { return make(chan struct{}) }}
	p := pool.New(pool.Config{MaxSize: 1, MaxWeight: 1, MaxWaiters: 0}, connector)

	// First acquire starts a connect attempt that never settles, consuming
	// the entire budget.
	p.Acquire(context.Background(), 1, func(*pool.Lease, error) {})

	// Give the executor a moment to process the first submit.
	waitForSize(t, p, func() bool { return p.Weight() == 1 })

	_, err := acquireSync(t, p, 1)
	if !errors.Is(err, pool.ErrPoolTooBusy) {
		t.Fatalf("second acquire = %v, want ErrPoolTooBusy", err)
	}
}

func TestInvalidWeightRejectedSynchronously(t *testing.T) {
	connector := &fakeConnector{}
	p := pool.New(pool.Config{MaxSize: 1, MaxWeight: 1, MaxWaiters: 1}, connector)

	_, err := acquireSync(t, p, 0)
	if !errors.Is(err, pool.ErrInvalidWeight) {
		t.Fatalf("acquire(0) = %v, want ErrInvalidWeight", err)
	}

	_, err = acquireSync(t, p, 2)
	if !errors.Is(err, pool.ErrInvalidWeight) {
		t.Fatalf("acquire(2) with MaxWeight=1 = %v, want ErrInvalidWeight", err)
	}
}

func TestQueueDrainsFIFOOnRecycle(t *testing.T) {
	connector := &fakeConnector{}
	p := pool.New(pool.Config{MaxSize: 1, MaxWeight: 1, MaxWaiters: 2}, connector)

	lease, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan int, 2)

	p.Acquire(context.Background(), 1, func(l *pool.Lease, err error) {
		if err == nil {
			order <- 1

			l.Recycle() //nolint:errcheck
		}
	})
	p.Acquire(context.Background(), 1, func(l *pool.Lease, err error) {
		if err == nil {
			order <- 2

			l.Recycle() //nolint:errcheck
		}
	})

	waitForSize(t, p, func() bool { return p.Waiters() == 2 })

	if err := lease.Recycle(); err != nil {
		t.Fatalf("recycle: %v", err)
	}

	first := <-order
	second := <-order

	if first != 1 || second != 2 {
		t.Fatalf("drain order = %d, %d, want 1, 2 (FIFO)", first, second)
	}
}

func TestCancelRemovesQueuedWaiter(t *testing.T) {
	connector := &fakeConnector{hold: func() <-chan struct{} { return make(chan struct{}) }}
	p := pool.New(pool.Config{MaxSize: 1, MaxWeight: 1, MaxWaiters: 1}, connector)

	p.Acquire(context.Background(), 1, func(*pool.Lease, error) {})
	waitForSize(t, p, func() bool { return p.Weight() == 1 })

	fired := false
	handle := p.Acquire(context.Background(), 1, func(*pool.Lease, error) {
		fired = true
	})

	waitForSize(t, p, func() bool { return p.Waiters() == 1 })

	cancelled := make(chan bool, 1)
	p.Cancel(handle, func(ok bool, err error) {
		if err != nil {
			t.Errorf("cancel err: %v", err)
		}

		cancelled <- ok
	})

	if !<-cancelled {
		t.Fatal("expected cancel to succeed on a still-queued waiter")
	}

	if fired {
		t.Fatal("cancelled waiter's callback must never fire")
	}
}

func TestEvictOrdersMostRecentlyRecycledFirst(t *testing.T) {
	connector := &fakeConnector{}
	p := pool.New(pool.Config{MaxSize: 3, MaxWeight: 3, MaxWaiters: 3}, connector)

	leases := make([]*pool.Lease, 3)

	for i := range leases {
		lease, err := acquireSync(t, p, 1)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}

		leases[i] = lease
	}

	// Recycle in order 1, then 2, then 0: most-recently-recycled is 0.
	leases[1].Recycle() //nolint:errcheck
	leases[2].Recycle() //nolint:errcheck
	leases[0].Recycle() //nolint:errcheck

	waitForSize(t, p, func() bool { return p.Size() == 3 })

	done := make(chan []interface{}, 1)
	p.Evict(func(interface{}) bool { return true }, func(conns []interface{}, err error) {
		if err != nil {
			t.Errorf("evict err: %v", err)
		}

		done <- conns
	})

	got := <-done
	if len(got) != 3 {
		t.Fatalf("evicted %d connections, want 3", len(got))
	}

	want := []*fakeConn{leases[0].Conn().(*fakeConn), leases[2].Conn().(*fakeConn), leases[1].Conn().(*fakeConn)}
	for i, conn := range got {
		if conn.(*fakeConn) != want[i] {
			t.Fatalf("evict order[%d] = %v, want %v", i, conn, want[i])
		}
	}
}

func TestCloseReportsConnectingAndAvailableThenZeroesCounters(t *testing.T) {
	released := make(chan struct{})
	connector := &fakeConnector{}
	p := pool.New(pool.Config{MaxSize: 2, MaxWeight: 2, MaxWaiters: 2}, connector)

	// The first attempt settles at once, leaving one Available slot; the
	// second is held, so its slot is still Connecting when Close runs.
	if _, err := acquireSync(t, p, 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	connector.mu.Lock()
	connector.hold = func() <-chan struct{} { return released }
	connector.mu.Unlock()

	closeErr := make(chan error, 1)
	p.Acquire(context.Background(), 1, func(_ *pool.Lease, err error) {
		closeErr <- err
	})
	waitForSize(t, p, func() bool { return p.Weight() == 2 })

	done := make(chan []interface{}, 1)
	p.Close(func(conns []interface{}, err error) {
		if err != nil {
			t.Errorf("close err: %v", err)
		}

		done <- conns
	})

	conns := <-done
	if len(conns) != 2 {
		t.Fatalf("close reported %d connections, want 2 (one available, one connecting)", len(conns))
	}

	if got := p.Size(); got != 0 {
		t.Fatalf("size after close = %d, want 0", got)
	}

	if got := p.Weight(); got != 0 {
		t.Fatalf("weight after close = %d, want 0", got)
	}

	close(released)

	_, err := acquireSync(t, p, 1)
	if !errors.Is(err, pool.ErrPoolClosed) {
		t.Fatalf("acquire after close = %v, want ErrPoolClosed", err)
	}
}

func TestConnectFailurePropagatesAndFreesBudget(t *testing.T) {
	connector := &fakeConnector{fail: true}
	p := pool.New(pool.Config{MaxSize: 1, MaxWeight: 1, MaxWaiters: 1}, connector)

	_, err := acquireSync(t, p, 1)
	if err == nil {
		t.Fatal("expected connect failure to propagate")
	}

	if got := p.Weight(); got != 0 {
		t.Fatalf("weight after failed connect = %d, want 0", got)
	}
}

func TestMultiplexedSlotServesMultipleLeasesWithoutNewConnect(t *testing.T) {
	connector := &fakeConnector{maxCapacity: 2}
	p := pool.New(pool.Config{MaxSize: 1, MaxWeight: 1, MaxWaiters: 2}, connector)

	lease1, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	lease2, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	if lease1.Conn().(*fakeConn) != lease2.Conn().(*fakeConn) {
		t.Fatal("expected both leases to share the single multiplexed slot")
	}

	if connector.attempts != 1 {
		t.Fatalf("connect attempts = %d, want 1", connector.attempts)
	}
}

func TestConnectionSelectorOverridesDefault(t *testing.T) {
	connector := &fakeConnector{maxCapacity: 1}
	p := pool.New(pool.Config{MaxSize: 2, MaxWeight: 2, MaxWaiters: 2}, connector)

	lease1, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	lease2, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	lease1.Recycle() //nolint:errcheck
	lease2.Recycle() //nolint:errcheck

	waitForSize(t, p, func() bool { return p.Size() == 2 })

	// Always pick the last candidate. Candidates arrive in slot creation
	// order, so this picks lease2's slot where DefaultSelector would pick
	// lease1's.
	p.ConnectionSelector(func(weight int, candidates []pool.Candidate) *pool.Candidate {
		if len(candidates) == 0 {
			return nil
		}

		return &candidates[len(candidates)-1]
	})

	lease3, err := acquireSync(t, p, 1)
	if err != nil {
		t.Fatalf("acquire 3: %v", err)
	}

	if lease3.Conn().(*fakeConn) != lease2.Conn().(*fakeConn) {
		t.Fatal("expected the overridden selector's pick (the second slot)")
	}
}

func waitForSize(t *testing.T, p *pool.Pool, ready func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)

	for time.Now().Before(deadline) {
		if ready() {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("condition not met in time")
}
