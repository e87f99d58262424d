package browserpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrel-labs/rendercore/internal/config"
	"github.com/kestrel-labs/rendercore/internal/types"
)

// newTestInstance builds a healthy Instance that is never backed by a real
// browser process. Tests using it must stay away from healthTick and
// Shutdown, both of which reach into Instance.Browser.
func newTestInstance(id string) *Instance {
	inst := &Instance{ID: id, createdAt: time.Now()}
	inst.healthy.Store(true)
	inst.touch()
	return inst
}

// newTestPool builds a pool seeded with the given instances. maxBrowsers is
// pinned to the seeded count so tryAcquireLocked can never launch a real
// browser process from inside a unit test.
func newTestPool(maxContexts int, insts ...*Instance) *Pool {
	p := New(&config.Config{
		PoolMinBrowsers:           0,
		PoolMaxBrowsers:           len(insts),
		PoolMaxContextsPerBrowser: maxContexts,
		HealthCheckInterval:       time.Hour,
		BrowserIdleTimeout:        time.Hour,
	})
	p.instances = append(p.instances, insts...)
	return p
}

func newQueuedPending(deadline time.Time) *pendingAcquisition {
	return &pendingAcquisition{result: make(chan acquireOutcome, 1), deadline: deadline}
}

func TestTryAcquireRespectsPerBrowserCap(t *testing.T) {
	inst := newTestInstance("b-1")
	p := newTestPool(2, inst)

	if got := p.tryAcquireLocked(); got != inst {
		t.Fatalf("first acquire should return the seeded instance, got %v", got)
	}
	if got := p.tryAcquireLocked(); got != inst {
		t.Fatalf("second acquire should still fit under the cap, got %v", got)
	}
	if got := p.tryAcquireLocked(); got != nil {
		t.Fatalf("third acquire should find no capacity, got %v", got)
	}

	status := p.Status()
	if status.LeasedContexts != 2 {
		t.Errorf("expected 2 leased contexts, got %d", status.LeasedContexts)
	}
	if status.Instances != 1 {
		t.Errorf("expected 1 instance, got %d", status.Instances)
	}
}

func TestTryAcquireSkipsUnhealthyInstances(t *testing.T) {
	sick := newTestInstance("b-sick")
	sick.healthy.Store(false)
	p := newTestPool(5, sick)

	if got := p.tryAcquireLocked(); got != nil {
		t.Fatalf("unhealthy instance must never be leased, got %v", got)
	}
}

func TestReleaseSaturatesAtZero(t *testing.T) {
	inst := newTestInstance("b-1")
	p := newTestPool(1, inst)

	if p.tryAcquireLocked() != inst {
		t.Fatal("expected to lease the seeded instance")
	}
	p.Release(inst)
	if got := inst.leaseCount.Load(); got != 0 {
		t.Fatalf("lease count should return to 0 after release, got %d", got)
	}

	// A second release of the same lease is a programming error but must
	// not drive the count negative.
	p.Release(inst)
	if got := inst.leaseCount.Load(); got != 0 {
		t.Fatalf("double release must saturate at 0, got %d", got)
	}
}

func TestProcessQueueServesFIFO(t *testing.T) {
	inst := newTestInstance("b-1")
	p := newTestPool(1, inst)

	if p.tryAcquireLocked() != inst {
		t.Fatal("expected to lease the seeded instance")
	}

	deadline := time.Now().Add(time.Minute)
	first := newQueuedPending(deadline)
	second := newQueuedPending(deadline)
	p.mu.Lock()
	p.queue = append(p.queue, first, second)
	p.mu.Unlock()

	// Release frees the only slot and must hand it to the queue head.
	p.Release(inst)

	select {
	case outcome := <-first.result:
		if outcome.err != nil {
			t.Fatalf("queue head should receive the freed lease, got error %v", outcome.err)
		}
		if outcome.instance != inst {
			t.Fatalf("queue head received wrong instance: %v", outcome.instance)
		}
	default:
		t.Fatal("queue head was not satisfied after release")
	}

	select {
	case outcome := <-second.result:
		t.Fatalf("second waiter should still be queued, got %+v", outcome)
	default:
	}

	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	if queued != 1 {
		t.Errorf("expected exactly the second waiter to remain queued, got %d", queued)
	}
}

func TestProcessQueueDropsExpiredHead(t *testing.T) {
	inst := newTestInstance("b-1")
	p := newTestPool(1, inst)

	expired := newQueuedPending(time.Now().Add(-time.Second))
	live := newQueuedPending(time.Now().Add(time.Minute))
	p.mu.Lock()
	p.queue = append(p.queue, expired, live)
	p.mu.Unlock()

	p.processQueue()

	select {
	case outcome := <-expired.result:
		if !errors.Is(outcome.err, types.ErrAcquireTimeout) {
			t.Fatalf("expired waiter should fail with ErrAcquireTimeout, got %v", outcome.err)
		}
	default:
		t.Fatal("expired waiter was not failed")
	}

	select {
	case outcome := <-live.result:
		if outcome.instance != inst {
			t.Fatalf("live waiter should receive the free instance, got %+v", outcome)
		}
	default:
		t.Fatal("live waiter behind the expired head was not served")
	}
}

func TestProcessQueueReturnsLeaseWhenWaiterAlreadyCancelled(t *testing.T) {
	inst := newTestInstance("b-1")
	p := newTestPool(1, inst)

	pend := newQueuedPending(time.Now().Add(time.Minute))
	if !pend.tryCancel() {
		t.Fatal("fresh pending should be cancellable")
	}
	p.mu.Lock()
	p.queue = append(p.queue, pend)
	p.mu.Unlock()

	p.processQueue()

	// The lease briefly claimed for the cancelled waiter must flow back.
	if got := inst.leaseCount.Load(); got != 0 {
		t.Fatalf("lease for a cancelled waiter must be returned, count=%d", got)
	}
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	if queued != 0 {
		t.Errorf("cancelled waiter should be removed from the queue, %d left", queued)
	}
}

func TestPendingStateTransitionsAreOneWay(t *testing.T) {
	pend := newQueuedPending(time.Now().Add(time.Minute))

	if !pend.tryClaim() {
		t.Fatal("first claim should win")
	}
	if pend.tryClaim() {
		t.Error("second claim must lose")
	}
	if pend.tryCancel() {
		t.Error("cancel after claim must lose")
	}

	other := newQueuedPending(time.Now().Add(time.Minute))
	if !other.tryCancel() {
		t.Fatal("first cancel should win")
	}
	if other.tryClaim() {
		t.Error("claim after cancel must lose")
	}
}

func TestAcquireTimesOutWhenPoolIsFull(t *testing.T) {
	// No instances and maxBrowsers=0: nothing can ever be leased or
	// launched, so Acquire must queue and then time out.
	p := newTestPool(1)
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	inst, err := p.Acquire(ctx)
	if inst != nil {
		t.Fatalf("expected no instance from an empty pool, got %v", inst)
	}
	if !errors.Is(err, types.ErrAcquireTimeout) && !errors.Is(err, types.ErrAcquireCancelled) {
		t.Fatalf("expected an acquisition timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("acquire should respect the caller's deadline, took %v", elapsed)
	}
}

func TestAcquireFailsImmediatelyDuringShutdown(t *testing.T) {
	p := newTestPool(1)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of an empty pool should succeed, got %v", err)
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, types.ErrPoolShuttingDown) {
		t.Fatalf("acquire during shutdown should fail fast, got %v", err)
	}
}

func TestShutdownDrainsQueuedAcquisitions(t *testing.T) {
	p := newTestPool(1)

	pend := newQueuedPending(time.Now().Add(time.Minute))
	p.mu.Lock()
	p.queue = append(p.queue, pend)
	p.mu.Unlock()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown should succeed, got %v", err)
	}

	select {
	case outcome := <-pend.result:
		if !errors.Is(outcome.err, types.ErrPoolShuttingDown) {
			t.Fatalf("queued waiter should be failed with ErrPoolShuttingDown, got %v", outcome.err)
		}
	default:
		t.Fatal("queued waiter was not drained on shutdown")
	}

	status := p.Status()
	if status.QueuedAcquisitions != 0 {
		t.Errorf("queue should be empty after shutdown, got %d", status.QueuedAcquisitions)
	}

	// Shutdown is idempotent.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown should be a no-op, got %v", err)
	}
}

func TestStatusReportsLeasesAndQueue(t *testing.T) {
	a := newTestInstance("b-1")
	b := newTestInstance("b-2")
	p := newTestPool(3, a, b)

	p.tryAcquireLocked()
	p.tryAcquireLocked()

	p.mu.Lock()
	p.queue = append(p.queue, newQueuedPending(time.Now().Add(time.Minute)))
	p.mu.Unlock()

	status := p.Status()
	if status.Instances != 2 {
		t.Errorf("expected 2 instances, got %d", status.Instances)
	}
	if status.LeasedContexts != 2 {
		t.Errorf("expected 2 leased contexts, got %d", status.LeasedContexts)
	}
	if status.QueuedAcquisitions != 1 {
		t.Errorf("expected 1 queued acquisition, got %d", status.QueuedAcquisitions)
	}
	if status.MaxContextsPerBrowser != 3 {
		t.Errorf("expected max contexts 3, got %d", status.MaxContextsPerBrowser)
	}
	if status.HealthyInstances != 2 {
		t.Errorf("expected 2 healthy instances, got %d", status.HealthyInstances)
	}
	// Both leases land on the first instance (capacity 3), leaving 1+3 slots;
	// maxBrowsers equals the seeded count, so nothing more can launch.
	if status.AvailableSlots != 4 {
		t.Errorf("expected 4 available slots, got %d", status.AvailableSlots)
	}
}
