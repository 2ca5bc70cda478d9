package thread

import (
	"testing"

	"riscvkern/defs"
)

// yieldRoundRobinSplit spawns k threads that together perform exactly n
// Yield calls, a shared counter telling each one when the budget is
// spent, and returns how many calls each thread made. Reads and writes
// of the shared state are safe without a mutex: the scheduler only ever
// runs one thread's Go code at a time, and each handoff goes through a
// channel send/receive pair that establishes happens-before (spec §8).
func yieldRoundRobinSplit(t *testing.T, k, n int) []int {
	t.Helper()
	kern := NewKernel()
	counts := make([]int, k)
	remaining := n
	for i := 0; i < k; i++ {
		i := i
		if _, err := kern.Spawn("worker", func(args ...any) {
			for remaining > 0 {
				remaining--
				counts[i]++
				kern.Yield()
			}
		}); err != 0 {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	for i := 0; i < k; i++ {
		if _, err := kern.Join(0); err != 0 {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	return counts
}

// Round-robin fairness (spec §8): after N rounds of yield among k ready
// threads, each has run exactly N/k times when N divides evenly.
func TestYieldRoundRobinFairness(t *testing.T) {
	const k, n = 4, 100
	counts := yieldRoundRobinSplit(t, k, n)
	for i, c := range counts {
		if c != n/k {
			t.Fatalf("thread %d ran %d times, want exactly %d", i, c, n/k)
		}
	}
}

func TestYieldRoundRobinUnevenSplit(t *testing.T) {
	const k, n = 3, 10 // not a multiple of k: counts must be floor or ceil
	counts := yieldRoundRobinSplit(t, k, n)
	lo, hi := n/k, (n+k-1)/k
	total := 0
	for _, c := range counts {
		if c < lo || c > hi {
			t.Fatalf("count %d outside [%d,%d]", c, lo, hi)
		}
		total += c
	}
	if total != n {
		t.Fatalf("total runs = %d, want %d", total, n)
	}
}

func TestLockRecursiveAcquireRelease(t *testing.T) {
	kern := NewKernel()
	l := kern.NewLock("l")

	l.Acquire()
	l.Acquire() // recursive: same thread, count becomes 2
	if l.count != 2 {
		t.Fatalf("recursion count = %d, want 2", l.count)
	}
	l.Release()
	if l.owner == nil {
		t.Fatal("lock released too early")
	}
	l.Release()
	if l.owner != nil {
		t.Fatal("lock should be free after matching releases")
	}
}

func TestLockHandsOffFIFO(t *testing.T) {
	kern := NewKernel()
	l := kern.NewLock("l")
	order := make(chan int, 3)

	l.Acquire()
	for i := 1; i <= 3; i++ {
		i := i
		kern.Spawn("waiter", func(args ...any) {
			l.Acquire()
			order <- i
			l.Release()
		})
	}
	// Let each waiter reach Acquire and block.
	kern.Yield()
	l.Release()
	for i := 0; i < 3; i++ {
		kern.Join(0)
	}
	close(order)
	i := 1
	for got := range order {
		if got != i {
			t.Fatalf("waiter order = %d, want %d (FIFO)", got, i)
		}
		i++
	}
}

func TestCondBroadcastMovesEveryWaiterToReady(t *testing.T) {
	kern := NewKernel()
	c := kern.NewCond("c")
	reached := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		kern.Spawn("waiter", func(args ...any) {
			c.Wait()
			reached <- struct{}{}
		})
	}
	kern.Yield() // let all three reach Wait and block

	kern.kmu.Lock()
	waiting := c.waiters.Len()
	kern.kmu.Unlock()
	if waiting != 3 {
		t.Fatalf("expected 3 waiters parked on c, got %d", waiting)
	}

	c.Broadcast()
	for i := 0; i < 3; i++ {
		kern.Join(0)
	}
	if len(reached) != 3 {
		t.Fatalf("expected all 3 waiters to resume, got %d", len(reached))
	}
}

func TestAlarmSleepWakesOnTick(t *testing.T) {
	kern := NewKernel()
	a := kern.NewAlarm()
	woke := make(chan struct{}, 1)

	kern.Spawn("sleeper", func(args ...any) {
		a.Sleep(100)
		woke <- struct{}{}
	})
	kern.Yield() // let the sleeper register its alarm and block

	kern.Tick(50)
	select {
	case <-woke:
		t.Fatal("sleeper woke before its wake time elapsed")
	default:
	}

	kern.Tick(50)
	kern.Join(0)
	select {
	case <-woke:
	default:
		t.Fatal("sleeper did not wake after its wake time elapsed")
	}
}

func TestExitReleasesHeldLocksAndBroadcastsParent(t *testing.T) {
	kern := NewKernel()
	l := kern.NewLock("l")

	kern.Spawn("holder", func(args ...any) {
		l.Acquire()
		// exits still holding l
	})
	tid, err := kern.Join(0)
	if err != 0 || tid == 0 {
		t.Fatalf("join: tid=%d err=%v", tid, err)
	}
	if l.owner != nil {
		t.Fatal("exiting thread must release locks it still held")
	}
}

func TestJoinReparentsGrandchildren(t *testing.T) {
	kern := NewKernel()
	var grandchild defs.Tid_t

	kern.Spawn("child", func(args ...any) {
		gc, _ := kern.Spawn("grandchild", func(args ...any) {
			kern.Yield()
		})
		grandchild = gc
		// child exits immediately without joining the grandchild
	})
	if _, err := kern.Join(0); err != 0 {
		t.Fatalf("join child: %v", err)
	}
	kern.kmu.Lock()
	gc := kern.table[grandchild]
	kern.kmu.Unlock()
	if gc == nil {
		t.Fatal("grandchild slot reclaimed unexpectedly")
	}
	if gc.parent != kern.main {
		t.Fatalf("grandchild should be reparented to main, got %v", gc.parent)
	}
	kern.Yield() // let the orphaned grandchild finish
	kern.Join(grandchild)
}
