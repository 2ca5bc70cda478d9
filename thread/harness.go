package thread

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RunAll spawns each of fns as its own kernel thread, lets the scheduler
// run them to completion, and returns the first panic recovered from
// any of them (nil if all returned normally). It exists so multi-thread
// test setups don't need to hand-write a per-thread recover-and-report
// wrapper plus a Join loop.
//
// The completion signals are collected concurrently via errgroup — safe
// because each signal is a plain buffered channel read, untouched by
// the kernel's own baton-passing state. Reclaiming each thread's table
// slot, however, must still happen through sequential Kernel.Join calls
// on the caller's own thread identity; Join is not safe to call from
// more than one goroutine at a time (spec §12).
func RunAll(kern *Kernel, fns ...func(args ...any)) error {
	done := make([]chan error, len(fns))
	for i, fn := range fns {
		i, fn := i, fn
		done[i] = make(chan error, 1)
		kern.Spawn(fmt.Sprintf("runall-%d", i), func(args ...any) {
			done[i] <- runRecovered(i, fn)
		})
	}

	var g errgroup.Group
	for i := range fns {
		i := i
		g.Go(func() error {
			return <-done[i]
		})
	}

	for range fns {
		kern.Join(0)
	}
	return g.Wait()
}

func runRecovered(i int, fn func(args ...any)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("thread %d panicked: %v", i, r)
		}
	}()
	fn()
	return nil
}
