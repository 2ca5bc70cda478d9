package thread

import "container/list"

// Cond is a FIFO condition variable (spec §3 "Condition"). A thread on a
// condition's wait list is Waiting and on no other list.
type Cond struct {
	Name    string
	k       *Kernel
	waiters *list.List
}

// NewCond creates a condition owned by this kernel.
func (k *Kernel) NewCond(name string) *Cond {
	k.kmu.Lock()
	defer k.kmu.Unlock()
	return k.newCondLocked(name)
}

func (k *Kernel) newCondLocked(name string) *Cond {
	return &Cond{Name: name, k: k, waiters: list.New()}
}

// Wait suspends the calling thread on c until a broadcast. The caller
// must be the currently running thread (spec §4.3 invariant).
func (c *Cond) Wait() {
	k := c.k
	self := k.Current()
	k.kmu.Lock()
	if self != k.current {
		panic("thread: condition_wait called by a thread that is not running")
	}
	self.state = Waiting
	self.elem = c.waiters.PushBack(self)
	k.resumeNextLocked()
	self.block()
}

// Broadcast moves every waiter on c to the ready list (spec: no wake-one
// primitive is required; broadcast splices the whole list).
func (c *Cond) Broadcast() {
	k := c.k
	k.kmu.Lock()
	defer k.kmu.Unlock()
	k.broadcastLocked(c)
}

func (k *Kernel) broadcastLocked(c *Cond) {
	for e := c.waiters.Front(); e != nil; e = c.waiters.Front() {
		c.waiters.Remove(e)
		t := e.Value.(*Thread)
		t.state = Ready
		t.elem = k.ready.PushBack(t)
	}
}

// Lock is a recursive mutex with strict ownership (spec §3 "Lock").
// Acquiring a lock you already own increments a recursion count instead
// of blocking; releasing by a non-owner is a programming error.
type Lock struct {
	k        *Kernel
	released *Cond
	owner    *Thread
	count    int
}

// NewLock creates a lock owned by this kernel.
func (k *Kernel) NewLock(name string) *Lock {
	return &Lock{k: k, released: k.NewCond(name + "_released")}
}

// Acquire takes the lock, blocking if another thread holds it.
// Re-acquiring a lock already held by the calling thread just bumps the
// recursion count.
func (l *Lock) Acquire() {
	k := l.k
	self := k.Current()
	for {
		k.kmu.Lock()
		if l.owner == nil || l.owner == self {
			l.owner = self
			l.count++
			if l.count == 1 {
				self.locksHeld = append(self.locksHeld, l)
			}
			k.kmu.Unlock()
			return
		}
		k.kmu.Unlock()
		l.released.Wait()
	}
}

// Release drops one level of recursion; when the count reaches zero the
// lock is unlinked from the owner's held-locks list and released.Broadcast
// wakes the next waiter in FIFO order (spec §5(c): no starvation).
func (l *Lock) Release() {
	k := l.k
	self := k.Current()
	k.kmu.Lock()
	if l.owner != self {
		k.kmu.Unlock()
		panic("thread: release of a lock not held by the calling thread")
	}
	l.count--
	l.unlinkIfFreeLocked(self)
	k.kmu.Unlock()
}

// unlinkIfFreeLocked clears ownership and wakes the next waiter once the
// recursion count has reached zero; kmu must be held by the caller.
func (l *Lock) unlinkIfFreeLocked(self *Thread) {
	if l.count > 0 {
		return
	}
	l.owner = nil
	for i, held := range self.locksHeld {
		if held == l {
			self.locksHeld = append(self.locksHeld[:i], self.locksHeld[i+1:]...)
			break
		}
	}
	l.k.broadcastLocked(l.released)
}

// forceReleaseLocked fully drops this thread's ownership regardless of
// recursion depth. Used only by thread exit (spec §4.3): an exiting
// thread must release every lock it holds outright, not one recursion
// level at a time.
func (l *Lock) forceReleaseLocked(self *Thread) {
	l.count = 0
	l.unlinkIfFreeLocked(self)
}
