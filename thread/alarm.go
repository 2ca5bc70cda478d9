package thread

// alarmEntry is one node of the kernel's global sleep list, kept sorted
// ascending by wake time (spec §3 "Alarm" invariant).
type alarmEntry struct {
	cond *Cond
	wake uint64
	next *alarmEntry
}

// Alarm lets a thread sleep for a tick count and be woken by Kernel.Tick
// (which stands in for the timer ISR; spec §12).
type Alarm struct {
	k    *Kernel
	cond *Cond
}

// NewAlarm creates an alarm bound to this kernel.
func (k *Kernel) NewAlarm() *Alarm {
	return &Alarm{k: k, cond: k.NewCond("alarm")}
}

// Reset is a no-op placeholder matching spec's alarm_init/reset naming;
// an Alarm carries no state between sleeps beyond its condition, so there
// is nothing to clear.
func (a *Alarm) Reset() {}

// Sleep adds tcnt to the current virtual time (saturating at the 64-bit
// max) and blocks until that time elapses via Kernel.Tick.
func (a *Alarm) Sleep(tcnt uint64) {
	k := a.k
	self := k.Current()

	k.kmu.Lock()
	wake := k.now + tcnt
	if wake < k.now {
		wake = ^uint64(0)
	}
	k.insertSleepLocked(&alarmEntry{cond: a.cond, wake: wake})
	self.state = Waiting
	self.elem = a.cond.waiters.PushBack(self)
	k.resumeNextLocked()
	self.block()
}

// insertSleepLocked inserts e into the sorted sleep list; kmu must be
// held by the caller.
func (k *Kernel) insertSleepLocked(e *alarmEntry) {
	if k.sleepHead == nil || e.wake < k.sleepHead.wake {
		e.next = k.sleepHead
		k.sleepHead = e
		return
	}
	cur := k.sleepHead
	for cur.next != nil && cur.next.wake <= e.wake {
		cur = cur.next
	}
	e.next = cur.next
	cur.next = e
}
