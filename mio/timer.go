package mio

import (
	"time"

	"github.com/caffix/queue"
)

// TimeoutFunc is a timer callback. A non-zero return from an immediate
// callback signals reactor teardown (see Reactor.Run); timed callbacks'
// return value is ignored, matching spec §4.1's dispatch-loop algorithm.
type TimeoutFunc func(data1, data2 interface{}) int

// timeoutRecord is the C1 timeout record: callback, two opaque data
// references, deadline (timed only), and registration time. Exactly one
// invocation unless cancelled.
type timeoutRecord struct {
	id       uint64
	fn       TimeoutFunc
	data1    interface{}
	data2    interface{}
	deadline time.Duration // absolute ms since the timed queue's init_time; unused by the immediate queue
	created  time.Time
}

// immediateQueue is C1's "fire on next reactor tick" queue. It is a plain
// FIFO rather than the priority queue.AppendPriority pattern the timed
// queue uses, because every entry fires on the very next Run() call
// regardless of registration order weight.
type immediateQueue struct {
	q      queue.Queue
	nextID uint64
}

func newImmediateQueue() *immediateQueue {
	return &immediateQueue{q: queue.NewQueue()}
}

func (iq *immediateQueue) add(fn TimeoutFunc, d1, d2 interface{}) uint64 {
	iq.nextID++
	rec := &timeoutRecord{id: iq.nextID, fn: fn, data1: d1, data2: d2, created: time.Now()}
	iq.q.Append(rec)
	return rec.id
}

func (iq *immediateQueue) cancel(id uint64) {
	var keep []interface{}
	iq.q.Process(func(data interface{}) {
		if rec, ok := data.(*timeoutRecord); ok && rec.id != id {
			keep = append(keep, rec)
		}
	})
	for _, k := range keep {
		iq.q.Append(k)
	}
}

func (iq *immediateQueue) empty() bool {
	return iq.q.Empty()
}

// drain runs every currently queued callback in order. It stops and returns
// false the instant a callback returns non-zero, per spec §4.1 step 1
// ("if any callback returns non-zero, stop immediately").
func (iq *immediateQueue) drain() (continueLoop bool) {
	var pending []*timeoutRecord
	iq.q.Process(func(data interface{}) {
		if rec, ok := data.(*timeoutRecord); ok {
			pending = append(pending, rec)
		}
	})

	for i, rec := range pending {
		if rec.fn(rec.data1, rec.data2) != 0 {
			for _, rest := range pending[i+1:] {
				iq.q.Append(rest)
			}
			return false
		}
	}
	return true
}

// timedQueue is C1's absolute-deadline queue. Priority is milliseconds
// since initTime, rebased hourly to stay within the 32-bit range
// caffix/queue's priority ordering assumes.
type timedQueue struct {
	q        queue.Queue
	nextID   uint64
	initTime time.Time
	lastRebase time.Time
}

func newTimedQueue(now time.Time) *timedQueue {
	return &timedQueue{q: queue.NewQueue(), initTime: now, lastRebase: now}
}

func (tq *timedQueue) msSince(t time.Time) int64 {
	return t.Sub(tq.initTime).Milliseconds()
}

func (tq *timedQueue) add(fn TimeoutFunc, d1, d2 interface{}, deadline time.Time) uint64 {
	tq.nextID++
	rec := &timeoutRecord{
		id:       tq.nextID,
		fn:       fn,
		data1:    d1,
		data2:    d2,
		deadline: time.Duration(tq.msSince(deadline)) * time.Millisecond,
		created:  time.Now(),
	}
	tq.q.AppendPriority(rec, tq.msSince(deadline))
	return rec.id
}

func (tq *timedQueue) cancel(id uint64) {
	var keep []interface{}
	var priorities []int
	tq.q.Process(func(data interface{}) {
		if rec, ok := data.(*timeoutRecord); ok && rec.id != id {
			keep = append(keep, rec)
			priorities = append(priorities, int(rec.deadline/time.Millisecond))
		}
	})
	for i, k := range keep {
		tq.q.AppendPriority(k, priorities[i])
	}
}

// rebaseIfNeeded shifts every pending entry's stored priority when wall
// clock has advanced more than an hour since the last rebase, keeping
// priorities within caffix/queue's int range per spec §4.1 step 3.
func (tq *timedQueue) rebaseIfNeeded(now time.Time) {
	if now.Sub(tq.lastRebase) <= time.Hour {
		return
	}
	deltaMS := int(now.Sub(tq.lastRebase).Milliseconds())

	var entries []*timeoutRecord
	tq.q.Process(func(data interface{}) {
		if rec, ok := data.(*timeoutRecord); ok {
			entries = append(entries, rec)
		}
	})
	for _, rec := range entries {
		rec.deadline -= time.Duration(deltaMS) * time.Millisecond
		tq.q.AppendPriority(rec, int(rec.deadline/time.Millisecond))
	}
	tq.lastRebase = now
	tq.initTime = tq.initTime.Add(time.Duration(deltaMS) * time.Millisecond)
}

// nextDeadline reports the earliest pending deadline, if any.
func (tq *timedQueue) nextDeadline() (time.Duration, bool) {
	data, ok := tq.q.Next()
	if !ok {
		return 0, false
	}
	rec, ok := data.(*timeoutRecord)
	if !ok {
		return 0, false
	}
	tq.q.AppendPriority(rec, int(rec.deadline/time.Millisecond))
	return rec.deadline, true
}

// drainElapsed fires every entry whose deadline has passed relative to now.
func (tq *timedQueue) drainElapsed(now time.Time) {
	nowMS := time.Duration(tq.msSince(now)) * time.Millisecond

	var remaining []*timeoutRecord
	var fire []*timeoutRecord
	tq.q.Process(func(data interface{}) {
		rec, ok := data.(*timeoutRecord)
		if !ok {
			return
		}
		if rec.deadline <= nowMS {
			fire = append(fire, rec)
		} else {
			remaining = append(remaining, rec)
		}
	})
	for _, rec := range remaining {
		tq.q.AppendPriority(rec, int(rec.deadline/time.Millisecond))
	}
	for _, rec := range fire {
		rec.fn(rec.data1, rec.data2)
	}
}

// runEarly fires rec synchronously and removes it, per run_timeout_early.
func (tq *timedQueue) runEarly(id uint64) {
	var keep []*timeoutRecord
	var target *timeoutRecord
	tq.q.Process(func(data interface{}) {
		rec, ok := data.(*timeoutRecord)
		if !ok {
			return
		}
		if rec.id == id {
			target = rec
		} else {
			keep = append(keep, rec)
		}
	})
	for _, rec := range keep {
		tq.q.AppendPriority(rec, int(rec.deadline/time.Millisecond))
	}
	if target != nil {
		target.fn(target.data1, target.data2)
	}
}
