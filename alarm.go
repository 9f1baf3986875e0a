package alljoyn

import (
	"sync"
	"time"
)

// replyTimer tracks one deadline per outstanding call serial with a single
// goroutine that sleeps until the earliest deadline. Set and cancel poke a
// buffered(1) notify channel so bursts coalesce into one recalculation.
// Expired serials are handed to the expire callback outside the lock.
type replyTimer struct {
	mu        sync.Mutex
	deadlines map[uint32]time.Time

	expire   func(serial uint32)
	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newReplyTimer(expire func(serial uint32)) *replyTimer {
	t := &replyTimer{
		deadlines: make(map[uint32]time.Time),
		expire:    expire,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *replyTimer) run() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		dur, any := t.timeUntilNext()
		if any {
			timer.Reset(dur)
		} else {
			// No deadlines — park until poked.
			timer.Reset(time.Hour)
		}

		select {
		case <-t.done:
			timer.Stop()
			return
		case <-t.notify:
			timer.Stop()
			// Drain if it fired between stop and select.
			select {
			case <-timer.C:
			default:
			}
		case <-timer.C:
			t.fireDue()
		}
	}
}

func (t *replyTimer) stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *replyTimer) set(serial uint32, deadline time.Time) {
	t.mu.Lock()
	t.deadlines[serial] = deadline
	t.mu.Unlock()
	t.poke()
}

// cancel removes the deadline, reporting whether it was still armed.
func (t *replyTimer) cancel(serial uint32) bool {
	t.mu.Lock()
	_, ok := t.deadlines[serial]
	if ok {
		delete(t.deadlines, serial)
	}
	t.mu.Unlock()
	if ok {
		t.poke()
	}
	return ok
}

func (t *replyTimer) rekey(oldSerial, newSerial uint32) {
	t.mu.Lock()
	if d, ok := t.deadlines[oldSerial]; ok {
		delete(t.deadlines, oldSerial)
		t.deadlines[newSerial] = d
	}
	t.mu.Unlock()
}

func (t *replyTimer) poke() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *replyTimer) timeUntilNext() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.deadlines) == 0 {
		return 0, false
	}
	var earliest time.Time
	for _, d := range t.deadlines {
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	dur := time.Until(earliest)
	if dur < 0 {
		dur = 0
	}
	return dur, true
}

func (t *replyTimer) fireDue() {
	now := time.Now()
	var due []uint32
	t.mu.Lock()
	for serial, d := range t.deadlines {
		if !d.After(now) {
			delete(t.deadlines, serial)
			due = append(due, serial)
		}
	}
	t.mu.Unlock()

	for _, serial := range due {
		t.expire(serial)
	}
}
