package alljoyn

import (
	"log/slog"
	"sync"
	"time"
)

// dispatcher runs the endpoint's worker pool. Inbound messages queue on a
// bounded channel and a fixed set of workers drains it; each worker
// registers its goroutine id so the endpoint can recognize calls made from
// inside a handler and take the reentrant fast path instead of re-queuing.
//
// Besides messages, the dispatcher owns a coalesced work flag for object
// registration callbacks. Any number of triggers collapse into one wakeup,
// and one worker then drains the pending callbacks off the message path,
// so an application that registers an object and immediately gets traffic
// for it is not holding up that traffic inside the notification.
type dispatcher struct {
	queue chan *Message
	wake  chan struct{}
	done  chan struct{}

	process func(*Message)

	workMu           sync.Mutex
	needRegistration bool
	registrationWork func()

	idMu      sync.RWMutex
	workerIDs map[uint64]struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopping sync.RWMutex
	stopped  bool
}

func newDispatcher(workers, queueDepth int, process func(*Message)) *dispatcher {
	d := &dispatcher{
		queue:     make(chan *Message, queueDepth),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		process:   process,
		workerIDs: make(map[uint64]struct{}),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *dispatcher) worker() {
	defer d.wg.Done()

	id := goid()
	d.idMu.Lock()
	d.workerIDs[id] = struct{}{}
	d.idMu.Unlock()
	defer func() {
		d.idMu.Lock()
		delete(d.workerIDs, id)
		d.idMu.Unlock()
	}()

	for {
		select {
		case msg := <-d.queue:
			d.process(msg)
		case <-d.wake:
			d.drainPendingWork()
		case <-d.done:
			return
		}
	}
}

// isDispatchGoroutine reports whether the current goroutine is one of the
// pool's workers.
func (d *dispatcher) isDispatchGoroutine() bool {
	d.idMu.RLock()
	_, ok := d.workerIDs[goid()]
	d.idMu.RUnlock()
	return ok
}

// push queues a message for a worker. Fails with ErrBusStopping once stop
// has begun.
func (d *dispatcher) push(msg *Message) error {
	d.stopping.RLock()
	stopped := d.stopped
	d.stopping.RUnlock()
	if stopped {
		return ErrBusStopping
	}
	select {
	case d.queue <- msg:
		return nil
	case <-d.done:
		return ErrBusStopping
	}
}

func (d *dispatcher) triggerRegistrationWork(work func()) {
	d.workMu.Lock()
	d.registrationWork = work
	d.needRegistration = true
	d.workMu.Unlock()
	d.poke()
}

func (d *dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// drainPendingWork runs flagged work until no flags remain.
func (d *dispatcher) drainPendingWork() {
	for {
		d.workMu.Lock()
		registration := d.needRegistration
		registrationFn := d.registrationWork
		d.needRegistration = false
		d.workMu.Unlock()

		if !registration {
			return
		}
		if registrationFn != nil {
			registrationFn()
		}
	}
}

// stop refuses new pushes, waits up to drainTimeout for the queue to
// empty, then releases the workers.
func (d *dispatcher) stop(drainTimeout time.Duration) {
	d.stopOnce.Do(func() {
		d.stopping.Lock()
		d.stopped = true
		d.stopping.Unlock()

		deadline := time.Now().Add(drainTimeout)
		ticker := time.NewTicker(10 * time.Millisecond)
		for len(d.queue) > 0 {
			if time.Now().After(deadline) {
				slog.Warn("dispatcher: drain timeout, dropping queued messages",
					"remaining", len(d.queue))
				break
			}
			<-ticker.C
		}
		ticker.Stop()

		close(d.done)
		d.wg.Wait()
	})
}
