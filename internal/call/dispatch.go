package call

import (
	"time"

	"serenity/companion/internal/clock"
)

// dispatch runs fn on the call's serial executor. Calls made while another
// function is running, including re-entrant calls from inside it, are queued
// and run in order by the goroutine already draining. All call state is
// touched only from functions run here.
func (o *Orchestrator) dispatch(fn func()) {
	o.qmu.Lock()
	o.pending = append(o.pending, fn)
	if o.draining {
		o.qmu.Unlock()
		return
	}
	o.draining = true
	o.qmu.Unlock()

	for {
		o.qmu.Lock()
		if len(o.pending) == 0 {
			o.draining = false
			o.qmu.Unlock()
			return
		}
		next := o.pending[0]
		o.pending[0] = nil
		o.pending = o.pending[1:]
		o.qmu.Unlock()

		next()
		o.publish()
	}
}

// guarded wraps fn so that it is dispatched and dropped if the call
// generation changed since guarded was called. Must be called from the
// executor.
func (o *Orchestrator) guarded(fn func()) func() {
	g := guardedWith(o, func(struct{}) { fn() })
	return func() { g(struct{}{}) }
}

// guardedWith is guarded for callbacks that carry a value. The returned
// function may be called from any goroutine.
func guardedWith[T any](o *Orchestrator, fn func(T)) func(T) {
	gen := o.gen
	return func(v T) {
		o.dispatch(func() {
			if o.gen != gen {
				metricStaleCallbacks.Inc()
				return
			}
			fn(v)
		})
	}
}

// serialClock schedules callbacks onto the executor under the generation
// guard. Stop is honored even when the underlying timer already fired and
// its callback is still queued.
type serialClock struct {
	o    *Orchestrator
	base clock.Clock
}

func (c serialClock) Now() time.Time { return c.base.Now() }

func (c serialClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	t := &serialTimer{}
	run := c.o.guarded(func() {
		if t.stopped {
			return
		}
		t.fired = true
		fn()
	})
	t.base = c.base.AfterFunc(d, run)
	return t
}

type serialTimer struct {
	base    clock.Timer
	stopped bool
	fired   bool
}

func (t *serialTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.base.Stop()
	return true
}
