// Package dom is a minimal model of a browser tab as seen by content
// scripts: frames with their documents, element trees with shadow roots and
// iframes, and media elements with mute/volume state, volume-change events
// and mutation observers.
//
// Every document belongs to an event [Loop]. All reads and writes of a
// document's nodes must happen on that loop, the way page scripts and
// content scripts share one thread per frame. Same-origin frames of a page
// share a loop; each cross-origin frame has its own.
package dom

import "sync"

// Loop is a single-threaded task queue.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewLoop starts a loop goroutine. Call Close to stop it.
func NewLoop() *Loop {
	l := &Loop{
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case f := <-l.tasks:
			f()
		}
	}
}

// Post queues f to run on the loop and reports whether the loop accepted
// it. It must not be used to wait for f.
func (l *Loop) Post(f func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- f:
		return true
	case <-l.quit:
		return false
	}
}

// Do runs f on the loop and waits for it to finish. It reports false if the
// loop stopped before f ran. Do must not be called from the loop itself.
func (l *Loop) Do(f func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		f()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Close stops the loop after the task that is currently running. Queued
// tasks are discarded. Close is idempotent.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
