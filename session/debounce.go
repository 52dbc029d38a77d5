package session

import (
	"sync"
	"time"
)

// refreshDebouncer coalesces bursts of schema-refresh requests into one
// actual refresh per interval, with an immediate-refresh escape hatch for
// callers waiting on schema agreement. Ported from the debounced-refresh
// idiom used by the reference driver this package is modeled on.
type refreshDebouncer struct {
	broadcaster  *errorBroadcaster
	timer        *time.Timer
	refreshNowCh chan struct{}
	quit         chan struct{}
	refreshFn    func() error
	interval     time.Duration
	mu           sync.Mutex
	stopped      bool
}

func newRefreshDebouncer(interval time.Duration, refreshFn func() error) *refreshDebouncer {
	d := &refreshDebouncer{
		refreshNowCh: make(chan struct{}, 1),
		quit:         make(chan struct{}),
		interval:     interval,
		timer:        time.NewTimer(interval),
		refreshFn:    refreshFn,
	}
	d.timer.Stop()
	go d.flusher()
	return d
}

// debounce requests a refresh; bursts within interval coalesce into one.
func (d *refreshDebouncer) debounce() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.timer.Reset(d.interval)
}

// refreshNow requests an immediate refresh and returns a channel that
// receives the resulting error once the flush completes.
func (d *refreshDebouncer) refreshNow() <-chan error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broadcaster == nil {
		d.broadcaster = newErrorBroadcaster()
		select {
		case d.refreshNowCh <- struct{}{}:
		default:
		}
	}
	return d.broadcaster.newListener()
}

func (d *refreshDebouncer) flusher() {
	for {
		select {
		case <-d.refreshNowCh:
		case <-d.timer.C:
		case <-d.quit:
		}
		d.mu.Lock()
		if d.stopped {
			if d.broadcaster != nil {
				d.broadcaster.stop()
				d.broadcaster = nil
			}
			d.timer.Stop()
			d.mu.Unlock()
			return
		}

		select {
		case <-d.refreshNowCh:
		default:
		}
		d.timer.Stop()
		select {
		case <-d.timer.C:
		default:
		}

		cur := d.broadcaster
		d.broadcaster = nil
		d.mu.Unlock()

		err := d.refreshFn()
		if cur != nil {
			cur.broadcast(err)
		}
	}
}

func (d *refreshDebouncer) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.quit <- struct{}{}
	close(d.quit)
}

type errorBroadcaster struct {
	listeners []chan<- error
	mu        sync.Mutex
}

func newErrorBroadcaster() *errorBroadcaster { return &errorBroadcaster{} }

func (b *errorBroadcaster) newListener() <-chan error {
	ch := make(chan error, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, ch)
	return ch
}

func (b *errorBroadcaster) broadcast(err error) {
	b.mu.Lock()
	cur := b.listeners
	b.listeners = nil
	b.mu.Unlock()
	for _, l := range cur {
		l <- err
		close(l)
	}
}

func (b *errorBroadcaster) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.listeners {
		close(l)
	}
	b.listeners = nil
}
