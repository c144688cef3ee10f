package broker

import (
	"bytes"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/snowmerak/gateway.go/lib/logging"
	"github.com/snowmerak/gateway.go/lib/message"
)

// run is the dispatch worker. It drains the queue in FIFO order and exits once the
// queue is closed and empty.
func (b *Broker) run() {
	defer close(b.done)
	b.workerID.Store(goroutineID())

	for {
		items, closed := b.queue.take()
		for i := range items {
			b.dispatch(items[i])
			items[i] = delivery{}
		}

		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-b.queue.notify
	}
}

func (b *Broker) dispatch(d delivery) {
	defer func() {
		d.msg.Release()
		b.pending.Add(-1)
	}()

	start := time.Now()
	for _, r := range b.snapshot(d.publisher) {
		b.deliver(r, d.msg)
	}
	b.metrics.Dispatch.Observe(time.Since(start).Seconds())
}

// snapshot computes the recipients of a message from publisher: its link sinks when it
// has any, otherwise every other registered module. Both are in registration order.
func (b *Broker) snapshot(publisher Module) []*registration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var src *registration
	if publisher != nil {
		src = b.modules[publisher]
	}
	if src != nil {
		if sinks := b.sortedSinks(src); len(sinks) > 0 {
			return sinks
		}
	}

	out := make([]*registration, 0, len(b.order))
	for _, r := range b.order {
		if r == src {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (b *Broker) deliver(r *registration, msg *message.Message) {
	b.mu.Lock()
	if r.removed {
		b.mu.Unlock()
		b.metrics.Skipped.Inc()
		return
	}
	done := make(chan struct{})
	b.active, b.activeDone = r, done
	b.mu.Unlock()

	err := b.invoke(r, msg)

	b.mu.Lock()
	b.active, b.activeDone = nil, nil
	b.mu.Unlock()
	close(done)

	if err != nil {
		b.metrics.ReceiveErrors.Inc()
		b.logger.Error("module receive failed", "module", r.name, "id", r.id, "error", err)
		return
	}
	b.metrics.Delivered.Inc()
	b.logger.Log(b.dispatchCtx, logging.LevelTrace, "message delivered", "module", r.name, "id", r.id)
}

func (b *Broker) invoke(r *registration, msg *message.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("receive panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return r.module.Receive(b.dispatchCtx, msg)
}

// goroutineID returns the id of the calling goroutine, read from its stack header
// ("goroutine 42 [running]:"). It returns 0 if the header cannot be parsed.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	id, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
