// Package moduletest provides a recording broker for module tests.
package moduletest

import (
	"context"
	"sync"
	"time"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/message"
)

// Published is one message captured by Broker.
type Published struct {
	Publisher broker.Module
	Message   *message.Message
}

// Broker records every published message. It satisfies module.Broker.
type Broker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	messages []Published
	// Err, when set, is returned from Publish instead of recording.
	Err error
}

// NewBroker creates an empty recording broker.
func NewBroker() *Broker {
	b := &Broker{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish keeps a clone of msg.
func (b *Broker) Publish(publisher broker.Module, msg *message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	clone, err := msg.Clone()
	if err != nil {
		return err
	}
	b.messages = append(b.messages, Published{Publisher: publisher, Message: clone})
	b.cond.Broadcast()
	return nil
}

// Messages returns everything published so far.
func (b *Broker) Messages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.messages...)
}

// Wait blocks until at least n messages were published or timeout passes, and returns
// what was published.
func (b *Broker) Wait(n int, timeout time.Duration) []Published {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.messages) < n && ctx.Err() == nil {
		b.cond.Wait()
	}
	return append([]Published(nil), b.messages...)
}

// Release drops every recorded clone.
func (b *Broker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.messages {
		p.Message.Release()
	}
	b.messages = nil
}
