package rpc

import (
	"io"
	"sync"
)

// Endpoint is one end of an ordered, bidirectional message channel.
// Send must not block on the peer processing the message. Recv blocks until
// a message arrives and returns io.EOF once the channel is closed and
// drained.
type Endpoint interface {
	Send(m Message) error
	Recv() (Message, error)
	Close() error
}

// Pipe returns the two ends of an in-process channel. Messages are passed
// by value without encoding and queued without bound, so Send never blocks.
func Pipe() (Endpoint, Endpoint) {
	ab, ba := newMailbox(), newMailbox()
	return &pipeEnd{in: ba, out: ab}, &pipeEnd{in: ab, out: ba}
}

type pipeEnd struct {
	in  *mailbox
	out *mailbox
}

func (p *pipeEnd) Send(m Message) error   { return p.out.put(m) }
func (p *pipeEnd) Recv() (Message, error) { return p.in.take() }

// Close shuts both directions; the peer's Recv returns io.EOF once drained.
func (p *pipeEnd) Close() error {
	p.in.close()
	p.out.close()
	return nil
}

type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Message
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (b *mailbox) put(m Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return io.ErrClosedPipe
	}
	b.items = append(b.items, m)
	b.cond.Signal()
	return nil
}

func (b *mailbox) take() (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.items) == 0 {
		return Message{}, io.EOF
	}
	m := b.items[0]
	b.items[0] = Message{}
	b.items = b.items[1:]
	return m, nil
}

func (b *mailbox) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
