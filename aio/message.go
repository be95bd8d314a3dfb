package aio

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/log"
)

var ErrMailboxFull = errors.New("message queue full")

const DefaultMailboxDepth = 32

type packet struct {
	from abi.TaskID
	msg  abi.Message
}

type mailbox struct {
	queue   []packet
	readers []OpID
}

// MessageProvider delivers messages between tasks. A read operation
// completes with the sender's id once a message has been copied into its
// buffer.
type MessageProvider struct {
	Registry *Registry
	L        hclog.Logger
	Depth    int

	mu    sync.Mutex
	boxes map[abi.TaskID]*mailbox
}

func NewMessageProvider(capacity int, w Waker) *MessageProvider {
	return &MessageProvider{
		Registry: NewRegistry("message", capacity, w),
		L:        log.Named("aio.message"),
		Depth:    DefaultMailboxDepth,
		boxes:    make(map[abi.TaskID]*mailbox),
	}
}

func (p *MessageProvider) box(t abi.TaskID) *mailbox {
	b, ok := p.boxes[t]
	if !ok {
		b = &mailbox{}
		p.boxes[t] = b
	}

	return b
}

func (p *MessageProvider) AddOp(index uint32, op Op) (OpID, error) {
	if op.Kind != KindMessage {
		return 0, errors.Wrapf(ErrUnsupportedOp, "message provider: %s", op.Kind)
	}

	if len(op.Buf) < abi.MessageSize {
		return 0, errors.Wrapf(abi.ErrShortMessage, "message read buffer %d bytes", len(op.Buf))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.Registry.AddOp(index, op)
	if err != nil {
		return 0, err
	}

	b := p.box(op.Requester)

	if len(b.queue) == 0 {
		b.readers = append(b.readers, id)
		return id, nil
	}

	pkt := b.queue[0]
	b.queue = b.queue[1:]

	p.deliver(id, op.Buf, pkt)

	return id, nil
}

// deliver copies pkt into a reader's buffer and completes the read. It
// runs under p.mu so Drop cannot cancel the reader in between.
func (p *MessageProvider) deliver(id OpID, buf []byte, pkt packet) {
	pkt.msg.Put(buf)

	err := p.Registry.Complete(id, Ok(uint32(pkt.from)))
	if err != nil {
		p.L.Error("completing message read", "id", id, "error", err)
	}
}

// Send queues msg for to, or hands it straight to a waiting reader.
func (p *MessageProvider) Send(from, to abi.TaskID, msg abi.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.box(to)

	for len(b.readers) > 0 {
		id := b.readers[0]
		b.readers = b.readers[1:]

		op, ok := p.Registry.Lookup(id)
		if !ok || op.Status != Pending {
			continue
		}

		p.deliver(id, op.Buf, packet{from: from, msg: msg})
		return nil
	}

	if len(b.queue) >= p.Depth {
		return errors.Wrapf(ErrMailboxFull, "%s", to)
	}

	b.queue = append(b.queue, packet{from: from, msg: msg})

	p.L.Trace("message-queued", "from", from, "to", to, "type", msg.Type)

	return nil
}

// Queued counts undelivered messages for t.
func (p *MessageProvider) Queued(t abi.TaskID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.boxes[t]; ok {
		return len(b.queue)
	}

	return 0
}

// Drop discards t's mailbox. Its outstanding reads are cancelled, and
// since only this provider could complete them their entries are freed.
func (p *MessageProvider) Drop(t abi.TaskID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.boxes[t]
	delete(p.boxes, t)

	p.Registry.CancelTask(t)

	if !ok {
		return
	}

	for _, id := range b.readers {
		p.Registry.Reclaim(id)
	}
}
