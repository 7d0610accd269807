// Package ipc implements the capability-referenced message port C8
// specifies (spec §3 "IPC port", §4.7): bounded FIFOs of pending
// messages and blocked senders/receivers, synchronous rendezvous with
// timeout, atomic capability transfer, zero-queue notifications, and
// the per-send state machine. The blocking shape is grounded on
// pidmonitor/monitor.go's command-channel-plus-mutex-guarded-table
// idiom, generalized from a polling goroutine into direct
// channel-based rendezvous so a receiver unblocks the instant a sender
// arrives rather than on the next poll tick.
package ipc

import (
	"context"

	"github.com/iyotee/Orion-sub005/internal/capability"
	"github.com/iyotee/Orion-sub005/internal/handle"
	"github.com/iyotee/Orion-sub005/internal/kerr"
	"github.com/iyotee/Orion-sub005/internal/spinlock"
)

// MaxPayload bounds a single message's data payload (spec §3).
const MaxPayload = 64 * 1024

// MaxCapsPerMessage bounds how many capabilities a single message may
// carry (spec §4.7).
const MaxCapsPerMessage = 16

// MessageType distinguishes what a Message carries (spec §3).
type MessageType int

const (
	TypeData MessageType = iota
	TypeCapability
	TypePage
	TypeInterrupt
)

// CapTransfer names one capability accompanying a message, scoped to
// the rights the receiver should be granted (spec §4.7).
type CapTransfer struct {
	ID     capability.ID
	Rights capability.Rights
}

// PageRef is an opaque zero-copy page reference (spec §4.7's
// page-transfer path); this struct only carries the address-space
// bookkeeping the port needs to thread through, and no unmap/remap is
// performed on the referenced page.
type PageRef struct {
	VA     uintptr
	Length int
}

// Message is one IPC message (spec §3).
type Message struct {
	SenderPID   uint64
	Type        MessageType
	Payload     []byte
	Caps        []CapTransfer
	Page        *PageRef
	TimestampNs int64
}

type sendWaiter struct {
	msg    Message
	result chan error
}

type recvWaiter struct {
	deliver chan Message
}

// Port is a kernel-owned rendezvous point for inter-process messages
// (spec §3). At rest, at most one of its message queue and blocked
// receiver list is non-empty (spec §8 invariant).
type Port struct {
	lock spinlock.Spinlock

	ownerPID uint64
	capacity int

	queue            []Message
	blockedSenders   []*sendWaiter
	blockedReceivers []*recvWaiter

	notifyMask uint64
	notifyCh   chan struct{}

	destroyed   bool
	destroyedCh chan struct{}

	caps  *capability.Table
	clock func() int64
}

// New creates a port owned by ownerPID with the given bounded FIFO
// capacity, backed by caps for capability-transfer validation (spec
// §4.7). clock supplies the monotonic timestamp stamped onto each
// message (the HAL clock in production, simhal.TimestampNs in tests);
// nil stamps zero.
func New(ownerPID uint64, capacity int, caps *capability.Table, clock func() int64) *Port {
	if clock == nil {
		clock = func() int64 { return 0 }
	}
	return &Port{
		ownerPID:    ownerPID,
		capacity:    capacity,
		notifyCh:    make(chan struct{}),
		destroyedCh: make(chan struct{}),
		caps:        caps,
		clock:       clock,
	}
}

// Send delivers msg to the port, following the send state machine
// (spec §4.7): direct rendezvous with a blocked receiver, else enqueue
// if the FIFO has space, else block (unless nonblock) until space
// appears, the context is cancelled (returning timed-out), or the port
// is destroyed (returning bad-handle).
func (p *Port) Send(ctx context.Context, senderPID uint64, msg Message, nonblock bool) error {
	if len(msg.Payload) > MaxPayload {
		return kerr.New(kerr.InvalidArgument, "port-send: payload %d bytes exceeds %d byte limit", len(msg.Payload), MaxPayload)
	}
	if len(msg.Caps) > MaxCapsPerMessage {
		return kerr.New(kerr.InvalidArgument, "port-send: %d capabilities exceeds %d per message", len(msg.Caps), MaxCapsPerMessage)
	}
	if msg.Type == TypeCapability && p.caps != nil {
		for _, c := range msg.Caps {
			if !p.caps.Check(c.ID, capability.Grant, senderPID) {
				return kerr.New(kerr.Permission, "port-send: sender %d lacks GRANT on transferred capability %+v", senderPID, c.ID)
			}
		}
	}
	msg.SenderPID = senderPID
	msg.TimestampNs = p.clock()

	p.lock.Lock()
	if p.destroyed {
		p.lock.Unlock()
		return kerr.New(kerr.BadHandle, "port-send: port destroyed")
	}

	if n := len(p.blockedReceivers); n > 0 {
		rw := p.blockedReceivers[0]
		p.blockedReceivers = p.blockedReceivers[1:]
		p.lock.Unlock()
		rw.deliver <- msg
		return nil
	}

	if len(p.queue) < p.capacity {
		p.queue = append(p.queue, msg)
		p.lock.Unlock()
		return nil
	}

	if nonblock {
		p.lock.Unlock()
		return kerr.New(kerr.WouldBlock, "port-send: port full")
	}

	sw := &sendWaiter{msg: msg, result: make(chan error, 1)}
	p.blockedSenders = append(p.blockedSenders, sw)
	p.lock.Unlock()

	select {
	case err := <-sw.result:
		return err
	case <-p.destroyedCh:
		return kerr.New(kerr.BadHandle, "port-send: port destroyed while blocked")
	case <-ctx.Done():
		p.lock.Lock()
		for i, w := range p.blockedSenders {
			if w == sw {
				p.blockedSenders = append(p.blockedSenders[:i], p.blockedSenders[i+1:]...)
				break
			}
		}
		p.lock.Unlock()
		select {
		case err := <-sw.result:
			// a receiver raced the cancellation and already consumed us.
			return err
		default:
			return kerr.New(kerr.TimedOut, "port-send: timed out waiting for space")
		}
	}
}

// Receive waits for and returns the next message destined to this
// port, installing any transferred capabilities into receiverHandles
// atomically: either every capability is opened or none are, and a
// partial failure rolls back the ones already opened (spec §4.7).
func (p *Port) Receive(ctx context.Context, nonblock bool, receiverPID uint64, receiverHandles *handle.Table) (Message, error) {
	msg, err := p.receiveRaw(ctx, nonblock)
	if err != nil {
		return Message{}, err
	}

	if msg.Type == TypeCapability && receiverHandles != nil && p.caps != nil && len(msg.Caps) > 0 {
		opened := make([]int, 0, len(msg.Caps))
		for _, c := range msg.Caps {
			// delivery itself is what grants the receiver a view of the
			// capability; the sender was only required to hold GRANT, not
			// the receiver to already be a holder (spec §4.7).
			narrowed, gerr := p.caps.Grant(c.ID, receiverPID, c.Rights, msg.SenderPID)
			if gerr != nil {
				for _, already := range opened {
					_ = receiverHandles.Close(already)
				}
				return Message{}, kerr.Wrap(kerr.BadHandle, gerr, "port-recv: capability transfer rolled back")
			}
			h, oerr := receiverHandles.Open(c.ID, narrowed)
			if oerr != nil {
				for _, already := range opened {
					_ = receiverHandles.Close(already)
				}
				return Message{}, kerr.Wrap(kerr.BadHandle, oerr, "port-recv: capability transfer rolled back")
			}
			opened = append(opened, h)
		}
	}

	return msg, nil
}

func (p *Port) receiveRaw(ctx context.Context, nonblock bool) (Message, error) {
	p.lock.Lock()
	if p.destroyed {
		p.lock.Unlock()
		return Message{}, kerr.New(kerr.BadHandle, "port-recv: port destroyed")
	}

	if len(p.queue) > 0 {
		msg := p.queue[0]
		p.queue = p.queue[1:]
		p.admitBlockedSenderLocked()
		p.lock.Unlock()
		return msg, nil
	}

	if len(p.blockedSenders) > 0 {
		sw := p.blockedSenders[0]
		p.blockedSenders = p.blockedSenders[1:]
		p.lock.Unlock()
		sw.result <- nil
		return sw.msg, nil
	}

	if nonblock {
		p.lock.Unlock()
		return Message{}, kerr.New(kerr.NoData, "port-recv: no message pending")
	}

	rw := &recvWaiter{deliver: make(chan Message, 1)}
	p.blockedReceivers = append(p.blockedReceivers, rw)
	p.lock.Unlock()

	select {
	case msg := <-rw.deliver:
		return msg, nil
	case <-p.destroyedCh:
		return Message{}, kerr.New(kerr.BadHandle, "port-recv: port destroyed while blocked")
	case <-ctx.Done():
		p.lock.Lock()
		for i, w := range p.blockedReceivers {
			if w == rw {
				p.blockedReceivers = append(p.blockedReceivers[:i], p.blockedReceivers[i+1:]...)
				break
			}
		}
		p.lock.Unlock()
		select {
		case msg := <-rw.deliver:
			return msg, nil
		default:
			return Message{}, kerr.New(kerr.TimedOut, "port-recv: timed out waiting for a message")
		}
	}
}

// admitBlockedSenderLocked moves the oldest blocked sender's message
// into the freshly vacated queue slot. Caller holds p.lock.
func (p *Port) admitBlockedSenderLocked() {
	if len(p.blockedSenders) == 0 {
		return
	}
	sw := p.blockedSenders[0]
	p.blockedSenders = p.blockedSenders[1:]
	p.queue = append(p.queue, sw.msg)
	sw.result <- nil
}

// Notify OR-accumulates bits into the port's event mask and wakes every
// thread blocked in WaitNotification; notifications never queue (spec
// §4.7).
func (p *Port) Notify(bits uint64) {
	p.lock.Lock()
	p.notifyMask |= bits
	ch := p.notifyCh
	p.notifyCh = make(chan struct{})
	p.lock.Unlock()
	close(ch)
}

// WaitNotification blocks until any bit in mask is set in the port's
// event mask, then atomically drains and returns the full accumulated
// mask (spec §4.7; multi-event wait semantics are this implementation's
// choice, documented since the source leaves it open).
func (p *Port) WaitNotification(ctx context.Context, mask uint64) (uint64, error) {
	for {
		p.lock.Lock()
		if p.destroyed {
			p.lock.Unlock()
			return 0, kerr.New(kerr.BadHandle, "wait-notification: port destroyed")
		}
		if p.notifyMask&mask != 0 {
			fired := p.notifyMask
			p.notifyMask = 0
			p.lock.Unlock()
			return fired, nil
		}
		ch := p.notifyCh
		p.lock.Unlock()

		select {
		case <-ch:
		case <-p.destroyedCh:
			return 0, kerr.New(kerr.BadHandle, "wait-notification: port destroyed")
		case <-ctx.Done():
			return 0, kerr.New(kerr.TimedOut, "wait-notification: timed out")
		}
	}
}

// Destroy tears the port down: every blocked sender and receiver wakes
// with a port-destroyed error, and future operations fail with
// bad-handle (spec §4.7 cancellation, §7 "aborted").
func (p *Port) Destroy() {
	p.lock.Lock()
	if p.destroyed {
		p.lock.Unlock()
		return
	}
	p.destroyed = true
	p.blockedSenders = nil
	p.blockedReceivers = nil
	close(p.destroyedCh)
	p.lock.Unlock()
}

// Pending reports the current queue depth, used by tests.
func (p *Port) Pending() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.queue)
}
