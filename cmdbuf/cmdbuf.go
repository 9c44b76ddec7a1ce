// SPDX-License-Identifier: GPL-2.0-or-later

package cmdbuf

import (
	"github.com/pkg/errors"

	"p21fc/conlog"
	"p21fc/msgbuf"
	"p21fc/proto"
)

const maxBuffers = 32

// ErrEnqueueOverflow reports that the ring stayed full even after the
// self-acknowledge cleanup attempt. The command is dropped.
var ErrEnqueueOverflow = errors.New("cmdbuf: command buffer overflow")

// Clock provides monotonic milliseconds.
type Clock interface {
	NowMillis() int64
}

// Channel is the transport half the command buffer drives.
type Channel interface {
	PrepareSequencedOutgoing() *msgbuf.Buffer
	Send()
	SendMessage(m *msgbuf.Buffer)
}

type slot struct {
	message         *msgbuf.Buffer
	lastSentAt      int64
	lastSequenceNum int64
}

// Buffer is a bounded ring of outgoing command datagrams. Only the head slot
// is ever on the wire; the tail grows as commands are enqueued; a slot
// releases only when the peer acknowledges its sequence number.
type Buffer struct {
	console conlog.Console
	clock   Clock
	channel Channel

	// OnReliableSend fires after an immediate unbuffered send so the owner
	// can refresh its inactivity timer.
	OnReliableSend func()

	slots       [maxBuffers]slot
	head        int
	count       int
	sequenceNum int64

	// the most recent acknowledgement the peer sent, re-applied as a
	// self-cleanup when the ring fills up
	lastAckNum int64

	reliableScratch *msgbuf.Buffer
}

func New(console conlog.Console, clock Clock, channel Channel) *Buffer {
	if console == nil {
		console = conlog.Discard
	}
	return &Buffer{
		console:         console,
		clock:           clock,
		channel:         channel,
		reliableScratch: msgbuf.New(console),
	}
}

func (b *Buffer) Count() int { return b.count }

// EnqueueReliable bypasses buffering: the command is written and sent
// immediately. Used when the connection transport is itself reliable.
func (b *Buffer) EnqueueReliable(format string, args ...interface{}) error {
	m := b.reliableScratch
	m.Clear()
	m.WriteByte(proto.ClcClientCommand)
	b.sequenceNum++
	m.Printf(format, args...)

	b.channel.SendMessage(m)
	if b.OnReliableSend != nil {
		b.OnReliableSend()
	}
	return nil
}

// EnqueueUnreliable appends a command to the ring. When the ring was empty
// the fresh head goes on the wire immediately, otherwise it waits its turn.
func (b *Buffer) EnqueueUnreliable(format string, args ...interface{}) error {
	b.sequenceNum++

	m, ok := b.newBufferedMessage()
	if !ok {
		return ErrEnqueueOverflow
	}

	m.WriteByte(proto.ClcClientCommand)
	m.WriteLong(int(b.sequenceNum))
	m.Printf(format, args...)

	if b.count == 1 {
		b.sendHeadBuffer()
	}
	return nil
}

func (b *Buffer) newBufferedMessage() (*msgbuf.Buffer, bool) {
	if b.count == maxBuffers {
		// Self-cleanup covers races where the last ack was consumed without
		// releasing the head.
		b.tryRelease(b.lastAckNum)
		if b.count == maxBuffers {
			return nil, false
		}
	}

	tail := (b.head + b.count) % maxBuffers
	b.count++
	s := &b.slots[tail]
	if s.message == nil {
		s.message = msgbuf.New(b.console)
	}
	s.lastSequenceNum = b.sequenceNum
	s.lastSentAt = -proto.Timeout
	s.message.Clear()
	return s.message, true
}

func (b *Buffer) sendHeadBuffer() {
	channelMessage := b.channel.PrepareSequencedOutgoing()
	b.slots[b.head].message.CopyTo(channelMessage)
	b.channel.Send()
	b.slots[b.head].lastSentAt = b.clock.NowMillis()
}

// Resend retransmits the head slot once its resend deadline has passed.
func (b *Buffer) Resend() {
	if b.count == 0 || b.clock.NowMillis() < b.slots[b.head].lastSentAt+proto.Timeout {
		return
	}
	b.sendHeadBuffer()
}

// TryAcknowledge releases the head slot iff the peer acknowledged its
// sequence number, then re-arms the resend so the new head goes out promptly.
func (b *Buffer) TryAcknowledge(ackNum int64) {
	b.lastAckNum = ackNum
	b.tryRelease(ackNum)
}

func (b *Buffer) tryRelease(ackNum int64) {
	if b.count == 0 || b.slots[b.head].lastSequenceNum != ackNum {
		return
	}

	b.count--
	b.head = (b.head + 1) % maxBuffers

	b.Resend()
}

func (b *Buffer) Reset() {
	b.sequenceNum = 0
	b.count = 0
	b.head = 0
	b.lastAckNum = 0
}
