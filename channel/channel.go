// SPDX-License-Identifier: GPL-2.0-or-later

package channel

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/pkg/errors"

	"p21fc/conlog"
	"p21fc/msgbuf"
	"p21fc/netaddr"
	"p21fc/proto"
	"p21fc/rand"
)

// Listener receives decoded channel traffic.
type Listener interface {
	OnSequencedMessage(m *msgbuf.Buffer)
	OnNonSequencedMessage(m *msgbuf.Buffer)
}

// Socket sends datagrams on behalf of the channel.
type Socket interface {
	IsIPv4() bool
	SendDatagram(addr netaddr.Address, data []byte) bool
}

// System is the socket registry the channel borrows its socket from.
type System interface {
	NewSocket(ipv4 bool) (Socket, error)
	DeleteSocket(s Socket)
	AddListenedSocket(s Socket, buffer []byte, callback func(from netaddr.Address, dataSize int)) bool
	RemoveListenedSocket(s Socket) bool
}

// Channel frames datagrams for one server connection: sequence arbitration,
// fragment reassembly and optional payload decompression on the way in,
// sequenced/non-sequenced headers on the way out.
type Channel struct {
	console  conlog.Console
	sys      System
	rng      *rand.Generator
	listener Listener

	socket Socket

	ingoingSequenceNum  int
	outgoingSequenceNum int
	natPunchthroughPort uint16

	totalFragmentSize int
	fragmentBuffer    [msgbuf.MaxMsgLen]byte

	ingoingMessage  *msgbuf.Buffer
	outgoingMessage *msgbuf.Buffer

	currServerAddress netaddr.Address
}

func New(console conlog.Console, sys System, rng *rand.Generator, listener Listener) *Channel {
	if console == nil {
		console = conlog.Discard
	}
	return &Channel{
		console:         console,
		sys:             sys,
		rng:             rng,
		listener:        listener,
		ingoingMessage:  msgbuf.New(console),
		outgoingMessage: msgbuf.New(console),
	}
}

func (c *Channel) NatPunchthroughPort() uint16 { return c.natPunchthroughPort }

func (c *Channel) ServerAddress() netaddr.Address { return c.currServerAddress }

// PrepareForAddress binds the channel to a server. Re-preparing for the
// current server succeeds idempotently; a new server gets a socket of the
// matching family, a fresh NAT punch-through port and zeroed sequence state.
func (c *Channel) PrepareForAddress(address netaddr.Address) bool {
	if address == c.currServerAddress {
		c.console.Printf("Channel.PrepareForAddress(): already using the address\n")
		return true
	}

	c.currServerAddress = address

	if !c.prepareSocket(address) {
		return false
	}

	c.ingoingSequenceNum = 0
	c.outgoingSequenceNum = 0
	c.totalFragmentSize = 0
	return true
}

func (c *Channel) prepareSocket(address netaddr.Address) bool {
	if c.socket != nil {
		if c.socket.IsIPv4() != address.IsIPv4() {
			c.sys.DeleteSocket(c.socket)
			c.socket = nil
		}
	}
	if c.socket == nil {
		socket, err := c.sys.NewSocket(address.IsIPv4())
		if err != nil {
			c.console.Printf("Channel.prepareSocket(): cannot create a socket\n")
			return false
		}
		c.socket = socket
	}

	randomInt := c.rng.Uint32()
	c.natPunchthroughPort = uint16((randomInt >> 16) ^ (randomInt & 0xFFFF))
	return true
}

func (c *Channel) Reset() {
	c.StopListening()
}

func (c *Channel) StartListening() {
	if c.socket == nil {
		c.console.Printf("Channel.StartListening(): there is no active socket\n")
		return
	}
	c.sys.AddListenedSocket(c.socket, c.ingoingMessage.Raw(), func(from netaddr.Address, dataSize int) {
		c.Receive(from, c.ingoingMessage.Raw()[:dataSize])
	})
}

func (c *Channel) StopListening() {
	if c.socket != nil {
		c.sys.RemoveListenedSocket(c.socket)
		c.sys.DeleteSocket(c.socket)
		c.socket = nil
	}
}

// PrepareSequencedOutgoing begins a frame of
// [out_seq++][in_seq][nat_port] and returns it for payload writes.
func (c *Channel) PrepareSequencedOutgoing() *msgbuf.Buffer {
	c.outgoingMessage.Clear()
	c.outgoingMessage.WriteLong(c.outgoingSequenceNum)
	c.outgoingSequenceNum++
	c.outgoingMessage.WriteLong(c.ingoingSequenceNum)
	c.outgoingMessage.WriteShort(int(c.natPunchthroughPort))
	return c.outgoingMessage
}

// PrepareNonSequencedOutgoing begins a frame of [-1].
func (c *Channel) PrepareNonSequencedOutgoing() *msgbuf.Buffer {
	c.outgoingMessage.Clear()
	c.outgoingMessage.WriteLong(-1)
	return c.outgoingMessage
}

// Send transmits the prepared frame.
func (c *Channel) Send() {
	c.SendMessage(c.outgoingMessage)
}

func (c *Channel) SendMessage(m *msgbuf.Buffer) {
	if c.socket == nil {
		c.console.Printf("Channel.SendMessage(): there is no active socket\n")
		return
	}
	if !c.socket.SendDatagram(c.currServerAddress, m.Bytes()) {
		c.console.Printf("Channel.SendMessage(): SendDatagram() call has failed\n")
	}
}

// Receive parses one ingoing datagram. Packets from an address other than
// the current server are dropped silently.
func (c *Channel) Receive(from netaddr.Address, data []byte) {
	if from != c.currServerAddress {
		return
	}

	in := c.ingoingMessage
	in.Clear()
	copy(in.Raw(), data)
	in.SetCurrSize(len(data))

	sequenceNum := in.ReadLong()
	if sequenceNum == -1 {
		c.listener.OnNonSequencedMessage(in)
		return
	}

	fragmented := false
	if uint32(sequenceNum)&proto.FragmentBit != 0 {
		sequenceNum = int(uint32(sequenceNum) &^ uint32(proto.FragmentBit))
		fragmented = true
	}

	// Discard packets that are already received. A mid-reassembly sequence
	// may legally repeat, so fragments only have to not retreat.
	if fragmented {
		if sequenceNum < c.ingoingSequenceNum {
			return
		}
	} else {
		if sequenceNum <= c.ingoingSequenceNum {
			return
		}
	}
	c.ingoingSequenceNum = sequenceNum

	compressed := uint32(in.ReadLong())&proto.FragmentBit != 0

	if fragmented {
		fragmentStart := in.ReadShort()
		fragmentLength := in.ReadShort()

		// Discard the packet if a fragment has arrived out of order
		if fragmentStart != c.totalFragmentSize {
			in.Clear()
			return
		}

		last := fragmentLength&proto.FragmentLast != 0
		fragmentLength &= proto.FragmentLast - 1

		copy(c.fragmentBuffer[c.totalFragmentSize:], in.Bytes()[in.ReadCount():in.ReadCount()+fragmentLength])
		c.totalFragmentSize += fragmentLength

		if !last {
			in.Clear()
			return
		}

		in.Clear()
		copy(in.Raw(), c.fragmentBuffer[:c.totalFragmentSize])
		in.SetCurrSize(c.totalFragmentSize)
		c.totalFragmentSize = 0
	}

	if bytesLeft := in.BytesLeft(); compressed && bytesLeft > 0 {
		inflated, err := inflate(in.Bytes()[in.ReadCount():])
		if err != nil {
			// The peer speaks the same codec, a broken stream is not recoverable.
			panic(errors.Wrap(err, "channel: payload decompression failed"))
		}
		in.Clear()
		copy(in.Raw(), inflated)
		in.SetCurrSize(len(inflated))
	}

	c.listener.OnSequencedMessage(in)
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, msgbuf.MaxMsgLen))
	if err != nil {
		return nil, err
	}
	return out, nil
}
