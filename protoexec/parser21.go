// SPDX-License-Identifier: GPL-2.0-or-later

package protoexec

import (
	"github.com/pkg/errors"

	"p21fc/conlog"
	"p21fc/msgbuf"
	"p21fc/proto"
)

// parser21 decodes the protocol 22 ingame message stream far enough to keep
// a headless client connected: command acks, server text commands, the
// serverdata header and frame acknowledgements. The entity and player state
// delta blocks are opaque to this client and get dropped.
type parser21 struct {
	console  conlog.Console
	executor *Executor

	lastCmdAck               int64
	lastExecutedServerCmdNum int
}

func newParser21(console conlog.Console, executor *Executor) *parser21 {
	if console == nil {
		console = conlog.Discard
	}
	return &parser21{console: console, executor: executor}
}

func (p *parser21) Reset() {
	p.lastCmdAck = 0
	p.lastExecutedServerCmdNum = 0
}

func (p *parser21) Parse(m *msgbuf.Buffer) {
	for {
		if m.BytesLeft() == 0 {
			return
		}
		cmdPrefix := m.ReadByte()

		switch cmdPrefix {
		case proto.SvcDemoInfo:
			p.parseDemoInfo(m)
		case proto.SvcClAck:
			p.parseClientAck(m)
		case proto.SvcServerCmd:
			p.parseServerCmd(m)
		case proto.SvcServerCs:
			p.parseServerCs(m)
		case proto.SvcServerData:
			p.parseServerData(m)
		case proto.SvcSpawnBaseline:
			// An entity delta. Nothing behind it is decodable without the
			// full delta decoder, drop the rest of the message.
			m.Skip(m.BytesLeft())
		case proto.SvcFrame:
			p.parseFrame(m)
		default:
			p.console.Printf("Unknown server command prefix %d\n", cmdPrefix)
			panic(errors.Errorf("protoexec: unknown server command prefix %d", cmdPrefix))
		}
	}
}

func (p *parser21) parseDemoInfo(m *msgbuf.Buffer) {
	m.ReadLong()
	m.ReadLong()
	metaDataRealSize := m.ReadLong()
	metaDataMaxSize := m.ReadLong()
	end := m.ReadCount() + metaDataRealSize

	for m.ReadCount() < end {
		// ReadString overwrites its scratch on a repeated call, but Go
		// strings are copies already.
		key := m.ReadString()
		p.console.Printf("Demo info: %s %s\n", key, m.ReadString())
	}

	if bytesToSkip := metaDataMaxSize - metaDataRealSize + end - m.ReadCount(); bytesToSkip > 0 {
		m.Skip(bytesToSkip)
	}
}

func (p *parser21) parseClientAck(m *msgbuf.Buffer) {
	ack := int64(m.ReadLong())
	if ack > p.lastCmdAck {
		p.executor.TryAcknowledge(ack)
		p.lastCmdAck = ack
	}
	m.ReadLong()
	p.executor.Activate()
}

func (p *parser21) parseServerCmd(m *msgbuf.Buffer) {
	if !p.executor.World().IsConnectionReliable() {
		cmdNum := m.ReadLong()
		if cmdNum <= p.lastExecutedServerCmdNum {
			// Skip the command
			m.ReadString()
			return
		}
		p.lastExecutedServerCmdNum = cmdNum
		p.executor.SendCommandAck(int64(cmdNum))
	}

	p.parseServerCs(m)
}

func (p *parser21) parseServerCs(m *msgbuf.Buffer) {
	p.executor.ExecuteServerCommand(m.ReadString())
}

func (p *parser21) parseServerData(m *msgbuf.Buffer) {
	w := p.executor.World()

	w.protocol = m.ReadLong()
	w.spawnCount = m.ReadLong()
	m.ReadShort()  // snap frametime
	m.ReadString() // base game
	w.game = m.ReadString()
	w.playerNum = m.ReadShort() + 1
	w.level = m.ReadString()

	bitFlags := m.ReadByte()
	w.bitFlags = bitFlags

	if bitFlags&proto.SvBitflagsHTTP != 0 {
		// Either a URL or a port for downloads
		if bitFlags&proto.SvBitflagsBaseURL != 0 {
			w.downloadURL = m.ReadString()
		} else {
			w.downloadPort = uint16(m.ReadShort())
		}
	}

	// For each pure pak read (actually skip) its name and checksum
	for i, pureNum := 0, m.ReadShort(); i < pureNum; i++ {
		m.ReadString()
		m.ReadLong()
	}
}

func (p *parser21) parseFrame(m *msgbuf.Buffer) {
	m.ReadShort() // length
	serverTime := int64(m.ReadLong())
	frame := int64(m.ReadLong())
	m.ReadLong() // delta frame number
	m.ReadLong() // ucmd executed
	m.ReadByte() // flags
	m.ReadByte() // suppress count

	// The game state deltas behind the header are opaque to this client.
	m.Skip(m.BytesLeft())

	p.executor.SendFrameAck(frame, serverTime)
}
