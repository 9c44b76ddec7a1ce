// SPDX-License-Identifier: GPL-2.0-or-later

package msgbuf

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"p21fc/conlog"
)

const (
	MaxMsgLen         = 65536
	MaxMsgStringChars = 2048
)

// Buffer is a bounded wire message with little-endian fixed-width accessors.
// The wire format is not self-describing at this layer, so a read past
// currSize or a write past capacity violates the framing contract and panics.
type Buffer struct {
	console conlog.Console

	buf     [MaxMsgLen]byte
	scratch [MaxMsgStringChars + 1]byte

	currSize  int
	readCount int
}

func New(console conlog.Console) *Buffer {
	if console == nil {
		console = conlog.Discard
	}
	return &Buffer{console: console}
}

func (m *Buffer) Clear() {
	m.currSize = 0
	m.readCount = 0
}

func (m *Buffer) CurrSize() int  { return m.currSize }
func (m *Buffer) ReadCount() int { return m.readCount }

func (m *Buffer) SetReadCount(n int) { m.readCount = n }

// SetCurrSize marks n bytes of the backing array as valid message data,
// e.g. after a datagram has been received directly into Raw().
func (m *Buffer) SetCurrSize(n int) {
	if n > MaxMsgLen {
		panic(errors.Errorf("msgbuf: SetCurrSize(%d) exceeds capacity", n))
	}
	m.currSize = n
}

func (m *Buffer) BytesLeft() int {
	if m.readCount <= m.currSize {
		return m.currSize - m.readCount
	}
	return 0
}

// Bytes returns the valid part of the message.
func (m *Buffer) Bytes() []byte { return m.buf[:m.currSize] }

// Raw returns the whole backing array, for use as a receive buffer.
func (m *Buffer) Raw() []byte { return m.buf[:] }

func (m *Buffer) ReadChar() int {
	if m.readCount < m.currSize {
		c := int(int8(m.buf[m.readCount]))
		m.readCount++
		return c
	}
	panic(errors.New("msgbuf: ReadChar: buffer underflow"))
}

// ReadByte sign-extends the raw byte despite its name. Callers of the wire
// decoder rely on this exact contract at specific opcode-argument sites, so
// it is kept as is.
func (m *Buffer) ReadByte() int {
	if m.readCount < m.currSize {
		c := int(int8(m.buf[m.readCount]))
		m.readCount++
		return c
	}
	panic(errors.New("msgbuf: ReadByte: buffer underflow"))
}

func (m *Buffer) ReadShort() int {
	if m.readCount+2 <= m.currSize {
		b0 := uint32(m.buf[m.readCount+0])
		b1 := uint32(m.buf[m.readCount+1])
		m.readCount += 2
		return int(int16(b0 | b1<<8))
	}
	panic(errors.New("msgbuf: ReadShort: buffer underflow"))
}

func (m *Buffer) ReadLong() int {
	if m.readCount+4 <= m.currSize {
		b0 := uint32(m.buf[m.readCount+0])
		b1 := uint32(m.buf[m.readCount+1])
		b2 := uint32(m.buf[m.readCount+2])
		b3 := uint32(m.buf[m.readCount+3])
		m.readCount += 4
		return int(int32(b0 | b1<<8 | b2<<16 | b3<<24))
	}
	panic(errors.New("msgbuf: ReadLong: buffer underflow"))
}

// ReadInt3 reads a 24-bit little-endian integer, sign-extended from bit 23.
func (m *Buffer) ReadInt3() int {
	if m.readCount+3 <= m.currSize {
		b0 := uint32(m.buf[m.readCount+0])
		b1 := uint32(m.buf[m.readCount+1])
		b2 := uint32(m.buf[m.readCount+2])
		m.readCount += 3
		result := int(b0 | b1<<8 | b2<<16)
		if b2&0x80 != 0 {
			result -= 1 << 24
		}
		return result
	}
	panic(errors.New("msgbuf: ReadInt3: buffer underflow"))
}

// ReadString copies bytes up to the first NUL or the scratch limit. It never
// fails: running out of readable bytes terminates the string.
func (m *Buffer) ReadString() string {
	n := 0
	for m.readCount < m.currSize && n < MaxMsgStringChars {
		c := m.buf[m.readCount]
		m.readCount++
		if c == 0 {
			return string(m.scratch[:n])
		}
		m.scratch[n] = c
		n++
	}
	return string(m.scratch[:n])
}

// ReadData copies len(out) bytes into out. If fewer bytes are readable the
// consumed part is copied and the rest of out is set to 0xFF; if nothing is
// readable the whole output is 0xFF.
func (m *Buffer) ReadData(out []byte) {
	readable := m.currSize - m.readCount
	if readable > 0 {
		if readable > len(out) {
			copy(out, m.buf[m.readCount:m.readCount+len(out)])
			m.readCount += len(out)
			return
		}
		copy(out, m.buf[m.readCount:m.readCount+readable])
		m.readCount += readable
		for i := readable; i < len(out); i++ {
			out[i] = 0xFF
		}
		return
	}
	for i := range out {
		out[i] = 0xFF
	}
}

func (m *Buffer) Skip(length int) bool {
	if m.currSize-m.readCount >= length {
		m.readCount += length
		return true
	}
	return false
}

func (m *Buffer) WriteChar(c int) {
	if m.currSize < MaxMsgLen {
		m.buf[m.currSize] = uint8(c)
		m.currSize++
		return
	}
	m.console.Printf("Buffer.WriteChar(): buffer overflow\n")
	panic(errors.New("msgbuf: WriteChar: buffer overflow"))
}

func (m *Buffer) WriteByte(c int) {
	if m.currSize < MaxMsgLen {
		m.buf[m.currSize] = uint8(c & 0xFF)
		m.currSize++
		return
	}
	m.console.Printf("Buffer.WriteByte(): buffer overflow\n")
	panic(errors.New("msgbuf: WriteByte: buffer overflow"))
}

func (m *Buffer) WriteShort(c int) {
	if m.currSize+1 < MaxMsgLen {
		m.buf[m.currSize+0] = uint8(c & 0xFF)
		m.buf[m.currSize+1] = uint8((c >> 8) & 0xFF)
		m.currSize += 2
		return
	}
	m.console.Printf("Buffer.WriteShort(): buffer overflow\n")
	panic(errors.New("msgbuf: WriteShort: buffer overflow"))
}

func (m *Buffer) WriteLong(c int) {
	if m.currSize+3 < MaxMsgLen {
		m.buf[m.currSize+0] = uint8(c & 0xFF)
		m.buf[m.currSize+1] = uint8((c >> 8) & 0xFF)
		m.buf[m.currSize+2] = uint8((c >> 16) & 0xFF)
		m.buf[m.currSize+3] = uint8((c >> 24) & 0xFF)
		m.currSize += 4
		return
	}
	m.console.Printf("Buffer.WriteLong(): buffer overflow\n")
	panic(errors.New("msgbuf: WriteLong: buffer overflow"))
}

func (m *Buffer) WriteInt3(c int) {
	if m.currSize+2 < MaxMsgLen {
		m.buf[m.currSize+0] = uint8(c & 0xFF)
		m.buf[m.currSize+1] = uint8((c >> 8) & 0xFF)
		m.buf[m.currSize+2] = uint8((c >> 16) & 0xFF)
		m.currSize += 3
		return
	}
	m.console.Printf("Buffer.WriteInt3(): buffer overflow\n")
	panic(errors.New("msgbuf: WriteInt3: buffer overflow"))
}

func (m *Buffer) WriteFloat(f float32) {
	bits := math.Float32bits(f)
	if m.currSize+3 < MaxMsgLen {
		m.buf[m.currSize+0] = uint8(bits & 0xFF)
		m.buf[m.currSize+1] = uint8((bits >> 8) & 0xFF)
		m.buf[m.currSize+2] = uint8((bits >> 16) & 0xFF)
		m.buf[m.currSize+3] = uint8((bits >> 24) & 0xFF)
		m.currSize += 4
		return
	}
	m.console.Printf("Buffer.WriteFloat(): buffer overflow\n")
	panic(errors.New("msgbuf: WriteFloat: buffer overflow"))
}

func (m *Buffer) WriteData(data []byte) {
	if m.currSize+len(data) <= MaxMsgLen {
		copy(m.buf[m.currSize:], data)
		m.currSize += len(data)
		return
	}
	m.console.Printf("Buffer.WriteData(): buffer overflow on an attempt to write %d bytes\n", len(data))
	panic(errors.New("msgbuf: WriteData: buffer overflow"))
}

func (m *Buffer) WriteString(s string) {
	oldSize := m.currSize
	i := 0
	for m.currSize < MaxMsgLen && i < len(s) {
		m.buf[m.currSize] = s[i]
		m.currSize++
		i++
	}
	if i == len(s) && m.currSize < MaxMsgLen {
		m.buf[m.currSize] = 0
		m.currSize++
		return
	}
	m.console.Printf("Buffer.WriteString(): buffer overflow\n")
	m.currSize = oldSize
	panic(errors.New("msgbuf: WriteString: buffer overflow"))
}

// Printf formats into the tail of the message, always zero-terminates and
// advances currSize past the terminator.
func (m *Buffer) Printf(format string, args ...interface{}) {
	bytesLeft := MaxMsgLen - m.currSize
	if bytesLeft <= 0 {
		m.console.Printf("Buffer.Printf(): message buffer overflow\n")
		panic(errors.New("msgbuf: Printf: message buffer overflow"))
	}
	s := fmt.Sprintf(format, args...)
	if len(s) >= bytesLeft {
		m.console.Printf("Buffer.Printf(): format buffer overflow\n")
		panic(errors.New("msgbuf: Printf: format buffer overflow"))
	}
	copy(m.buf[m.currSize:], s)
	m.buf[m.currSize+len(s)] = 0
	m.currSize += len(s) + 1
}

func (m *Buffer) CopyTo(out *Buffer) {
	if out.currSize+m.currSize <= MaxMsgLen {
		copy(out.buf[out.currSize:], m.buf[:m.currSize])
		out.currSize += m.currSize
		return
	}
	m.console.Printf("Buffer.CopyTo(): overflow while trying to add %d bytes in addition to present %d bytes\n",
		m.currSize, out.currSize)
	panic(errors.New("msgbuf: CopyTo: buffer overflow"))
}
