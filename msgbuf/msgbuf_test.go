// SPDX-License-Identifier: GPL-2.0-or-later

package msgbuf

import (
	"bytes"
	"testing"
)

func TestIntegerRoundTrips(t *testing.T) {
	m := New(nil)

	for _, v := range []int{-128, -1, 0, 1, 127} {
		m.Clear()
		m.WriteChar(v)
		if got := m.ReadChar(); got != v {
			t.Errorf("char round trip: want %v got %v", v, got)
		}
		m.Clear()
		m.WriteByte(v)
		if got := m.ReadByte(); got != v {
			t.Errorf("byte round trip: want %v got %v", v, got)
		}
	}

	for _, v := range []int{-32768, -1, 0, 1, 256, 32767} {
		m.Clear()
		m.WriteShort(v)
		if got := m.ReadShort(); got != v {
			t.Errorf("short round trip: want %v got %v", v, got)
		}
	}

	for _, v := range []int{-(1 << 23), -1, 0, 1, 1<<23 - 1} {
		m.Clear()
		m.WriteInt3(v)
		if got := m.ReadInt3(); got != v {
			t.Errorf("int3 round trip: want %v got %v", v, got)
		}
	}

	for _, v := range []int{-2147483648, -1, 0, 1, 65536, 2147483647} {
		m.Clear()
		m.WriteLong(v)
		if got := m.ReadLong(); got != v {
			t.Errorf("long round trip: want %v got %v", v, got)
		}
	}
}

func TestLittleEndianLayout(t *testing.T) {
	m := New(nil)
	m.WriteLong(0x04030201)
	want := []byte{1, 2, 3, 4}
	if !bytes.Equal(m.Bytes(), want) {
		t.Errorf("long layout: want %v got %v", want, m.Bytes())
	}

	m.Clear()
	m.WriteShort(0x0201)
	want = []byte{1, 2}
	if !bytes.Equal(m.Bytes(), want) {
		t.Errorf("short layout: want %v got %v", want, m.Bytes())
	}
}

func TestReadByteSignExtends(t *testing.T) {
	m := New(nil)
	m.WriteByte(0xFF)
	if got := m.ReadByte(); got != -1 {
		t.Errorf("want -1 got %v", got)
	}
}

func TestStringRoundTrip(t *testing.T) {
	m := New(nil)
	for _, s := range []string{"", "s", "getchallenge", "a longer string with spaces"} {
		m.Clear()
		m.WriteString(s)
		if got := m.ReadString(); got != s {
			t.Errorf("string round trip: want %q got %q", s, got)
		}
	}
}

func TestReadStringStopsAtNul(t *testing.T) {
	m := New(nil)
	m.WriteString("first")
	m.WriteString("second")
	if got := m.ReadString(); got != "first" {
		t.Errorf("want %q got %q", "first", got)
	}
	if got := m.ReadString(); got != "second" {
		t.Errorf("want %q got %q", "second", got)
	}
}

func TestReadDataFillQuirk(t *testing.T) {
	m := New(nil)
	m.WriteData([]byte{1, 2, 3})

	out := make([]byte, 6)
	m.ReadData(out)
	want := []byte{1, 2, 3, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(out, want) {
		t.Errorf("partial read: want %v got %v", want, out)
	}

	// Nothing readable anymore, the whole output gets filled.
	m.ReadData(out)
	want = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(out, want) {
		t.Errorf("empty read: want %v got %v", want, out)
	}
}

func TestPrintfZeroTerminates(t *testing.T) {
	m := New(nil)
	m.Printf("connect %d %s", 22, "token")
	want := "connect 22 token"
	if m.CurrSize() != len(want)+1 {
		t.Errorf("currSize: want %v got %v", len(want)+1, m.CurrSize())
	}
	if got := m.ReadString(); got != want {
		t.Errorf("want %q got %q", want, got)
	}
}

func TestSkip(t *testing.T) {
	m := New(nil)
	m.WriteData([]byte{1, 2, 3, 4})
	if !m.Skip(3) {
		t.Error("skip inside the message should succeed")
	}
	if m.Skip(2) {
		t.Error("skip past the end should fail")
	}
	if got := m.ReadByte(); got != 4 {
		t.Errorf("want 4 got %v", got)
	}
}

func TestUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("an under-read must panic")
		}
	}()
	m := New(nil)
	m.WriteByte(1)
	m.ReadLong()
}

func TestCopyTo(t *testing.T) {
	src := New(nil)
	src.WriteByte(4)
	src.WriteLong(7)

	dst := New(nil)
	dst.WriteLong(-1)
	src.CopyTo(dst)

	if dst.CurrSize() != 9 {
		t.Fatalf("currSize: want 9 got %v", dst.CurrSize())
	}
	if got := dst.ReadLong(); got != -1 {
		t.Errorf("want -1 got %v", got)
	}
	if got := dst.ReadByte(); got != 4 {
		t.Errorf("want 4 got %v", got)
	}
	if got := dst.ReadLong(); got != 7 {
		t.Errorf("want 7 got %v", got)
	}
}
