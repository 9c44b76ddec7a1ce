// SPDX-License-Identifier: GPL-2.0-or-later

package protoexec

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"p21fc/channel"
	"p21fc/msgbuf"
	"p21fc/netaddr"
	"p21fc/proto"
	"p21fc/rand"
)

type fakeClock struct {
	now int64
}

func (c *fakeClock) NowMillis() int64 { return c.now }

type fakeSocket struct {
	ipv4 bool
	sent [][]byte
}

func (s *fakeSocket) IsIPv4() bool { return s.ipv4 }

func (s *fakeSocket) SendDatagram(addr netaddr.Address, data []byte) bool {
	o := make([]byte, len(data))
	copy(o, data)
	s.sent = append(s.sent, o)
	return true
}

type fakeSystem struct {
	socket   *fakeSocket
	buffer   []byte
	callback func(from netaddr.Address, dataSize int)
}

func (s *fakeSystem) NewSocket(ipv4 bool) (channel.Socket, error) {
	s.socket = &fakeSocket{ipv4: ipv4}
	return s.socket, nil
}

func (s *fakeSystem) DeleteSocket(channel.Socket) {}

func (s *fakeSystem) AddListenedSocket(_ channel.Socket, buffer []byte, callback func(netaddr.Address, int)) bool {
	s.buffer = buffer
	s.callback = callback
	return true
}

func (s *fakeSystem) RemoveListenedSocket(channel.Socket) bool {
	s.callback = nil
	return true
}

// deliver injects a raw datagram as if it arrived from the given address.
func (s *fakeSystem) deliver(from netaddr.Address, data []byte) {
	if s.callback == nil {
		panic("no listened socket")
	}
	copy(s.buffer, data)
	s.callback(from, len(data))
}

type fakeListener struct {
	shownName string
	motd      string
	centered  []string
	chat      []string
	teamChat  []string
	tvChat    []string
}

func (l *fakeListener) SetShownPlayerName(name string)  { l.shownName = name }
func (l *fakeListener) SetMessageOfTheDay(motd string)  { l.motd = motd }
func (l *fakeListener) PrintCenteredMessage(msg string) { l.centered = append(l.centered, msg) }
func (l *fakeListener) PrintChatMessage(from, msg string) {
	l.chat = append(l.chat, from+": "+msg)
}
func (l *fakeListener) PrintTeamChatMessage(from, msg string) {
	l.teamChat = append(l.teamChat, from+": "+msg)
}
func (l *fakeListener) PrintTVChatMessage(from, msg string) {
	l.tvChat = append(l.tvChat, from+": "+msg)
}

type harness struct {
	ex       *Executor
	sys      *fakeSystem
	clock    *fakeClock
	listener *fakeListener
	server   netaddr.Address
	inSeq    uint32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sys := &fakeSystem{}
	clock := &fakeClock{now: 10_000}
	listener := &fakeListener{}
	rng := rand.New(7)

	ex, err := New(nil, zerolog.Nop(), clock, sys, &rng, listener, proto.Protocol21)
	if err != nil {
		t.Fatal(err)
	}
	ex.SetName("Bot")
	ex.SetPassword("secret")

	server, err := netaddr.Parse("127.0.0.1:44400")
	if err != nil {
		t.Fatal(err)
	}
	return &harness{ex: ex, sys: sys, clock: clock, listener: listener, server: server}
}

// nonSeqDatagram frames an out-of-band server command line.
func nonSeqDatagram(command string) []byte {
	data := make([]byte, 4, 4+len(command)+1)
	binary.LittleEndian.PutUint32(data, 0xFFFFFFFF)
	data = append(data, command...)
	data = append(data, 0)
	return data
}

// seqDatagram frames an ingame payload with the next sequence number.
func (h *harness) seqDatagram(payload []byte) []byte {
	h.inSeq++
	data := make([]byte, 8, 8+len(payload))
	binary.LittleEndian.PutUint32(data[0:4], h.inSeq)
	binary.LittleEndian.PutUint32(data[4:8], 0)
	return append(data, payload...)
}

func (h *harness) lastSent(t *testing.T) []byte {
	t.Helper()
	sent := h.sys.socket.sent
	if len(sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return sent[len(sent)-1]
}

func nonSeqBody(t *testing.T, datagram []byte) string {
	t.Helper()
	if got := int32(binary.LittleEndian.Uint32(datagram[0:4])); got != -1 {
		t.Fatalf("want a non-sequenced prefix, got %d", got)
	}
	return strings.TrimSuffix(string(datagram[4:]), "\x00")
}

// seqBody strips the sequenced header of an outgoing datagram.
func seqBody(t *testing.T, datagram []byte) []byte {
	t.Helper()
	if len(datagram) < 10 {
		t.Fatalf("sequenced datagram too short: %d bytes", len(datagram))
	}
	return datagram[10:]
}

func (h *harness) connectToChallenging(t *testing.T) {
	t.Helper()
	h.ex.ExecuteCommand("connect 127.0.0.1:44400")
	if h.ex.State() != StateChallenging {
		t.Fatalf("want challenging, got %v", h.ex.State())
	}
	if got := nonSeqBody(t, h.lastSent(t)); got != "getchallenge" {
		t.Fatalf("want getchallenge, got %q", got)
	}
}

func (h *harness) challengeToConnecting(t *testing.T) {
	t.Helper()
	h.sys.deliver(h.server, nonSeqDatagram("challenge XYZ"))
	if h.ex.State() != StateConnecting {
		t.Fatalf("want connecting, got %v", h.ex.State())
	}
	want := fmt.Sprintf("connect 22 %d XYZ \"\\name\\Bot\\password\\secret\" 0",
		h.ex.channel.NatPunchthroughPort())
	if got := nonSeqBody(t, h.lastSent(t)); got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func (h *harness) serverDataPayload(playerNum, spawnCount int) []byte {
	m := msgbuf.New(nil)
	m.WriteByte(proto.SvcServerData)
	m.WriteLong(proto.Protocol21)
	m.WriteLong(spawnCount)
	m.WriteShort(16) // snap frametime
	m.WriteString("basewsw")
	m.WriteString("basewsw")
	m.WriteShort(playerNum - 1)
	m.WriteString("wca1")
	m.WriteByte(0)  // bit flags
	m.WriteShort(0) // pure paks
	o := make([]byte, m.CurrSize())
	copy(o, m.Bytes())
	return o
}

func TestChallengeHandshake(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)
	h.challengeToConnecting(t)
}

func TestChallengeRetry(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)

	sentBefore := len(h.sys.socket.sent)
	h.ex.Frame()
	if len(h.sys.socket.sent) != sentBefore {
		t.Fatal("must not resend before the deadline")
	}

	h.clock.now += proto.Timeout
	h.ex.Frame()
	if got := nonSeqBody(t, h.lastSent(t)); got != "getchallenge" {
		t.Fatalf("want a getchallenge resend, got %q", got)
	}
}

func TestFullHandshakeToActive(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)
	h.challengeToConnecting(t)

	// client_connect -> Loading, "new" goes out
	h.sys.deliver(h.server, nonSeqDatagram("client_connect SESSION1"))
	if h.ex.State() != StateLoading {
		t.Fatalf("want loading, got %v", h.ex.State())
	}
	body := seqBody(t, h.lastSent(t))
	if body[0] != proto.ClcClientCommand {
		t.Fatalf("want CLC_CLIENT_COMMAND, got %d", body[0])
	}

	// Loading stalls until the serverdata header supplies a player number.
	h.ex.Frame()
	if h.ex.State() != StateLoading {
		t.Fatalf("loading must wait for serverdata, got %v", h.ex.State())
	}

	h.sys.deliver(h.server, h.seqDatagram(h.serverDataPayload(5, 3)))
	h.ex.Frame()
	if h.ex.State() != StateConfiguring {
		t.Fatalf("want configuring, got %v", h.ex.State())
	}

	// precache with a populated configstring 0 -> Entering
	h.sys.deliver(h.server, nonSeqDatagram("cs 0 serverinfo"))
	h.sys.deliver(h.server, nonSeqDatagram("precache"))
	if h.ex.State() != StateEntering {
		t.Fatalf("want entering, got %v", h.ex.State())
	}

	// SVC_CLACK -> Active
	m := msgbuf.New(nil)
	m.WriteByte(proto.SvcClAck)
	m.WriteLong(1)
	m.WriteLong(0)
	h.sys.deliver(h.server, h.seqDatagram(m.Bytes()))
	if h.ex.State() != StateActive {
		t.Fatalf("want active, got %v", h.ex.State())
	}
}

func TestActiveKeepalive(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)
	h.challengeToConnecting(t)
	h.sys.deliver(h.server, nonSeqDatagram("client_connect S"))
	h.sys.deliver(h.server, h.seqDatagram(h.serverDataPayload(5, 3)))
	h.ex.Frame()
	h.sys.deliver(h.server, nonSeqDatagram("cs 0 x"))
	h.sys.deliver(h.server, nonSeqDatagram("precache"))
	m := msgbuf.New(nil)
	m.WriteByte(proto.SvcClAck)
	m.WriteLong(1)
	m.WriteLong(0)
	h.sys.deliver(h.server, h.seqDatagram(m.Bytes()))
	if h.ex.State() != StateActive {
		t.Fatalf("want active, got %v", h.ex.State())
	}

	sentBefore := len(h.sys.socket.sent)
	h.clock.now += proto.InactiveTime + 1
	h.ex.Frame()
	if len(h.sys.socket.sent) <= sentBefore {
		t.Fatal("an inactive client must send a keepalive move")
	}
	body := seqBody(t, h.lastSent(t))
	if body[0] != proto.ClcMove {
		t.Fatalf("want CLC_MOVE, got %d", body[0])
	}
}

func TestDisconnectSendsThreeTimes(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)

	sentBefore := len(h.sys.socket.sent)
	h.ex.ExecuteCommand("disconnect")
	if h.ex.State() != StateDisconnected {
		t.Fatalf("want disconnected, got %v", h.ex.State())
	}
	sent := h.sys.socket.sent[sentBefore:]
	if len(sent) != 3 {
		t.Fatalf("want 3 disconnect datagrams, got %d", len(sent))
	}
	for _, d := range sent {
		if got := nonSeqBody(t, d); got != "disconnect" {
			t.Errorf("want disconnect, got %q", got)
		}
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.ex.ExecuteCommand("disconnect")
	if h.ex.State() != StateDisconnected {
		t.Fatal("disconnect on a disconnected client must be a no-op")
	}
}

func TestRejectWithAutoReconnectFlag(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)
	h.challengeToConnecting(t)

	// Drop flag value 1 (auto-reconnect) asks for an automatic client_connect retry.
	h.sys.deliver(h.server, nonSeqDatagram("reject 0 1 \"Server is full\""))
	if h.ex.State() != StateLoading {
		t.Fatalf("want loading after an auto-reconnecting reject, got %v", h.ex.State())
	}
}

func TestRejectWithoutFlagsDisconnects(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)
	h.challengeToConnecting(t)

	h.sys.deliver(h.server, nonSeqDatagram("reject 0 0 \"go away\""))
	if h.ex.State() != StateDisconnected {
		t.Fatalf("want disconnected, got %v", h.ex.State())
	}
}

func TestConfigstringCommand(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)

	h.sys.deliver(h.server, nonSeqDatagram("cs 5 \"hello world\" 7 seven"))
	if got := h.ex.World().ConfigString(5); got != "hello world" {
		t.Errorf("cs 5: want %q got %q", "hello world", got)
	}
	if got := h.ex.World().ConfigString(7); got != "seven" {
		t.Errorf("cs 7: want %q got %q", "seven", got)
	}

	// An out-of-bounds index stops processing this command.
	h.sys.deliver(h.server, nonSeqDatagram("cs 9999 value 8 eight"))
	if got := h.ex.World().ConfigString(8); got != "" {
		t.Errorf("processing must stop at the bad index, got %q", got)
	}
}

func TestChatCallbacks(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)

	h.sys.deliver(h.server, nonSeqDatagram("ch \"Player(1)\" \"Hello, world!\""))
	h.sys.deliver(h.server, nonSeqDatagram("tch \"Player(2)\" \"go go go\""))
	h.sys.deliver(h.server, nonSeqDatagram("tvch \"Viewer\" \"nice shot\""))
	h.sys.deliver(h.server, nonSeqDatagram("motd \"Welcome!\""))
	h.sys.deliver(h.server, nonSeqDatagram("print \"You have entered the game\""))

	if len(h.listener.chat) != 1 || h.listener.chat[0] != "Player(1): Hello, world!" {
		t.Errorf("chat: got %v", h.listener.chat)
	}
	if len(h.listener.teamChat) != 1 || h.listener.teamChat[0] != "Player(2): go go go" {
		t.Errorf("team chat: got %v", h.listener.teamChat)
	}
	if len(h.listener.tvChat) != 1 || h.listener.tvChat[0] != "Viewer: nice shot" {
		t.Errorf("tv chat: got %v", h.listener.tvChat)
	}
	if h.listener.motd != "Welcome!" {
		t.Errorf("motd: got %q", h.listener.motd)
	}
	if len(h.listener.centered) != 1 || h.listener.centered[0] != "You have entered the game" {
		t.Errorf("centered: got %v", h.listener.centered)
	}
}

func TestNoOpServerCommandsAreAccepted(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)

	for _, cmd := range []string{"mm", "scb", "ti", "changing"} {
		// None of these may produce an unknown-command diagnostic; a panic
		// or state change would fail the test.
		h.sys.deliver(h.server, nonSeqDatagram(cmd))
	}
	if h.ex.State() != StateChallenging {
		t.Errorf("no-op commands must not change state, got %v", h.ex.State())
	}
}

func TestServerCmdCollectsArgs(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)
	h.challengeToConnecting(t)
	h.sys.deliver(h.server, nonSeqDatagram("client_connect S"))

	sentBefore := len(h.sys.socket.sent)
	h.sys.deliver(h.server, nonSeqDatagram("cmd usercount 3"))
	if len(h.sys.socket.sent) != sentBefore {
		// The previous "new" still owns the wire, the cmd waits its turn.
		t.Fatal("a buffered command must not jump the queue")
	}

	// Acknowledge "new" (sequence 1), the collected command goes out.
	m := msgbuf.New(nil)
	m.WriteByte(proto.SvcClAck)
	m.WriteLong(1)
	m.WriteLong(0)
	h.sys.deliver(h.server, h.seqDatagram(m.Bytes()))

	body := seqBody(t, h.lastSent(t))
	if body[0] != proto.ClcClientCommand {
		t.Fatalf("want CLC_CLIENT_COMMAND, got %d", body[0])
	}
	payload := string(body[5 : len(body)-1])
	if payload != "usercount \"3\"" {
		t.Errorf("want %q got %q", "usercount \"3\"", payload)
	}
}

func TestUnknownSvcPrefixPanics(t *testing.T) {
	h := newHarness(t)
	h.connectToChallenging(t)

	defer func() {
		if recover() == nil {
			t.Error("an unknown svc prefix must panic")
		}
	}()
	h.sys.deliver(h.server, h.seqDatagram([]byte{proto.SvcExtension + 10}))
}

func TestTestListenerCommand(t *testing.T) {
	h := newHarness(t)
	h.ex.ExecuteCommand("test_listener")
	if h.listener.shownName != "Player" {
		t.Errorf("shown name: got %q", h.listener.shownName)
	}
	if h.listener.motd != "Message of the day" {
		t.Errorf("motd: got %q", h.listener.motd)
	}
}

func TestUnsupportedProtocolVersion(t *testing.T) {
	sys := &fakeSystem{}
	clock := &fakeClock{}
	rng := rand.New(7)
	if _, err := New(nil, zerolog.Nop(), clock, sys, &rng, &fakeListener{}, 23); err == nil {
		t.Error("an unsupported protocol version must be rejected")
	}
}
