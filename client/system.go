// SPDX-License-Identifier: GPL-2.0-or-later

// Package client wires the fake-client core into a host-facing handle: the
// System owns the clock, the socket poll loop, the client instances and the
// server-list lifecycle.
package client

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"p21fc/browser"
	"p21fc/channel"
	"p21fc/config"
	"p21fc/conlog"
	"p21fc/netaddr"
	"p21fc/proto"
	"p21fc/rand"
)

// Clock is the host-provided source of monotonic milliseconds.
type Clock interface {
	NowMillis() int64
}

// Socket is the full socket surface the system manages. ReadFrom must be
// non-blocking.
type Socket interface {
	channel.Socket
	ReadFrom(buf []byte) (n int, from netaddr.Address, ok bool)
	Close() error
}

// SocketFactory creates sockets of a requested address family.
type SocketFactory interface {
	NewSocket(ipv4 bool) (Socket, error)
}

type listenedSocket struct {
	socket   Socket
	buffer   []byte
	callback func(from netaddr.Address, dataSize int)
}

const maxSockets = proto.MaxFakeClientInstances + 2

// System is the explicit owned handle everything else hangs off. The
// registration side of its API is mutex-guarded so a host thread may mutate
// the system while another thread owns Frame; Frame itself pins the system
// to the first thread that calls it.
type System struct {
	// guards registration only, never held across frame callbacks
	mu sync.Mutex

	console conlog.Console
	log     zerolog.Logger
	clock   Clock
	sockets SocketFactory
	rng     rand.Generator

	// frame-coherent time, refreshed at the top of every Frame
	millis int64

	clients [proto.MaxFakeClientInstances]*Client

	listenedSockets []listenedSocket

	masterServers []netaddr.Address

	serverList   *browser.ServerList
	serverListV4 Socket
	serverListV6 Socket

	pendingShowEmpty      bool
	pendingShowPlayerInfo bool

	pinnedGoroutineID atomic.Int64
}

// Option configures a System.
type Option func(s *System)

func WithClock(clock Clock) Option {
	return func(s *System) { s.clock = clock }
}

func WithSocketFactory(factory SocketFactory) Option {
	return func(s *System) { s.sockets = factory }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *System) { s.log = log }
}

func WithRandSeed(seed uint32) Option {
	return func(s *System) { s.rng = rand.New(seed) }
}

// NewSystem builds a system handle. Master servers listed in the
// master_servers cvar are registered right away; the show_empty_servers and
// show_player_info cvars stay live through their callbacks.
func NewSystem(console conlog.Console, opts ...Option) *System {
	if console == nil {
		console = conlog.Discard
	}
	s := &System{
		console: console,
		log:     zerolog.Nop(),
		clock:   monotonicClock{start: time.Now()},
		rng:     rand.New(uint32(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sockets == nil {
		s.sockets = udpFactory{}
	}

	for _, addrString := range strings.Fields(config.MasterServers.String()) {
		address, err := netaddr.Parse(addrString)
		if err != nil {
			s.console.Printf("NewSystem(): skipping master server `%s`: %v\n", addrString, err)
			continue
		}
		s.AddMasterServer(address)
	}

	s.pendingShowEmpty = config.ShowEmptyServers.Bool()
	s.pendingShowPlayerInfo = config.ShowPlayerInfo.Bool()
	config.ShowEmptyServers.SetCallback(func(cv *config.Cvar) {
		s.SetServerListUpdateOptions(cv.Bool(), s.pendingShowPlayerInfo)
	})
	config.ShowPlayerInfo.SetCallback(func(cv *config.Cvar) {
		s.SetServerListUpdateOptions(s.pendingShowEmpty, cv.Bool())
	})

	return s
}

// NowMillis returns the frame-coherent monotonic time.
func (s *System) NowMillis() int64 { return s.millis }

func (s *System) Console() conlog.Console { return s.console }

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:"
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// CheckThread fails hard when the caller is not the goroutine the system got
// pinned to by the first Frame call. It catches real misuse.
func (s *System) CheckThread(function string) {
	pinned := s.pinnedGoroutineID.Load()
	if pinned == 0 || pinned == goroutineID() {
		return
	}
	s.console.Printf("%s: Attempt to use the System instance from different threads has been detected\n", function)
	panic(errors.Errorf("client: %s called off the frame thread", function))
}

// Frame runs one cooperative tick: refresh the clock, drain readable
// sockets, drive every client, then the server browser. The system pins
// itself to the first goroutine that calls Frame.
func (s *System) Frame(maxMillis int) {
	current := goroutineID()
	if pinned := s.pinnedGoroutineID.Load(); pinned != current {
		if pinned != 0 {
			s.CheckThread("System.Frame()")
		}
		s.pinnedGoroutineID.Store(current)
	}

	s.millis = s.clock.NowMillis()

	s.netPollFrame(maxMillis)
	s.clientsFrame()
	s.serverListFrame()
}

func (s *System) netPollFrame(maxMillis int) {
	s.mu.Lock()
	listened := append([]listenedSocket(nil), s.listenedSockets...)
	s.mu.Unlock()

	drained := 0
	for _, ls := range listened {
		for {
			n, from, ok := ls.socket.ReadFrom(ls.buffer)
			if !ok {
				break
			}
			drained++
			ls.callback(from, n)
		}
	}

	// The bounded readiness wait: with nothing readable, yield the frame
	// budget instead of spinning.
	if drained == 0 && maxMillis > 0 {
		time.Sleep(time.Duration(maxMillis) * time.Millisecond)
	}
}

func (s *System) clientsFrame() {
	s.mu.Lock()
	clients := s.clients
	s.mu.Unlock()

	for _, client := range clients {
		if client == nil || client.dead {
			continue
		}
		s.runClientFrame(client)
	}
}

// runClientFrame confines a fatal condition to the one instance that hit it:
// the process-wide loop survives, the instance is dead from here on.
func (s *System) runClientFrame(client *Client) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("client_instance", client.id.String()).
				Interface("panic", r).
				Msg("client instance died in frame")
			client.dead = true
		}
	}()
	client.Frame()
}

func (s *System) serverListFrame() {
	s.mu.Lock()
	sl := s.serverList
	s.mu.Unlock()
	if sl != nil {
		sl.Frame()
	}
}

func (s *System) Sleep(millis int) {
	time.Sleep(time.Duration(millis) * time.Millisecond)
}

// NewClient creates one of up to MAX_FAKE_CLIENT_INSTANCES client instances.
func (s *System) NewClient(console conlog.Console) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.clients {
		if s.clients[i] != nil {
			continue
		}
		client, err := newClient(console, s)
		if err != nil {
			return nil, err
		}
		s.clients[i] = client
		return client, nil
	}
	return nil, errors.New("client: too many client instances")
}

// DeleteClient tears a client down and frees its slot.
func (s *System) DeleteClient(client *Client) {
	if client == nil {
		s.console.Printf("System.DeleteClient(): the argument is null, the call is ignored\n")
		return
	}

	s.mu.Lock()
	found := false
	for i := range s.clients {
		if s.clients[i] == client {
			s.clients[i] = nil
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		s.console.Printf("System.DeleteClient(): unregistered client address\n")
		return
	}
	// Reset reaches RemoveListenedSocket, which takes the mutex itself.
	client.Reset()
}

// NewSocket implements channel.System.
func (s *System) NewSocket(ipv4 bool) (channel.Socket, error) {
	socket, err := s.sockets.NewSocket(ipv4)
	if err != nil {
		return nil, err
	}
	return socket, nil
}

// DeleteSocket implements channel.System.
func (s *System) DeleteSocket(socket channel.Socket) {
	if full, ok := socket.(Socket); ok {
		full.Close()
	}
}

// AddListenedSocket implements channel.System: it transfers the right to
// read into the named buffer to the frame loop.
func (s *System) AddListenedSocket(socket channel.Socket, buffer []byte,
	callback func(from netaddr.Address, dataSize int)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, ok := socket.(Socket)
	if !ok {
		s.console.Printf("Can't add a listened socket: unknown socket kind\n")
		return false
	}

	if len(s.listenedSockets) == maxSockets {
		s.console.Printf("Can't add a listened socket: too many sockets\n")
		return false
	}
	for _, ls := range s.listenedSockets {
		if ls.socket == full {
			s.console.Printf("Can't add a listened socket: the same socket is already present\n")
			return false
		}
	}

	s.listenedSockets = append(s.listenedSockets, listenedSocket{
		socket:   full,
		buffer:   buffer,
		callback: callback,
	})
	return true
}

// RemoveListenedSocket implements channel.System.
func (s *System) RemoveListenedSocket(socket channel.Socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, ls := range s.listenedSockets {
		if ls.socket == socket {
			// Replace by the last one
			s.listenedSockets[i] = s.listenedSockets[len(s.listenedSockets)-1]
			s.listenedSockets = s.listenedSockets[:len(s.listenedSockets)-1]
			return true
		}
	}
	s.console.Printf("Can't remove a listened socket: there is no same socket in the sockets set\n")
	return false
}

// AddMasterServer registers a master server address for server list updates.
func (s *System) AddMasterServer(address netaddr.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.masterServers) == proto.MaxMasterServers {
		return false
	}
	for _, known := range s.masterServers {
		if known == address {
			return false
		}
	}
	s.masterServers = append(s.masterServers, address)
	if s.serverList != nil {
		s.serverList.RefreshMasterServers(s.masterServers)
	}
	return true
}

// RemoveMasterServer forgets a master server address.
func (s *System) RemoveMasterServer(address netaddr.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, known := range s.masterServers {
		if known == address {
			s.masterServers = append(s.masterServers[:i], s.masterServers[i+1:]...)
			if s.serverList != nil {
				s.serverList.RefreshMasterServers(s.masterServers)
			}
			return true
		}
	}
	return false
}

// IsMasterServer checks whether an address is a known master server.
func (s *System) IsMasterServer(address netaddr.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, known := range s.masterServers {
		if known == address {
			return true
		}
	}
	return false
}

// StartUpdatingServerList starts polling master and game servers. The call
// is not idempotent: a duplicated call without StopUpdatingServerList
// in-between is a programming error.
func (s *System) StartUpdatingServerList(listener browser.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serverList != nil {
		s.console.Printf("System.StartUpdatingServerList(): the server list is already being updated\n")
		panic(errors.New("client: duplicated StartUpdatingServerList call"))
	}

	v4Socket, err := s.sockets.NewSocket(true)
	if err != nil {
		return errors.Wrap(err, "client: cannot create the IPv4 server list socket")
	}
	v6Socket, err := s.sockets.NewSocket(false)
	if err != nil {
		v4Socket.Close()
		return errors.Wrap(err, "client: cannot create the IPv6 server list socket")
	}

	sl := browser.New(s.console, s.log, s, v4Socket, v6Socket, proto.Protocol21, listener)
	sl.SetOptions(s.pendingShowEmpty, s.pendingShowPlayerInfo)
	sl.SetMasterServers(s.masterServers)

	s.serverList = sl
	s.serverListV4 = v4Socket
	s.serverListV6 = v6Socket

	s.listenedSockets = append(s.listenedSockets,
		listenedSocket{socket: v4Socket, buffer: sl.SocketBuffer(), callback: sl.HandleIncoming},
		listenedSocket{socket: v6Socket, buffer: sl.SocketBuffer(), callback: sl.HandleIncoming},
	)
	return nil
}

// SetServerListUpdateOptions stores the options and applies them to a
// running update, if any. A prior StartUpdatingServerList call is not
// mandatory.
func (s *System) SetServerListUpdateOptions(showEmpty, showPlayerInfo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingShowEmpty = showEmpty
	s.pendingShowPlayerInfo = showPlayerInfo
	if s.serverList != nil {
		s.serverList.SetOptions(showEmpty, showPlayerInfo)
	}
}

// StopUpdatingServerList is idempotent and legal without a prior start.
func (s *System) StopUpdatingServerList() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serverList == nil {
		return
	}

	s.removeListenedLocked(s.serverListV4)
	s.removeListenedLocked(s.serverListV6)
	s.serverListV4.Close()
	s.serverListV6.Close()

	s.serverList = nil
	s.serverListV4 = nil
	s.serverListV6 = nil
}

func (s *System) removeListenedLocked(socket Socket) {
	for i, ls := range s.listenedSockets {
		if ls.socket == socket {
			s.listenedSockets[i] = s.listenedSockets[len(s.listenedSockets)-1]
			s.listenedSockets = s.listenedSockets[:len(s.listenedSockets)-1]
			return
		}
	}
}

type monotonicClock struct {
	start time.Time
}

func (c monotonicClock) NowMillis() int64 {
	return time.Since(c.start).Milliseconds()
}
