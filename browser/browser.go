// SPDX-License-Identifier: GPL-2.0-or-later

// Package browser implements the LAN/internet server list: master server
// polling, per-server info/status polling, timeout eviction and change
// detection.
package browser

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"p21fc/browser/infoparse"
	"p21fc/browser/pool"
	"p21fc/conlog"
	"p21fc/msgbuf"
	"p21fc/netaddr"
)

const (
	maxPolledServers = 256
	maxServerInfos   = 768
	maxPlayerInfos   = 2048

	hashMapSize = 97

	masterPollIntervalMillis = 750
	serverPollIntervalMillis = 300

	// A server is evicted when it went silent for longer than this while a
	// recent request proves we were still asking.
	serverSilenceMillis = 5000
	recentRequestMillis = 1000
)

// Clock provides monotonic milliseconds.
type Clock interface {
	NowMillis() int64
}

// Socket sends browser datagrams. The v4 and v6 sockets are owned by the
// creator of the ServerList.
type Socket interface {
	SendDatagram(addr netaddr.Address, data []byte) bool
}

// Listener gets notified about server list changes. The views it receives
// borrow the list's storage and must not be retained past the callback.
type Listener interface {
	OnServerAdded(s *ServerView)
	OnServerRemoved(s *ServerView)
	OnServerUpdated(s *ServerView)
}

// PolledGameServer is one discovered game server under periodic polling.
type PolledGameServer struct {
	prevInList pool.Ref
	nextInList pool.Ref
	prevInBin  pool.Ref
	nextInBin  pool.Ref

	addressHash  uint32
	hashBinIndex int
	address      netaddr.Address

	currInfo pool.Ref
	oldInfo  pool.Ref

	lastInfoRequestSentAt int64
	lastInfoReceivedAt    int64

	lastAcknowledgedChallenge uint64

	instanceID uint32
}

// ServerView is a borrowed, read-only projection over one server record.
type ServerView struct {
	list   *ServerList
	server *PolledGameServer
}

func (v *ServerView) Address() netaddr.Address { return v.server.address }
func (v *ServerView) InstanceID() uint32       { return v.server.instanceID }

// Info returns the current snapshot, or nil before the first response.
func (v *ServerView) Info() *infoparse.ServerInfo {
	return v.list.infos.Get(v.server.currInfo)
}

// ForEachPlayer walks the player list of the current snapshot.
func (v *ServerView) ForEachPlayer(fn func(p *infoparse.PlayerInfo)) {
	info := v.Info()
	if info == nil {
		return
	}
	for ref := info.PlayerInfoHead; ref != pool.None; {
		p := v.list.players.Get(ref)
		fn(p)
		ref = p.Next
	}
}

// ServerList drives the discovery pipeline. It owns its pools and its two
// sockets' receive path; it is reached only from the frame thread.
type ServerList struct {
	console conlog.Console
	log     zerolog.Logger
	clock   Clock

	ipV4Socket Socket
	ipV6Socket Socket

	listener Listener

	message *msgbuf.Buffer
	parser  *infoparse.Parser

	servers *pool.Pool[PolledGameServer]
	infos   *pool.Pool[infoparse.ServerInfo]
	players *pool.Pool[infoparse.PlayerInfo]

	serversHead pool.Ref
	hashBins    [hashMapSize]pool.Ref

	masterServers    []netaddr.Address
	lastMasterIndex  int
	masterRateLimit  *rate.Limiter

	serverInstanceIDCounter uint32

	protocol int

	showEmptyServers bool
	showPlayerInfo   bool
}

func New(console conlog.Console, log zerolog.Logger, clock Clock,
	ipV4Socket, ipV6Socket Socket, protocol int, listener Listener) *ServerList {
	if listener == nil {
		panic(errors.New("browser: the listener must not be null"))
	}
	if console == nil {
		console = conlog.Discard
	}

	sl := &ServerList{
		console:    console,
		log:        log,
		clock:      clock,
		ipV4Socket: ipV4Socket,
		ipV6Socket: ipV6Socket,
		listener:   listener,
		message:    msgbuf.New(console),
		parser:     infoparse.NewParser(console),
		servers:    pool.New[PolledGameServer](maxPolledServers),
		infos:      pool.New[infoparse.ServerInfo](maxServerInfos),
		players:    pool.New[infoparse.PlayerInfo](maxPlayerInfos),
		protocol:   protocol,
		masterRateLimit: rate.NewLimiter(
			rate.Every(masterPollIntervalMillis*time.Millisecond), 1),
	}
	sl.serversHead = pool.None
	for i := range sl.hashBins {
		sl.hashBins[i] = pool.None
	}
	return sl
}

func (sl *ServerList) SetOptions(showEmptyServers, showPlayerInfo bool) {
	sl.showEmptyServers = showEmptyServers
	sl.showPlayerInfo = showPlayerInfo
}

// SetMasterServers replaces the polled master list without touching the
// already-discovered game servers.
func (sl *ServerList) SetMasterServers(addrs []netaddr.Address) {
	sl.masterServers = append(sl.masterServers[:0], addrs...)
	sl.lastMasterIndex = 0
}

// RefreshMasterServers is an alias kept for hosts that reconfigure masters
// while updates are running.
func (sl *ServerList) RefreshMasterServers(addrs []netaddr.Address) {
	sl.SetMasterServers(addrs)
}

// SocketBuffer is the receive buffer ingoing datagrams have to land in
// before HandleIncoming runs.
func (sl *ServerList) SocketBuffer() []byte { return sl.message.Raw() }

// Frame runs eviction and both poll schedules once.
func (sl *ServerList) Frame() {
	sl.dropTimedOutServers()

	sl.emitPollMasterServersPackets()
	sl.emitPollGameServersPackets()
}

func (sl *ServerList) emitPollMasterServersPackets() {
	now := sl.clock.NowMillis()
	if !sl.masterRateLimit.AllowN(time.UnixMilli(now), 1) {
		return
	}

	// The warning obeys the poll timer too, no console spam.
	if len(sl.masterServers) == 0 {
		sl.console.Printf("Warning: ServerList.emitPollMasterServersPackets(): there are no master servers\n")
		return
	}

	sl.lastMasterIndex = (sl.lastMasterIndex + 1) % len(sl.masterServers)
	sl.sendPollMasterServerPacket(sl.masterServers[sl.lastMasterIndex])
}

func (sl *ServerList) sendPollMasterServerPacket(address netaddr.Address) {
	empty := ""
	if sl.showEmptyServers {
		empty = " empty"
	}
	if !sl.sendPacket(address, "getserversExt Warsow %d full%s", sl.protocol, empty) {
		sl.console.Printf("Warning: ServerList.sendPollMasterServerPacket() failure\n")
	}
}

func (sl *ServerList) emitPollGameServersPackets() {
	now := sl.clock.NowMillis()

	for ref := sl.serversHead; ref != pool.None; {
		server := sl.servers.Get(ref)
		next := server.nextInList
		if now-server.lastInfoRequestSentAt >= serverPollIntervalMillis {
			sl.sendPollGameServerPacket(server)
			server.lastInfoRequestSentAt = now
		}
		ref = next
	}
}

func (sl *ServerList) sendPollGameServerPacket(server *PolledGameServer) {
	challenge := uint64(sl.clock.NowMillis())

	var result bool
	if sl.showPlayerInfo {
		result = sl.sendPacket(server.address, "getstatus %d", challenge)
	} else {
		result = sl.sendPacket(server.address, "getinfo %d", challenge)
	}

	if !result {
		sl.console.Printf("Warning: ServerList.sendPollGameServerPacket() failure\n")
	}
}

func (sl *ServerList) socketForAddressKind(address netaddr.Address) Socket {
	if address.IsIPv4() {
		return sl.ipV4Socket
	}
	return sl.ipV6Socket
}

// sendPacket emits the 0xFFFFFFFF prefix followed by a NUL-terminated
// formatted body.
func (sl *ServerList) sendPacket(address netaddr.Address, format string, args ...interface{}) bool {
	sl.message.Clear()
	sl.message.WriteLong(-1)
	sl.message.Printf(format, args...)
	return sl.socketForAddressKind(address).SendDatagram(address, sl.message.Bytes())
}

func (sl *ServerList) dropTimedOutServers() {
	now := sl.clock.NowMillis()

	for ref := sl.serversHead; ref != pool.None; {
		server := sl.servers.Get(ref)
		next := server.nextInList
		if now-server.lastInfoRequestSentAt < recentRequestMillis {
			// Wait for the first info received...
			if server.lastInfoReceivedAt != 0 && now-server.lastInfoReceivedAt > serverSilenceMillis {
				sl.dropServer(ref, server)
			}
		}
		ref = next
	}
}

func (sl *ServerList) dropServer(ref pool.Ref, server *PolledGameServer) {
	sl.listener.OnServerRemoved(&ServerView{list: sl, server: server})

	sl.unlinkServerFromHashBin(server)
	sl.unlinkServerFromList(ref, server)

	sl.freeServerInfo(server.currInfo)
	sl.freeServerInfo(server.oldInfo)
	sl.servers.Free(ref)
}

func (sl *ServerList) freeServerInfo(ref pool.Ref) {
	if info := sl.infos.Get(ref); info != nil {
		info.ReleasePlayers(sl.players)
		sl.infos.Free(ref)
	}
}

// HandleIncoming parses one datagram that has been received into
// SocketBuffer. Responses from unknown servers are dropped silently: that
// legally happens when a server times out and a late packet arrives.
func (sl *ServerList) HandleIncoming(from netaddr.Address, dataSize int) {
	if dataSize < 5 {
		sl.console.Printf("ServerList.HandleIncoming(): Warning: too few ingoing bytes\n")
		return
	}

	m := sl.message
	m.Clear()
	m.SetCurrSize(dataSize)

	if prefix := m.ReadLong(); prefix != -1 {
		sl.console.Printf("ServerList.HandleIncoming(): Warning: bad ingoing data prefix: %d\n", prefix)
		return
	}

	switch b := m.ReadByte(); b {
	case 'g', 'G':
		sl.parseGetServersExtResponse(from)
	case 'i', 'I':
		sl.parseInfoResponse(from)
	case 's', 'S':
		sl.parseGetStatusResponse(from)
	default:
		sl.console.Printf("Unknown response prefix: %d\n", b)
	}
}

func (sl *ServerList) parseGetServersExtResponse(from netaddr.Address) {
	const function = "ServerList.parseGetServersExtResponse()"
	m := sl.message

	prefixLen := len("getserversExtResponse") - 1
	if m.BytesLeft() <= prefixLen {
		sl.console.Printf("%s: Too few bytes in message for the expected prefix\n", function)
		return
	}
	m.Skip(prefixLen)

	for {
		if m.BytesLeft() == 0 {
			sl.console.Printf("%s: No bytes left in message\n", function)
			return
		}
		startPrefix := byte(m.ReadByte())

		switch startPrefix {
		case '\\':
			if m.BytesLeft() < 6 {
				sl.console.Printf("%s: Warning: Too few bytes in message for an IPv4 address\n", function)
				return
			}
			record := m.Bytes()[m.ReadCount() : m.ReadCount()+6]
			addressBytes, portBytes := record[:4], record[4:]
			// Stop parsing on a zero port, like the actual engines do.
			if portBytes[0]|portBytes[1] == 0 {
				return
			}
			sl.onServerAddressReceived(
				netaddr.FromIPv4Data(addressBytes, portBytes),
				netaddr.HashForIPv4Data(addressBytes, portBytes))
			m.Skip(6)
		case '/':
			if m.BytesLeft() < 18 {
				sl.console.Printf("%s: Warning: Too few bytes in message for an IPv6 address\n", function)
				return
			}
			record := m.Bytes()[m.ReadCount() : m.ReadCount()+18]
			addressBytes, portBytes := record[:16], record[16:]
			if portBytes[0]|portBytes[1] == 0 {
				return
			}
			sl.onServerAddressReceived(
				netaddr.FromIPv6Data(addressBytes, portBytes),
				netaddr.HashForIPv6Data(addressBytes, portBytes))
			m.Skip(18)
		default:
			sl.console.Printf("%s: Warning: Illegal address prefix `%c`\n", function, startPrefix)
			return
		}
	}
}

func (sl *ServerList) onServerAddressReceived(address netaddr.Address, addressHash uint32) {
	binIndex := int(addressHash % hashMapSize)

	for ref := sl.hashBins[binIndex]; ref != pool.None; {
		server := sl.servers.Get(ref)
		if server.addressHash == addressHash && server.address == address {
			// A duplicate
			return
		}
		ref = server.nextInBin
	}

	sl.addNewServer(address, addressHash, binIndex)
}

func (sl *ServerList) addNewServer(address netaddr.Address, addressHash uint32, binIndex int) {
	ref, server, ok := sl.servers.Alloc()
	if !ok {
		return
	}
	sl.serverInstanceIDCounter++

	server.address = address
	server.currInfo = pool.None
	server.oldInfo = pool.None
	server.instanceID = sl.serverInstanceIDCounter

	// Link to the servers list head
	server.prevInList = pool.None
	server.nextInList = sl.serversHead
	if sl.serversHead != pool.None {
		sl.servers.Get(sl.serversHead).prevInList = ref
	}
	sl.serversHead = ref

	// Link to the hash bin head
	server.addressHash = addressHash
	server.hashBinIndex = binIndex
	server.prevInBin = pool.None
	server.nextInBin = sl.hashBins[binIndex]
	if sl.hashBins[binIndex] != pool.None {
		sl.servers.Get(sl.hashBins[binIndex]).prevInBin = ref
	}
	sl.hashBins[binIndex] = ref
}

func (sl *ServerList) unlinkServerFromList(ref pool.Ref, server *PolledGameServer) {
	if server.nextInList != pool.None {
		sl.servers.Get(server.nextInList).prevInList = server.prevInList
	}
	if server.prevInList != pool.None {
		sl.servers.Get(server.prevInList).nextInList = server.nextInList
	} else {
		sl.serversHead = server.nextInList
	}
	server.prevInList = pool.None
	server.nextInList = pool.None
}

func (sl *ServerList) unlinkServerFromHashBin(server *PolledGameServer) {
	if server.nextInBin != pool.None {
		sl.servers.Get(server.nextInBin).prevInBin = server.prevInBin
	}
	if server.prevInBin != pool.None {
		sl.servers.Get(server.prevInBin).nextInBin = server.nextInBin
	} else {
		sl.hashBins[server.hashBinIndex] = server.nextInBin
	}
	server.prevInBin = pool.None
	server.nextInBin = pool.None
}

func (sl *ServerList) findServerByAddress(address netaddr.Address) (pool.Ref, *PolledGameServer) {
	hash := address.Hash()
	for ref := sl.hashBins[hash%hashMapSize]; ref != pool.None; {
		server := sl.servers.Get(ref)
		if server.addressHash == hash && server.address == address {
			return ref, server
		}
		ref = server.nextInBin
	}
	return pool.None, nil
}

func (sl *ServerList) expectPrefix(rest string, caller string) bool {
	m := sl.message
	if m.BytesLeft() <= len(rest) {
		sl.console.Printf("%s: Too few bytes in message for the expected prefix\n", caller)
		return false
	}
	m.Skip(len(rest))
	if m.ReadByte() != '\n' {
		sl.console.Printf("%s: Expected a '\\n' terminator of the prefix\n", caller)
		return false
	}
	return true
}

func (sl *ServerList) parseInfoResponse(from netaddr.Address) {
	const function = "ServerList.parseInfoResponse()"

	_, server := sl.findServerByAddress(from)
	if server == nil {
		return
	}

	if !sl.expectPrefix("nfoResponse", function) {
		return
	}

	infoRef := sl.parseServerInfo(server)
	if infoRef == pool.None {
		return
	}

	// The terminating '\n' is optional at the end of data.
	if sl.message.BytesLeft() > 0 && sl.message.Bytes()[sl.message.ReadCount()] == '\n' {
		sl.message.Skip(1)
	}
	if sl.message.BytesLeft() > 0 {
		sl.console.Printf("Warning: %s: there are extra bytes in the message\n", function)
		sl.freeServerInfo(infoRef)
		return
	}

	sl.infos.Get(infoRef).HasPlayerInfo = false
	sl.onNewServerInfo(server, infoRef)
}

func (sl *ServerList) parseGetStatusResponse(from netaddr.Address) {
	const function = "ServerList.parseGetStatusResponse()"

	_, server := sl.findServerByAddress(from)
	if server == nil {
		return
	}

	if !sl.expectPrefix("tatusResponse", function) {
		return
	}

	infoRef := sl.parseServerInfo(server)
	if infoRef == pool.None {
		return
	}
	info := sl.infos.Get(infoRef)

	// An absent player list is not a parsing failure, parse only if there
	// are clients to describe.
	if info.NumClients > 0 {
		if !sl.parser.ParsePlayers(sl.message, sl.players, info) {
			sl.freeServerInfo(infoRef)
			return
		}
	}

	info.HasPlayerInfo = true
	sl.onNewServerInfo(server, infoRef)
}

func (sl *ServerList) parseServerInfo(server *PolledGameServer) pool.Ref {
	ref, info, ok := sl.infos.Alloc()
	if !ok {
		return pool.None
	}
	info.PlayerInfoHead = pool.None

	if !sl.parser.Parse(sl.message, info, server.lastAcknowledgedChallenge) {
		sl.infos.Free(ref)
		return pool.None
	}
	server.lastAcknowledgedChallenge = sl.parser.ParsedChallenge()
	return ref
}

func (sl *ServerList) onNewServerInfo(server *PolledGameServer, newInfoRef pool.Ref) {
	sl.freeServerInfo(server.oldInfo)
	server.oldInfo = server.currInfo
	server.currInfo = newInfoRef
	server.lastInfoReceivedAt = sl.clock.NowMillis()

	newInfo := sl.infos.Get(newInfoRef)
	oldInfo := sl.infos.Get(server.oldInfo)

	if !newInfo.MatchesOld(oldInfo, sl.players) {
		view := &ServerView{list: sl, server: server}
		if oldInfo != nil {
			sl.listener.OnServerUpdated(view)
		} else {
			// Defer server addition until a first info arrives, otherwise
			// there is just nothing to show in a server browser.
			sl.listener.OnServerAdded(view)
		}
	}
}
