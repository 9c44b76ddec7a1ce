// SPDX-License-Identifier: GPL-2.0-or-later

package protoexec

import (
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"p21fc/channel"
	"p21fc/cmdbuf"
	"p21fc/cmdparse"
	"p21fc/conlog"
	"p21fc/msgbuf"
	"p21fc/netaddr"
	"p21fc/proto"
	"p21fc/rand"
)

// State is the connection state of the protocol executor.
type State int

const (
	StateDisconnected State = iota
	StateSetup
	StateChallenging
	StateConnecting
	StateLoading
	StateConfiguring
	StateEntering
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSetup:
		return "setup"
	case StateChallenging:
		return "challenging"
	case StateConnecting:
		return "connecting"
	case StateLoading:
		return "loading"
	case StateConfiguring:
		return "configuring"
	case StateEntering:
		return "entering"
	case StateActive:
		return "active"
	}
	return "unknown"
}

// Clock provides monotonic milliseconds.
type Clock interface {
	NowMillis() int64
}

// Listener receives the host-facing callbacks of one client instance.
type Listener interface {
	SetShownPlayerName(name string)
	SetMessageOfTheDay(motd string)
	PrintCenteredMessage(message string)
	PrintChatMessage(from, message string)
	PrintTeamChatMessage(from, message string)
	PrintTVChatMessage(from, message string)
}

// MessageParser decodes ingame sequenced payloads and drives the executor
// through ExecuteServerCommand, SendCommandAck, SendFrameAck and Activate.
type MessageParser interface {
	Parse(m *msgbuf.Buffer)
	Reset()
}

// Executor runs the connection state machine of one fake client: handshake,
// server command dispatch, keepalive move frames and command generation.
type Executor struct {
	console  conlog.Console
	log      zerolog.Logger
	clock    Clock
	listener Listener

	channel       *channel.Channel
	commandBuffer *cmdbuf.Buffer

	serverCommandHandlers *cmdparse.Registry
	clientCommandHandlers *cmdparse.Registry

	world         *WorldState
	messageParser MessageParser

	clientState     State
	protocolVersion int

	resendAt   int64
	lastSentAt int64

	lastFrame  int64
	serverTime int64

	currServerAddress netaddr.Address

	name     string
	password string

	challenge string
	session   string

	// The connect command is built once per challenge and reused verbatim by
	// every resend, so servers that hash the userinfo string see identical bytes.
	connectPayload string

	autoReconnect bool
}

// New builds an executor for a protocol version. Only protocol 22 exists
// today; the version argument is the extension point for future ones.
func New(console conlog.Console, log zerolog.Logger, clock Clock, sys channel.System,
	rng *rand.Generator, listener Listener, protocolVersion int) (*Executor, error) {
	if protocolVersion != proto.Protocol21 {
		return nil, errors.Errorf("protoexec: unsupported protocol version %d", protocolVersion)
	}
	if console == nil {
		console = conlog.Discard
	}

	e := &Executor{
		console:         console,
		log:             log,
		clock:           clock,
		listener:        listener,
		world:           NewWorldState(protocolVersion),
		protocolVersion: protocolVersion,
	}
	e.channel = channel.New(console, sys, rng, e)
	e.commandBuffer = cmdbuf.New(console, clock, e.channel)
	e.commandBuffer.OnReliableSend = func() {
		e.lastSentAt = e.clock.NowMillis()
	}
	e.messageParser = newParser21(console, e)

	e.serverCommandHandlers = cmdparse.NewRegistry(console, "trying to execute a server command")
	e.clientCommandHandlers = cmdparse.NewRegistry(console, "trying to execute a command")

	e.registerServerCommands()
	e.registerClientCommands()

	e.Reset()
	return e, nil
}

func (e *Executor) registerServerCommands() {
	r := e.serverCommandHandlers

	// Persistent server commands
	r.Register("challenge", e.serverCommandChallenge)
	r.Register("client_connect", e.serverCommandClientConnect)
	r.Register("cs", e.serverCommandCs)
	r.Register("cmd", e.serverCommandCmd)
	r.Register("precache", e.serverCommandPrecache)
	r.Register("disconnect", e.serverCommandDisconnect)
	r.Register("reject", e.serverCommandReject)
	r.Register("forcereconnect", e.serverCommandForceReconnect)
	r.Register("reconnect", e.serverCommandReconnect)

	r.Register("pr", e.serverCommandPr)
	r.Register("print", e.serverCommandPrint)
	r.Register("ch", e.serverCommandCh)
	r.Register("tch", e.serverCommandTch)
	r.Register("tvch", e.serverCommandTvch)
	r.Register("motd", e.serverCommandMotd)

	for _, name := range []string{
		"mm", "mapmsg", "plstats", "scb", "obry", "ti", "cvarinfo", "demoget",
		"cha", "chr", "mecu", "meop", "memo", "changing", "cp", "cpf", "aw", "qm",
	} {
		r.Register(name, nil)
	}

	r.NewGeneration()

	// Per-session server commands
	r.Register("dstart", nil)
	r.Register("dstop", nil)
	r.Register("dcancel", nil)
	r.Register("cpc", nil)
	r.Register("cpa", nil)
}

func (e *Executor) registerClientCommands() {
	r := e.clientCommandHandlers

	r.Register("connect", e.commandConnect)
	r.Register("disconnect", e.commandDisconnect)
	r.Register("test_listener", e.commandTestListener)

	r.NewGeneration()
}

func (e *Executor) State() State { return e.clientState }

func (e *Executor) SetName(name string)         { e.name = name }
func (e *Executor) SetPassword(password string) { e.password = password }

// SetAutoReconnect sets the sticky flag honoured by the server `reject` and
// `disconnect` handlers. It is cleared only by an explicit user disconnect.
func (e *Executor) SetAutoReconnect(autoReconnect bool) { e.autoReconnect = autoReconnect }

func (e *Executor) World() *WorldState { return e.world }

func (e *Executor) setState(state State, resendAt int64) {
	e.clientState = state
	e.resendAt = resendAt
}

func (e *Executor) millis() int64 { return e.clock.NowMillis() }

func (e *Executor) send() {
	e.channel.Send()
	e.lastSentAt = e.millis()
}

// ExecuteCommand dispatches a textual client command ("connect <address>",
// "disconnect").
func (e *Executor) ExecuteCommand(command string) {
	e.clientCommandHandlers.HandleCommand(cmdparse.NewParser(command))
}

// ExecuteServerCommand dispatches a textual command supplied by the server.
func (e *Executor) ExecuteServerCommand(command string) {
	e.serverCommandHandlers.HandleCommand(cmdparse.NewParser(command))
}

// OnSequencedMessage forwards ingame payloads to the message parser.
func (e *Executor) OnSequencedMessage(m *msgbuf.Buffer) {
	e.messageParser.Parse(m)
}

// OnNonSequencedMessage dispatches out-of-band server text commands.
func (e *Executor) OnNonSequencedMessage(m *msgbuf.Buffer) {
	e.serverCommandHandlers.HandleCommand(cmdparse.NewParser(m.ReadString()))
}

func (e *Executor) commandConnect(p *cmdparse.Parser) {
	arg, ok := p.GetArg()
	if !ok {
		e.console.Printf("Cannot execute `connect` command: the address is not specified\n")
		return
	}

	address, err := netaddr.Parse(arg)
	if err != nil {
		e.console.Printf("Cannot execute `connect` command: illegal address `%s`\n", arg)
		return
	}
	e.ConnectTo(address)
}

// ConnectTo starts the handshake against a resolved server address.
func (e *Executor) ConnectTo(address netaddr.Address) {
	if !e.channel.PrepareForAddress(address) {
		return
	}

	e.currServerAddress = address
	e.connectPayload = ""
	e.channel.StartListening()
	e.doChallengeRequest()
}

func (e *Executor) commandDisconnect(p *cmdparse.Parser) {
	e.autoReconnect = false
	e.Disconnect()
}

// Disconnect is an idempotent terminator.
func (e *Executor) Disconnect() {
	if e.clientState == StateDisconnected {
		return
	}
	e.doDisconnectRequest()
	e.channel.StopListening()
}

func (e *Executor) commandTestListener(p *cmdparse.Parser) {
	if e.listener == nil {
		e.console.Printf("Executor.commandTestListener(): there is no client listener\n")
		return
	}
	e.listener.SetShownPlayerName("Player")
	e.listener.SetMessageOfTheDay("Message of the day")
	e.listener.PrintCenteredMessage("King of Bongo!")
	e.listener.PrintChatMessage("Player(1)", "Hello, world!")
	e.listener.PrintTeamChatMessage("Player(1)", "Hello, world!")
	e.listener.PrintTVChatMessage("Player(1)", "Hello, world!")
}

func (e *Executor) doChallengeRequest() {
	e.console.Printf("Requesting challenge...\n")
	m := e.channel.PrepareNonSequencedOutgoing()
	m.WriteString("getchallenge")
	e.send()
	e.setState(StateChallenging, e.millis()+proto.Timeout)
}

func (e *Executor) doConnectRequest() {
	e.console.Printf("Sending connection request...\n")
	if e.connectPayload == "" {
		e.connectPayload = fmt.Sprintf("connect %d %d %s \"\\name\\%s\\password\\%s\" 0",
			e.protocolVersion, e.channel.NatPunchthroughPort(), e.challenge, e.name, e.password)
	}
	m := e.channel.PrepareNonSequencedOutgoing()
	m.WriteString(e.connectPayload)
	e.send()
	e.setState(StateConnecting, e.millis()+proto.Timeout)
}

func (e *Executor) doDisconnectRequest() {
	e.console.Printf("Disconnecting...\n")
	for i := 0; i < 3; i++ {
		m := e.channel.PrepareNonSequencedOutgoing()
		m.WriteString("disconnect")
		e.send()
	}
	e.setState(StateDisconnected, 0)
}

// SendCommandAck acknowledges a server command number on the wire.
func (e *Executor) SendCommandAck(ackNum int64) {
	if ackNum > math.MaxInt32 {
		e.console.Printf("Executor.SendCommandAck(): integer overflow\n")
		return
	}
	m := e.channel.PrepareSequencedOutgoing()
	m.WriteByte(proto.ClcSvAck)
	m.WriteLong(int(ackNum))
	e.send()
}

// SendFrameAck emits the minimal user-command stand-in acknowledging a frame.
func (e *Executor) SendFrameAck(lastFrame int64, serverTime int64) {
	if lastFrame > math.MaxInt32 {
		e.console.Printf("Executor.SendFrameAck(): integer overflow on `lastFrame` arg\n")
		return
	}
	if serverTime > math.MaxInt32 {
		e.console.Printf("Executor.SendFrameAck(): integer overflow on `serverTime` arg\n")
		return
	}

	e.lastFrame = lastFrame
	e.serverTime = serverTime

	m := e.channel.PrepareSequencedOutgoing()
	e.addMove(m, lastFrame, serverTime)
	e.send()
}

// TryAcknowledge forwards a command acknowledgement to the buffer.
func (e *Executor) TryAcknowledge(ackNum int64) {
	e.commandBuffer.TryAcknowledge(ackNum)
}

func (e *Executor) addMove(m *msgbuf.Buffer, lastFrame int64, serverTime int64) {
	m.WriteByte(proto.ClcMove)
	m.WriteLong(int(lastFrame))
	m.WriteLong(2)
	m.WriteByte(1)
	m.WriteByte(0)
	m.WriteLong(int(serverTime))
}

// Activate completes the Entering state once the server acknowledged us.
func (e *Executor) Activate() {
	if e.clientState != StateEntering {
		return
	}
	e.setState(StateActive, 0)
}

func (e *Executor) enter() {
	e.console.Printf("Entering the game...\n")
	e.EnqueueCommand("begin %d", e.world.SpawnCount())
	e.setState(StateEntering, 0)
}

// Reset is an idempotent terminator: world state, per-session command
// handlers, the channel and the command buffer all go back to their initial
// state.
func (e *Executor) Reset() {
	e.clientState = StateDisconnected

	e.world.Clear()
	e.messageParser.Reset()

	e.serverCommandHandlers.Clear(e.serverCommandHandlers.CurrGeneration())
	e.clientCommandHandlers.Clear(e.clientCommandHandlers.CurrGeneration())

	e.channel.Reset()
	e.commandBuffer.Reset()
}

// Frame drives resend and state timers. It has to be called cooperatively by
// the owner of the executor.
func (e *Executor) Frame() {
	if e.clientState <= StateDisconnected {
		return
	}

	e.commandBuffer.Resend()

	switch e.clientState {
	case StateChallenging:
		if e.millis() >= e.resendAt {
			e.doChallengeRequest()
		}
	case StateConnecting:
		if e.millis() >= e.resendAt {
			e.doConnectRequest()
		}
	case StateLoading:
		if e.world.PlayerNum() == 0 {
			return
		}
		e.console.Printf("Requesting configstrings...\n")
		e.EnqueueCommand("configstrings %d 0", e.world.SpawnCount())
		e.setState(StateConfiguring, 0)
	case StateActive:
		if e.millis() >= e.lastSentAt+proto.InactiveTime {
			m := e.channel.PrepareSequencedOutgoing()
			e.addMove(m, e.lastFrame, e.serverTime)
			e.send()
		}
	}
}

// EnqueueCommand queues a formatted command for the server, choosing the
// reliable or the buffered path per the connection flags.
func (e *Executor) EnqueueCommand(format string, args ...interface{}) {
	if e.clientState < StateSetup {
		e.console.Printf("Executor.EnqueueCommand(): not connected\n")
		return
	}

	var err error
	if e.world.IsConnectionReliable() {
		err = e.commandBuffer.EnqueueReliable(format, args...)
	} else {
		err = e.commandBuffer.EnqueueUnreliable(format, args...)
	}
	if err != nil {
		e.console.Printf("Executor.EnqueueCommand(): command dropped: %v\n", err)
		e.log.Warn().Err(err).Msg("command dropped on enqueue")
	}
}

func (e *Executor) serverCommandChallenge(p *cmdparse.Parser) {
	token, _, ok := p.GetCommand()
	if !ok {
		e.console.Printf("Cannot execute server `challenge` command: missing an argument\n")
		return
	}
	e.challenge = token
	e.connectPayload = ""
	e.doConnectRequest()
}

func (e *Executor) serverCommandClientConnect(p *cmdparse.Parser) {
	token, _, ok := p.GetCommand()
	if !ok {
		e.console.Printf("Cannot execute server `client_connect` command: missing an argument\n")
		return
	}
	e.session = token
	e.clientConnect()
}

func (e *Executor) clientConnect() {
	e.console.Printf("Sending serverdata request...\n")
	e.EnqueueCommand("new")
	e.setState(StateLoading, 0)
}

func (e *Executor) serverCommandCs(p *cmdparse.Parser) {
	for {
		numToken, ok := p.GetArg()
		if !ok {
			break
		}
		num, err := strconv.Atoi(numToken)
		if err != nil || num < 0 || num >= e.world.MaxConfigStrings() {
			e.console.Printf("Cannot execute server `cs` command: illegal configstring number %s\n", numToken)
			break
		}
		valueToken, ok := p.GetArg()
		if !ok {
			e.console.Printf("Cannot execute server `cs` command: missing configstring value for string #%d\n", num)
			break
		}
		e.world.SetConfigString(num, valueToken)
	}
}

func (e *Executor) serverCommandCmd(p *cmdparse.Parser) {
	token, ok := p.GetArg()
	if !ok {
		e.console.Printf("Cannot execute server `cmd` command: an argument is missing\n")
		return
	}

	buffer := token
	for {
		token, ok = p.GetArg()
		if !ok {
			break
		}
		if len(buffer)+len(token)+3 >= proto.MaxStringChars {
			e.console.Printf("Cannot execute server `cmd` command: the command is too long\n")
			return
		}
		buffer += " \"" + token + "\""
	}

	e.EnqueueCommand("%s", buffer)
	e.resendAt = e.millis() + proto.Timeout
}

func (e *Executor) serverCommandPrecache(p *cmdparse.Parser) {
	if e.clientState != StateConfiguring {
		return
	}
	if e.world.ConfigString(0) == "" {
		return
	}
	e.enter()
}

func (e *Executor) serverCommandDisconnect(p *cmdparse.Parser) {
	if e.autoReconnect {
		e.serverCommandReconnect(p)
	} else {
		e.Disconnect()
	}
}

func (e *Executor) serverCommandReject(p *cmdparse.Parser) {
	if e.clientState > StateConnecting {
		return
	}

	arg, _, ok := p.GetCommand()
	if !ok {
		e.console.Printf("Cannot execute server `reject` command: missing the drop type\n")
		return
	}
	dropType, err := strconv.Atoi(arg)
	if err != nil || dropType < 0 {
		e.console.Printf("Cannot execute server `reject` command: illegal drop type token\n")
		return
	}

	arg, _, ok = p.GetCommand()
	if !ok {
		e.console.Printf("Cannot execute server `reject` command: missing the drop flags\n")
		return
	}
	dropFlags, err := strconv.Atoi(arg)
	if err != nil || dropFlags < 0 {
		e.console.Printf("Cannot execute server `reject` command: illegal drop flags token\n")
		return
	}

	arg, _, ok = p.GetCommand()
	if !ok {
		e.console.Printf("Cannot execute server `reject` command: missing the drop reason string\n")
		return
	}

	e.console.Printf("Rejected: %s\n", arg)
	e.Disconnect()

	if dropFlags&proto.DropFlagAutoReconnect != 0 || e.autoReconnect {
		e.clientConnect()
	}
}

func (e *Executor) serverCommandForceReconnect(p *cmdparse.Parser) {
	address := e.currServerAddress

	e.Reset()
	e.ConnectTo(address)
}

func (e *Executor) serverCommandReconnect(p *cmdparse.Parser) {
	e.Disconnect()
	e.clientConnect()
}

func (e *Executor) serverCommandPr(p *cmdparse.Parser) {
	if token, ok := p.GetArg(); ok {
		e.console.Printf("%s", token)
	}
}

func (e *Executor) serverCommandPrint(p *cmdparse.Parser) {
	if token, ok := p.GetArg(); ok {
		if e.listener == nil {
			e.console.Printf("Executor.serverCommandPrint(): there is no client listener\n")
			return
		}
		e.listener.PrintCenteredMessage(token)
	}
}

func (e *Executor) handleServerChatCommand(p *cmdparse.Parser, handler func(from, message string)) {
	from, ok := p.GetArg()
	if !ok {
		return
	}
	message, ok := p.GetArg()
	if !ok {
		return
	}
	handler(from, message)
}

func (e *Executor) serverCommandCh(p *cmdparse.Parser) {
	if e.listener == nil {
		e.console.Printf("Executor.serverCommandCh(): there is no client listener\n")
		return
	}
	e.handleServerChatCommand(p, e.listener.PrintChatMessage)
}

func (e *Executor) serverCommandTch(p *cmdparse.Parser) {
	if e.listener == nil {
		e.console.Printf("Executor.serverCommandTch(): there is no client listener\n")
		return
	}
	e.handleServerChatCommand(p, e.listener.PrintTeamChatMessage)
}

func (e *Executor) serverCommandTvch(p *cmdparse.Parser) {
	if e.listener == nil {
		e.console.Printf("Executor.serverCommandTvch(): there is no client listener\n")
		return
	}
	e.handleServerChatCommand(p, e.listener.PrintTVChatMessage)
}

func (e *Executor) serverCommandMotd(p *cmdparse.Parser) {
	if token, ok := p.GetArg(); ok {
		if e.listener == nil {
			e.console.Printf("Executor.serverCommandMotd(): there is no client listener\n")
			return
		}
		e.listener.SetMessageOfTheDay(token)
	}
}
