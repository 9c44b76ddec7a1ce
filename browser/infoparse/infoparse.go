// SPDX-License-Identifier: GPL-2.0-or-later

// Package infoparse decodes the backslash-delimited server-info format and
// the quoted player lines of status responses. Any violation rejects the
// whole record: the caller never sees a partially populated snapshot.
package infoparse

import (
	"strconv"
	"strings"

	"p21fc/browser/pool"
	"p21fc/cmdparse"
	"p21fc/conlog"
	"p21fc/msgbuf"
)

type handlerFunc func(p *Parser, value string) bool

type handlerEntry struct {
	nextInHashBin int8
	handler       handlerFunc
	key           string
	keyHash       uint32
}

const (
	hashMapSize = 17
	maxHandlers = 16
)

// Parser holds the key handler table plus the per-call parse state.
type Parser struct {
	console conlog.Console

	handlersStorage [maxHandlers]handlerEntry
	handlersHashMap [hashMapSize]int8
	numHandlers     int

	// These fields pass info during one Parse call
	info                      *ServerInfo
	lastAcknowledgedChallenge uint64

	// Parsed along with the info KV pairs
	parsedChallenge uint64
}

func NewParser(console conlog.Console) *Parser {
	if console == nil {
		console = conlog.Discard
	}
	p := &Parser{console: console}
	for i := range p.handlersHashMap {
		p.handlersHashMap[i] = -1
	}

	p.addHandler("challenge", (*Parser).handleChallenge)
	p.addHandler("sv_hostname", (*Parser).handleHostname)
	p.addHandler("sv_maxclients", (*Parser).handleMaxClients)
	p.addHandler("mapname", (*Parser).handleMapname)
	p.addHandler("g_match_time", (*Parser).handleMatchTime)
	p.addHandler("g_match_score", (*Parser).handleMatchScore)
	p.addHandler("fs_game", (*Parser).handleGameFS)
	p.addHandler("gametype", (*Parser).handleGametype)
	p.addHandler("bots", (*Parser).handleNumBots)
	p.addHandler("clients", (*Parser).handleNumClients)
	p.addHandler("g_needpass", (*Parser).handleNeedPass)
	return p
}

func (p *Parser) addHandler(key string, handler handlerFunc) {
	if p.numHandlers == maxHandlers {
		p.console.Printf("Parser.addHandler(): too many handlers\n")
		panic("infoparse: too many handlers")
	}
	index := int8(p.numHandlers)
	e := &p.handlersStorage[index]
	p.numHandlers++

	e.key = key
	e.keyHash = cmdparse.StringHash(key)
	e.handler = handler

	bin := e.keyHash % hashMapSize
	e.nextInHashBin = p.handlersHashMap[bin]
	p.handlersHashMap[bin] = index
}

// ParsedChallenge returns the challenge of the last successful Parse call.
func (p *Parser) ParsedChallenge() uint64 { return p.parsedChallenge }

// Parse consumes `\key\value...` pairs from the message up to a '\n' or the
// end of data. A challenge key is mandatory and must strictly exceed the
// last acknowledged one. On success the read cursor is left at the '\n' (if
// any) and true is returned; any violation leaves info unspecified and
// returns false.
func (p *Parser) Parse(m *msgbuf.Buffer, info *ServerInfo, lastAcknowledgedChallenge uint64) bool {
	p.info = info
	p.lastAcknowledgedChallenge = lastAcknowledgedChallenge
	p.parsedChallenge = 0

	chars := string(m.Bytes()[m.ReadCount():])
	i := 0

	const missingChallenge = "Warning: Parser.Parse(): missing a challenge\n"

	for {
		if i >= len(chars) {
			if p.parsedChallenge == 0 {
				p.console.Printf(missingChallenge)
				return false
			}
			m.SetReadCount(m.CurrSize())
			return true
		}

		// Expect a new '\'
		if chars[i] != '\\' {
			return false
		}
		i++

		// Expect a key
		keyStart := i
		for i < len(chars) && chars[i] != '\\' {
			i++
		}
		if i >= len(chars) {
			return false
		}
		key := chars[keyStart:i]
		keyHash := cmdparse.StringHash(key)
		i++

		// Expect a value
		valueStart := i
		for i < len(chars) && chars[i] != '\\' && chars[i] != '\n' {
			i++
		}
		value := chars[valueStart:i]

		if !p.handleKVPair(key, keyHash, value) {
			return false
		}

		if i < len(chars) && chars[i] == '\n' {
			if p.parsedChallenge == 0 {
				p.console.Printf(missingChallenge)
				return false
			}
			m.SetReadCount(m.ReadCount() + i)
			return true
		}
	}
}

func (p *Parser) handleKVPair(key string, keyHash uint32, value string) bool {
	for i := p.handlersHashMap[keyHash%hashMapSize]; i >= 0; i = p.handlersStorage[i].nextInHashBin {
		e := &p.handlersStorage[i]
		if e.keyHash == keyHash && e.key == key {
			return e.handler(p, value)
		}
	}
	// An unknown key parses with success
	return true
}

func (p *Parser) handleChallenge(value string) bool {
	challenge, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return false
	}
	p.parsedChallenge = challenge
	return challenge > p.lastAcknowledgedChallenge
}

func (p *Parser) handleString(value string, capacity int, result *string) bool {
	if len(value) >= capacity {
		p.console.Printf("Warning: Parser.handleString(): the value `%s` exceeds a result capacity %d\n",
			value, capacity)
		return false
	}
	*result = value
	return true
}

func (p *Parser) handleHostname(value string) bool {
	return p.handleString(value, serverNameCap, &p.info.ServerName)
}

func (p *Parser) handleMapname(value string) bool {
	return p.handleString(value, shortNameCap, &p.info.Mapname)
}

func (p *Parser) handleGameFS(value string) bool {
	return p.handleString(value, shortNameCap, &p.info.Modname)
}

func (p *Parser) handleGametype(value string) bool {
	return p.handleString(value, shortNameCap, &p.info.Gametype)
}

func (p *Parser) handleUint8(value string, result *uint8) bool {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || n > 255 {
		return false
	}
	*result = uint8(n)
	return true
}

func (p *Parser) handleMaxClients(value string) bool {
	return p.handleUint8(value, &p.info.MaxClients)
}

func (p *Parser) handleNumBots(value string) bool {
	return p.handleUint8(value, &p.info.NumBots)
}

func (p *Parser) handleNumClients(value string) bool {
	return p.handleUint8(value, &p.info.NumClients)
}

func (p *Parser) handleNeedPass(value string) bool {
	n, err := strconv.Atoi(value)
	if err != nil {
		return false
	}
	p.info.NeedPassword = n != 0
	return true
}

// scanInt parses an optionally signed integer starting at i, skipping
// leading spaces, and returns the value and the position past its last digit.
func scanInt(s string, i int) (value, next int, ok bool) {
	for i < len(s) && s[i] == ' ' {
		i++
	}
	start := i
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	digits := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == digits {
		return 0, start, false
	}
	n, err := strconv.Atoi(s[start:i])
	if err != nil {
		return 0, start, false
	}
	return n, i, true
}

// scanMinutesAndSeconds parses "MM:SS" starting at i.
func scanMinutesAndSeconds(s string, i int) (minutes int, seconds int8, next int, ok bool) {
	minutesValue, i, ok := scanInt(s, i)
	if !ok {
		return 0, 0, i, false
	}
	if i >= len(s) || s[i] != ':' {
		return 0, 0, i, false
	}
	i++
	secondsValue, i, ok := scanInt(s, i)
	if !ok {
		return 0, 0, i, false
	}
	if minutesValue < 0 {
		return 0, 0, i, false
	}
	if secondsValue < 0 || secondsValue > 60 {
		return 0, 0, i, false
	}
	return minutesValue, int8(secondsValue), i, true
}

func (p *Parser) handleMatchTime(value string) bool {
	t := &p.info.Time

	switch value {
	case "Warmup":
		t.IsWarmup = true
		return true
	case "Finished":
		t.IsFinished = true
		return true
	case "Countdown":
		t.IsCountdown = true
		return true
	}

	minutes, seconds, i, ok := scanMinutesAndSeconds(value, 0)
	if !ok {
		return false
	}
	t.TimeMinutes = minutes
	t.TimeSeconds = seconds

	if i == len(value) {
		return true
	}
	if value[i] != ' ' {
		return false
	}
	i++

	if i < len(value) && value[i] == '/' {
		i++
		if i >= len(value) || value[i] != ' ' {
			return false
		}
		i++
		minutes, seconds, i, ok = scanMinutesAndSeconds(value, i)
		if !ok {
			return false
		}
		t.LimitMinutes = minutes
		t.LimitSeconds = seconds
		if i < len(value) && value[i] == ' ' {
			i++
		}
	}

	// A free-order suffix of match state flags
	for i < len(value) {
		switch {
		case strings.HasPrefix(value[i:], "overtime"):
			t.IsOvertime = true
			i += len("overtime")
		case strings.HasPrefix(value[i:], "suddendeath"):
			t.IsSuddenDeath = true
			i += len("suddendeath")
		case strings.HasPrefix(value[i:], "(in timeout)"):
			t.IsTimeout = true
			i += len("(in timeout)")
		case value[i] == ' ':
			i++
		default:
			return false
		}
	}
	return true
}

func (p *Parser) handleMatchScore(value string) bool {
	score := &p.info.Score
	*score = MatchScore{}

	if value == "" {
		return true
	}

	var scores [2]int
	var names [2]string
	i := 0

	for team := 0; team < 2; team++ {
		for i < len(value) && value[i] == ' ' {
			i++
		}
		nameStart := i
		for i < len(value) && value[i] != ':' {
			i++
		}
		if i >= len(value) {
			return false
		}
		name := value[nameStart:i]
		if len(name) >= shortNameCap {
			return false
		}
		i++
		if i >= len(value) || value[i] != ' ' {
			return false
		}
		i++

		n, next, ok := scanInt(value, i)
		if !ok {
			return false
		}
		scores[team] = n
		names[team] = name
		i = next
	}

	for team := 0; team < 2; team++ {
		score.Scores[team].Score = scores[team]
		score.Scores[team].Name = names[team]
	}
	return true
}

// ParsePlayers consumes the player lines of a status response, each of the
// form `SCORE PING "NAME" TEAM\n`. On any parse failure every player
// allocated so far is freed and the whole record is rejected.
func (p *Parser) ParsePlayers(m *msgbuf.Buffer, players *pool.Pool[PlayerInfo], info *ServerInfo) bool {
	var head, tail pool.Ref = pool.None, pool.None

	release := func() {
		for ref := head; ref != pool.None; {
			next := players.Get(ref).Next
			players.Free(ref)
			ref = next
		}
	}

	chars := string(m.Bytes()[m.ReadCount():])
	i := 0

	// Skip '\n' at the beginning (if any)
	if i < len(chars) && chars[i] == '\n' {
		i++
	}

	for {
		if i >= len(chars) || chars[i] == '\n' {
			break
		}

		score, next, ok := scanInt(chars, i)
		if !ok {
			release()
			return false
		}
		i = next + 1
		if i >= len(chars) {
			release()
			return false
		}

		ping, next, ok := scanInt(chars, i)
		if !ok {
			release()
			return false
		}
		i = next + 1
		if i >= len(chars) || chars[i] != '"' {
			release()
			return false
		}
		i++
		nameStart := i
		for {
			if i >= len(chars) {
				release()
				return false
			}
			if chars[i] == '"' {
				break
			}
			i++
		}
		name := chars[nameStart:i]
		if len(name) >= playerNameCap {
			release()
			return false
		}
		i++
		if i >= len(chars) {
			release()
			return false
		}

		team, next, ok := scanInt(chars, i)
		if !ok {
			release()
			return false
		}
		i = next
		if i >= len(chars) || chars[i] != '\n' {
			release()
			return false
		}

		ref, player, ok := players.Alloc()
		if !ok {
			release()
			return false
		}
		player.Score = score
		player.Name = name
		player.Ping = uint16(ping)
		player.Team = uint8(team)
		player.Prev = tail
		player.Next = pool.None

		if head == pool.None {
			head = ref
		} else {
			players.Get(tail).Next = ref
		}
		tail = ref
		i++
	}

	m.SetReadCount(m.ReadCount() + i)
	info.PlayerInfoHead = head
	return true
}
