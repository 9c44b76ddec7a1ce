// SPDX-License-Identifier: GPL-2.0-or-later

package infoparse

import (
	"p21fc/browser/pool"
)

// Field capacities, matching the wire-side limits of the info format.
const (
	serverNameCap = 63
	shortNameCap  = 31
	playerNameCap = 32
)

// PlayerInfo is one player line of a status response. Players of one server
// info form a doubly-linked list through pool handles.
type PlayerInfo struct {
	Score int
	Name  string
	Ping  uint16
	Team  uint8

	Prev pool.Ref
	Next pool.Ref
}

func (p *PlayerInfo) Equals(that *PlayerInfo) bool {
	// Do the cheap comparisons first
	if p.Score != that.Score || p.Ping != that.Ping || p.Team != that.Team {
		return false
	}
	return p.Name == that.Name
}

type MatchTime struct {
	TimeMinutes  int
	LimitMinutes int
	TimeSeconds  int8
	LimitSeconds int8

	IsWarmup      bool
	IsCountdown   bool
	IsFinished    bool
	IsOvertime    bool
	IsSuddenDeath bool
	IsTimeout     bool
}

type TeamScore struct {
	Score int
	Name  string
}

type MatchScore struct {
	Scores [2]TeamScore
}

func (s *MatchScore) AlphaScore() *TeamScore { return &s.Scores[0] }
func (s *MatchScore) BetaScore() *TeamScore  { return &s.Scores[1] }

// ServerInfo is one parsed info or status snapshot of a game server.
type ServerInfo struct {
	ServerName string
	Gametype   string
	Modname    string
	Mapname    string

	Time  MatchTime
	Score MatchScore

	MaxClients uint8
	NumClients uint8
	NumBots    uint8

	NeedPassword bool

	// Indicates whether an extended player info is present. The list may be
	// empty even then.
	HasPlayerInfo  bool
	PlayerInfoHead pool.Ref
}

// ReleasePlayers returns the owned player list to its pool.
func (s *ServerInfo) ReleasePlayers(players *pool.Pool[PlayerInfo]) {
	for ref := s.PlayerInfoHead; ref != pool.None; {
		next := players.Get(ref).Next
		players.Free(ref)
		ref = next
	}
	s.PlayerInfoHead = pool.None
}

// MatchesOld compares two snapshots in order of likely change frequency.
func (s *ServerInfo) MatchesOld(old *ServerInfo, players *pool.Pool[PlayerInfo]) bool {
	if old == nil {
		return false
	}

	// Test fields that are likely to change often first

	if s.Time != old.Time {
		return false
	}

	if s.NumClients != old.NumClients {
		return false
	}

	if s.HasPlayerInfo && old.HasPlayerInfo {
		thisRef := s.PlayerInfoHead
		thatRef := old.PlayerInfoHead
		for {
			if thisRef == pool.None {
				if thatRef == pool.None {
					break
				}
				return false
			}
			if thatRef == pool.None {
				return false
			}
			thisInfo := players.Get(thisRef)
			thatInfo := players.Get(thatRef)
			if !thisInfo.Equals(thatInfo) {
				return false
			}
			thisRef = thisInfo.Next
			thatRef = thatInfo.Next
		}
	} else if s.HasPlayerInfo != old.HasPlayerInfo {
		return false
	}

	if s.Score != old.Score {
		return false
	}

	if s.Mapname != old.Mapname {
		return false
	}

	if s.Gametype != old.Gametype {
		return false
	}

	if s.NumBots != old.NumBots {
		return false
	}

	// Never changes until server restart

	if s.ServerName != old.ServerName {
		return false
	}

	if s.Modname != old.Modname {
		return false
	}

	return s.MaxClients == old.MaxClients && s.NeedPassword == old.NeedPassword
}
