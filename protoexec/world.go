// SPDX-License-Identifier: GPL-2.0-or-later

package protoexec

import (
	"p21fc/proto"
)

const psMaxStats = 64

// WorldState is the per-connection slice of game state the client tracks:
// serverdata header fields, the stats table and the configstring table.
type WorldState struct {
	protocol   int
	playerNum  int
	spawnCount int
	bitFlags   int

	downloadPort uint16
	downloadURL  string

	motd  string
	game  string
	level string

	stats [proto.MaxServerClients][psMaxStats]int16

	// One slab, proto.MaxConfigStrings slots of proto.MaxConfigStringChars
	// bytes each. Values are NUL-terminated inside their slot.
	configStrings []byte
}

func NewWorldState(protocolVersion int) *WorldState {
	w := &WorldState{protocol: protocolVersion}
	w.configStrings = make([]byte, proto.MaxConfigStrings*proto.MaxConfigStringChars)
	return w
}

func (w *WorldState) Clear() {
	protocol := w.protocol
	slab := w.configStrings
	*w = WorldState{protocol: protocol, configStrings: slab}
	for i := range w.configStrings {
		w.configStrings[i] = 0
	}
}

// IsConnectionReliable reports the reliable-transport server bit flag.
func (w *WorldState) IsConnectionReliable() bool {
	return w.bitFlags&proto.SvBitflagsReliable != 0
}

func (w *WorldState) PlayerNum() int  { return w.playerNum }
func (w *WorldState) SpawnCount() int { return w.spawnCount }

func (w *WorldState) MaxConfigStrings() int { return proto.MaxConfigStrings }

func (w *WorldState) ConfigString(index int) string {
	if index < 0 || index >= proto.MaxConfigStrings {
		return ""
	}
	slot := w.configStrings[index*proto.MaxConfigStringChars : (index+1)*proto.MaxConfigStringChars]
	for i, c := range slot {
		if c == 0 {
			return string(slot[:i])
		}
	}
	return string(slot)
}

func (w *WorldState) SetConfigString(index int, value string) bool {
	if index < 0 || index >= proto.MaxConfigStrings {
		return false
	}
	if len(value) >= proto.MaxConfigStringChars {
		return false
	}
	slot := w.configStrings[index*proto.MaxConfigStringChars : (index+1)*proto.MaxConfigStringChars]
	n := copy(slot, value)
	slot[n] = 0
	return true
}

func (w *WorldState) Stat(client, stat int) int16 {
	if client < 0 || client >= proto.MaxServerClients || stat < 0 || stat >= psMaxStats {
		return 0
	}
	return w.stats[client][stat]
}

func (w *WorldState) SetStat(client, stat int, value int16) {
	if client < 0 || client >= proto.MaxServerClients || stat < 0 || stat >= psMaxStats {
		return
	}
	w.stats[client][stat] = value
}
