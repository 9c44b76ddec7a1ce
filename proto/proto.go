// SPDX-License-Identifier: GPL-2.0-or-later

package proto

const (
	Protocol21 = 22

	DefaultPort = 44400

	MaxStringChars       = 2048
	MaxConfigStringChars = 512
	MaxConfigStrings     = 4256

	// Max clients on a game server
	MaxServerClients = 256

	// Max fake client instances supported by this library
	MaxFakeClientInstances = 4

	MaxMasterServers = 4

	// millis
	Timeout      = 1800
	InactiveTime = 30000

	FragmentBit  = 1 << 31
	FragmentLast = 1 << 14
)

const (
	//
	// client to server
	//
	ClcBad = iota
	ClcNop
	// [long] last received frame, [long] 2, [byte] 1, [byte] 0, [long] server time
	ClcMove
	// [long] acknowledged server command num
	ClcSvAck
	// [long] command num, [string] command
	ClcClientCommand
	ClcExtension
)

const (
	//
	// server to client
	//
	SvcBad = iota
	SvcNop
	SvcServerCmd
	SvcServerData
	SvcSpawnBaseline
	SvcDownload
	SvcPlayerInfo
	SvcPacketEntities
	SvcGameCommands
	SvcMatch
	SvcClAck
	SvcServerCs
	SvcFrame
	SvcDemoInfo
	SvcExtension
)

const (
	SvBitflagsReliable = 1 << 1
	SvBitflagsHTTP     = 1 << 3
	SvBitflagsBaseURL  = 1 << 4
)

const (
	DropTypeGeneral = iota
	DropTypePassword
	DropTypeReconnect
)

const DropFlagAutoReconnect = 1
