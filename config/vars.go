// SPDX-License-Identifier: GPL-2.0-or-later

package config

// The knobs this library exposes to hosts. The rest of the engine's
// configuration universe does not apply to a headless client.
var (
	ClName     = MustRegister("cl_name", "Player")
	ClPassword = MustRegister("cl_password", "")

	// Space-separated list of resolved master server addresses.
	MasterServers = MustRegister("master_servers", "")

	ShowEmptyServers = MustRegister("show_empty_servers", "0")
	ShowPlayerInfo   = MustRegister("show_player_info", "0")

	// Fixed at 22 today, exposed for future protocol revisions.
	NetProtocol = MustRegister("net_protocol", "22")
)
