// SPDX-License-Identifier: GPL-2.0-or-later

package netaddr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"p21fc/proto"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		wantIP   string
		wantPort uint16
		wantErr  bool
	}{
		{in: "127.0.0.1", wantIP: "127.0.0.1", wantPort: proto.DefaultPort},
		{in: "127.0.0.1:44400", wantIP: "127.0.0.1", wantPort: 44400},
		{in: "10.0.0.7:1234", wantIP: "10.0.0.7", wantPort: 1234},
		{in: "::1", wantIP: "::1", wantPort: proto.DefaultPort},
		{in: "fe80::1", wantIP: "fe80::1", wantPort: proto.DefaultPort},
		{in: "[::1]", wantIP: "::1", wantPort: proto.DefaultPort},
		{in: "[fe80::1]:27960", wantIP: "fe80::1", wantPort: 27960},
		{in: "", wantErr: true},
		{in: "warsow.example.net", wantErr: true},
		{in: "warsow.example.net:44400", wantErr: true},
		{in: "[::1", wantErr: true},
		{in: "[::1]x", wantErr: true},
		{in: "127.0.0.1:0", wantErr: true},
		{in: "127.0.0.1:99999", wantErr: true},
	}

	for _, tt := range tests {
		a, err := Parse(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		require.Equal(t, tt.wantIP, a.IP().String(), "input %q", tt.in)
		require.Equal(t, tt.wantPort, a.Port(), "input %q", tt.in)
	}
}

func TestAddressEquality(t *testing.T) {
	a, err := Parse("127.0.0.1:44400")
	require.NoError(t, err)
	b, err := Parse("127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Parse("127.0.0.1:44401")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestIPv4DataRoundTrip(t *testing.T) {
	addressBytes := []byte{192, 168, 1, 7}
	portBytes := []byte{0xAD, 0x70} // 44400

	a := FromIPv4Data(addressBytes, portBytes)
	require.True(t, a.IsIPv4())
	require.Equal(t, uint16(44400), a.Port())
	require.True(t, a.MatchesIPv4Data(addressBytes, portBytes))
	require.False(t, a.MatchesIPv4Data([]byte{192, 168, 1, 8}, portBytes))

	require.Equal(t, HashForIPv4Data(addressBytes, portBytes), a.Hash())
}

func TestIPv6DataRoundTrip(t *testing.T) {
	addressBytes := make([]byte, 16)
	addressBytes[15] = 1
	portBytes := []byte{0x6D, 0x38} // 27960

	a := FromIPv6Data(addressBytes, portBytes)
	require.True(t, a.IsIPv6())
	require.Equal(t, uint16(27960), a.Port())
	require.True(t, a.MatchesIPv6Data(addressBytes, portBytes))
	require.Equal(t, HashForIPv6Data(addressBytes, portBytes), a.Hash())
}

func TestHashIsPure(t *testing.T) {
	a, err := Parse("10.1.2.3:1234")
	require.NoError(t, err)
	b, err := Parse("10.1.2.3:1234")
	require.NoError(t, err)
	require.Equal(t, a.Hash(), b.Hash())
}
