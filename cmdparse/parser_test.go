// SPDX-License-Identifier: GPL-2.0-or-later

package cmdparse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetCommandBasics(t *testing.T) {
	p := NewParser("challenge XYZ")
	tok, hash, ok := p.GetCommand()
	require.True(t, ok)
	require.Equal(t, "challenge", tok)
	require.Equal(t, StringHash("challenge"), hash)

	tok, _, ok = p.GetCommand()
	require.True(t, ok)
	require.Equal(t, "XYZ", tok)

	_, _, ok = p.GetCommand()
	require.False(t, ok)
}

func TestSeparatorsYieldEmptyCommands(t *testing.T) {
	p := NewParser(";\ncmd")
	tok, _, ok := p.GetCommand()
	require.True(t, ok)
	require.Equal(t, "", tok)

	tok, _, ok = p.GetCommand()
	require.True(t, ok)
	require.Equal(t, "", tok)

	tok, _, ok = p.GetCommand()
	require.True(t, ok)
	require.Equal(t, "cmd", tok)

	_, _, ok = p.GetCommand()
	require.False(t, ok)
}

func TestGetArgQuoting(t *testing.T) {
	p := NewParser(`ch "Player(1)" "Hello, world!"`)
	tok, _, ok := p.GetCommand()
	require.True(t, ok)
	require.Equal(t, "ch", tok)

	arg, ok := p.GetArg()
	require.True(t, ok)
	require.Equal(t, "Player(1)", arg)

	arg, ok = p.GetArg()
	require.True(t, ok)
	require.Equal(t, "Hello, world!", arg)

	_, ok = p.GetArg()
	require.False(t, ok)
}

func TestBasicArgStopsAtQuote(t *testing.T) {
	p := NewParser(`cs 5"quoted"`)
	_, _, ok := p.GetCommand()
	require.True(t, ok)

	arg, ok := p.GetArg()
	require.True(t, ok)
	require.Equal(t, "5", arg)

	// The quote was left for this call.
	arg, ok = p.GetArg()
	require.True(t, ok)
	require.Equal(t, "quoted", arg)
}

func TestSeparatorTerminatesArgs(t *testing.T) {
	p := NewParser("cs 5 foo;print bar")
	_, _, ok := p.GetCommand()
	require.True(t, ok)

	arg, ok := p.GetArg()
	require.True(t, ok)
	require.Equal(t, "5", arg)
	arg, ok = p.GetArg()
	require.True(t, ok)
	require.Equal(t, "foo", arg)
	_, ok = p.GetArg()
	require.False(t, ok)

	tok, _, ok := p.GetCommand()
	require.True(t, ok)
	require.Equal(t, "print", tok)
	arg, ok = p.GetArg()
	require.True(t, ok)
	require.Equal(t, "bar", arg)
}

func TestCommandWithoutArgsReturnsNoArg(t *testing.T) {
	p := NewParser("lonely")
	_, _, ok := p.GetCommand()
	require.True(t, ok)
	_, ok = p.GetArg()
	require.False(t, ok)
}

func TestRollingHash(t *testing.T) {
	// h := h*31 + ((c << 24) ^ ~0) + c
	var want uint32
	for _, c := range []byte("cs") {
		want = want*31 + ((uint32(c) << 24) ^ 0xFFFFFFFF) + uint32(c)
	}
	require.Equal(t, want, StringHash("cs"))

	p := NewParser("cs")
	_, hash, ok := p.GetCommand()
	require.True(t, ok)
	require.Equal(t, want, hash)
}
