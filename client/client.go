// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"github.com/google/uuid"

	"p21fc/config"
	"p21fc/conlog"
	"p21fc/proto"
	"p21fc/protoexec"
)

// Client is one fake-client instance. It forwards host commands to its
// protocol executor and relays the executor's callbacks to the host
// listener.
type Client struct {
	id      uuid.UUID
	console conlog.Console
	system  *System

	listener protoexec.Listener
	executor *protoexec.Executor

	dead bool
}

func newClient(console conlog.Console, system *System) (*Client, error) {
	if console == nil {
		console = system.console
	}
	c := &Client{
		id:      uuid.New(),
		console: console,
		system:  system,
	}

	executor, err := protoexec.New(console, system.log, system, system, &system.rng, c, proto.Protocol21)
	if err != nil {
		return nil, err
	}
	c.executor = executor
	c.executor.SetName(config.ClName.String())
	c.executor.SetPassword(config.ClPassword.String())
	return c, nil
}

// ID is a stable opaque identifier the host can address this instance by
// across restarts of its own bookkeeping.
func (c *Client) ID() uuid.UUID { return c.id }

func (c *Client) SetListener(listener protoexec.Listener) {
	c.listener = listener
}

func (c *Client) SetName(name string)         { c.executor.SetName(name) }
func (c *Client) SetPassword(password string) { c.executor.SetPassword(password) }

func (c *Client) SetAutoReconnect(autoReconnect bool) {
	c.executor.SetAutoReconnect(autoReconnect)
}

func (c *Client) State() protoexec.State { return c.executor.State() }

// ExecuteCommand runs a textual command ("connect <address>", "disconnect").
// It must be called on the frame thread.
func (c *Client) ExecuteCommand(command string) {
	c.system.CheckThread("Client.ExecuteCommand()")
	c.executor.ExecuteCommand(command)
}

// Reset is an idempotent terminator.
func (c *Client) Reset() {
	c.executor.Reset()
}

// Frame drives the executor's timers once.
func (c *Client) Frame() {
	c.executor.Frame()
}

func (c *Client) printMissingListenerWarning(function string) {
	c.console.Printf("%s: there is no client listener\n", function)
}

func (c *Client) SetShownPlayerName(name string) {
	if c.listener == nil {
		c.printMissingListenerWarning("Client.SetShownPlayerName()")
		return
	}
	c.listener.SetShownPlayerName(name)
}

func (c *Client) SetMessageOfTheDay(motd string) {
	if c.listener == nil {
		c.printMissingListenerWarning("Client.SetMessageOfTheDay()")
		return
	}
	c.listener.SetMessageOfTheDay(motd)
}

func (c *Client) PrintCenteredMessage(message string) {
	if c.listener == nil {
		c.printMissingListenerWarning("Client.PrintCenteredMessage()")
		return
	}
	c.listener.PrintCenteredMessage(message)
}

func (c *Client) PrintChatMessage(from, message string) {
	if c.listener == nil {
		c.printMissingListenerWarning("Client.PrintChatMessage()")
		return
	}
	c.listener.PrintChatMessage(from, message)
}

func (c *Client) PrintTeamChatMessage(from, message string) {
	if c.listener == nil {
		c.printMissingListenerWarning("Client.PrintTeamChatMessage()")
		return
	}
	c.listener.PrintTeamChatMessage(from, message)
}

func (c *Client) PrintTVChatMessage(from, message string) {
	if c.listener == nil {
		c.printMissingListenerWarning("Client.PrintTVChatMessage()")
		return
	}
	c.listener.PrintTVChatMessage(from, message)
}
