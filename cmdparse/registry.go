// SPDX-License-Identifier: GPL-2.0-or-later

package cmdparse

import (
	"github.com/pkg/errors"

	"p21fc/conlog"
)

// Handler executes a command with the parser positioned to yield its args.
// A nil handler keeps a command registered while dropping its effect.
type Handler func(p *Parser)

const (
	maxHandlers   = 48
	hashTableSize = 89 // a prime number
)

// entry indices are int8, -1 means null. Every entry is in exactly one of
// the free list or the used list; used entries are additionally linked into
// their hash bin.
type entry struct {
	name    string
	handler Handler

	tag        uint32
	nameHash   uint32
	nameLength uint8

	prevInHashBin  int8
	nextInHashBin  int8
	nextInFreeList int8
	nextInUsedList int8
	prevInUsedList int8
}

// Registry is a fixed-capacity name to handler table with generation-scoped
// lifetimes. Handlers registered before the first NewGeneration call survive
// Clear(CurrGeneration()), per-connection handlers do not.
type Registry struct {
	console conlog.Console
	label   string

	entries   [maxHandlers]entry
	hashTable [hashTableSize]int8

	firstFree int8
	firstUsed int8

	currGeneration uint32
}

func NewRegistry(console conlog.Console, label string) *Registry {
	if console == nil {
		console = conlog.Discard
	}
	r := &Registry{console: console, label: label, firstUsed: -1}
	for i := range r.entries {
		r.entries[i].nextInFreeList = int8(i + 1)
	}
	r.entries[maxHandlers-1].nextInFreeList = -1
	for i := range r.hashTable {
		r.hashTable[i] = -1
	}
	return r
}

func (r *Registry) NewGeneration() { r.currGeneration++ }

func (r *Registry) CurrGeneration() uint32 { return r.currGeneration }

// Register adds a handler under the current generation tag. Registering a
// name twice is legal only if one of the two handlers is nil (toggle mode);
// a double non-nil registration is a programming error and panics.
func (r *Registry) Register(name string, handler Handler) {
	hash := StringHash(name)
	if len(name) > 127 {
		r.console.Printf("Registry.Register(): Command name is too long\n")
		panic(errors.Errorf("cmdparse: command name `%s` is too long", name))
	}

	binIndex := hash % hashTableSize
	for i := r.hashTable[binIndex]; i >= 0; i = r.entries[i].nextInHashBin {
		e := &r.entries[i]
		if e.nameHash != hash || int(e.nameLength) != len(name) || e.name != name {
			continue
		}
		if handler == nil || e.handler == nil {
			// Toggling a command handler on/off while keeping the command
			// registered.
			e.handler = handler
			return
		}
		r.console.Printf("Registry.Register(): a non-null handler for command `%s` has been already registered\n", name)
		panic(errors.Errorf("cmdparse: double registration of command `%s`", name))
	}

	if r.firstFree < 0 {
		r.console.Printf("Registry.Register(): Too many command handlers\n")
		panic(errors.New("cmdparse: too many command handlers"))
	}

	newIndex := r.firstFree
	e := &r.entries[newIndex]
	e.name = name
	e.nameHash = hash
	e.nameLength = uint8(len(name))
	e.handler = handler
	e.tag = r.currGeneration

	// Unlink from free list
	r.firstFree = e.nextInFreeList
	e.nextInFreeList = -1

	// Link to used list
	e.nextInUsedList = r.firstUsed
	e.prevInUsedList = -1
	if r.firstUsed >= 0 {
		r.entries[r.firstUsed].prevInUsedList = newIndex
	}
	r.firstUsed = newIndex

	// Link to hash bin
	if r.hashTable[binIndex] >= 0 {
		r.entries[r.hashTable[binIndex]].prevInHashBin = newIndex
	}
	e.nextInHashBin = r.hashTable[binIndex]
	e.prevInHashBin = -1
	r.hashTable[binIndex] = newIndex
}

// HandleCommand dispatches the next command token of the parser. An empty
// command is fine; an unknown one gets a diagnostic and reports false.
func (r *Registry) HandleCommand(p *Parser) bool {
	name, hash, ok := p.GetCommand()
	if !ok {
		r.console.Printf("%s: no command has been supplied\n", r.label)
		return false
	}
	if name == "" {
		return true
	}

	binIndex := hash % hashTableSize
	for i := r.hashTable[binIndex]; i >= 0; i = r.entries[i].nextInHashBin {
		e := &r.entries[i]
		if e.nameHash != hash || int(e.nameLength) != len(name) || e.name != name {
			continue
		}
		if e.handler != nil {
			e.handler(p)
		}
		return true
	}

	r.console.Printf("%s: unknown command %s\n", r.label, name)
	return false
}

// Lookup reports whether a command name is currently registered.
func (r *Registry) Lookup(name string) bool {
	hash := StringHash(name)
	for i := r.hashTable[hash%hashTableSize]; i >= 0; i = r.entries[i].nextInHashBin {
		e := &r.entries[i]
		if e.nameHash == hash && int(e.nameLength) == len(name) && e.name == name {
			return true
		}
	}
	return false
}

// Clear removes every entry whose generation tag is at or above tag.
func (r *Registry) Clear(tag uint32) {
	i := r.firstUsed
	for i >= 0 {
		e := &r.entries[i]
		next := e.nextInUsedList
		if e.tag < tag {
			i = next
			continue
		}

		// Unlink from used list
		if e.nextInUsedList >= 0 {
			r.entries[e.nextInUsedList].prevInUsedList = e.prevInUsedList
		}
		if e.prevInUsedList >= 0 {
			r.entries[e.prevInUsedList].nextInUsedList = e.nextInUsedList
		} else {
			r.firstUsed = e.nextInUsedList
		}
		e.nextInUsedList = -1
		e.prevInUsedList = -1

		// Unlink from hash bin
		if e.nextInHashBin >= 0 {
			r.entries[e.nextInHashBin].prevInHashBin = e.prevInHashBin
		}
		if e.prevInHashBin >= 0 {
			r.entries[e.prevInHashBin].nextInHashBin = e.nextInHashBin
		} else {
			r.hashTable[e.nameHash%hashTableSize] = e.nextInHashBin
		}
		e.nextInHashBin = -1
		e.prevInHashBin = -1

		// Link to the free list
		e.name = ""
		e.handler = nil
		e.nextInFreeList = r.firstFree
		r.firstFree = i

		i = next
	}
}
