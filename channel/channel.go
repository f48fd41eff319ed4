// Package channel multiplexes logical channels over one Transport.
//
// One loop (Demux.Run) is the only consumer of Transport.Recv. It routes each
// frame to the inbox of its channel, a bounded FIFO queue. Any number of
// goroutines may Send or Recv concurrently:
//
//	Transport.Recv ──→ Run ──┬──→ inbox[RPC] ──→ Recv(RPC)  (client)
//	                         ├──→ inbox[Log] ──→ Recv(Log)  (targetlog)
//	                         └──→ unopened: drop once, mark closed
//
// When the loop ends, every inbox is closed: waiters drain what was already
// queued, then observe the terminal error.
package channel

import (
	"errors"
	"fmt"
)

// ID identifies a logical channel on the wire.
type ID uint8

const (
	RPC   ID = 0
	Log   ID = 1
	Trace ID = 2 // reserved by the peer
)

func (id ID) String() string {
	switch id {
	case RPC:
		return "RPC"
	case Log:
		return "Log"
	case Trace:
		return "Trace"
	default:
		return fmt.Sprintf("%d", uint8(id))
	}
}

// DefaultCapacity is the inbox size used when OpenChannel is given none.
const DefaultCapacity = 32

var (
	// ErrChannelClosed is returned for channels whose traffic was dropped
	// before a consumer opened them. They never reopen.
	ErrChannelClosed = errors.New("channel: closed")
	// ErrChannelNotOpen is a programming error: Recv on a channel nobody
	// opened.
	ErrChannelNotOpen = errors.New("channel: not open")
	ErrAlreadyRunning = errors.New("channel: demultiplexer already running")
)

// state is the lifecycle of one channel id.
type state int

const (
	unopened state = iota
	open
	closedAfterDrop
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case closedAfterDrop:
		return "closed"
	default:
		return "unopened"
	}
}

type entry struct {
	state state
	inbox chan []byte // nil unless state == open
}
