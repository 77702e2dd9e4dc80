/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

// ConnState represents the state of a connection as observed from outside
// the dispatcher loop, for the optional Server.ConnState hook. Grounded on
// the teacher's ConnState (types_server.go): this module adds
// StateUpgraded, since spec.md §4.3 calls out upgrade/CONNECT handoff as
// its own terminal sub-state distinct from StateHijacked (the handoff goes
// through Upgrade, which also gives the caller the connection's read
// buffer).
type ConnState int

const (
	// StateNew is a connection that has been accepted and is expected to
	// send a request (or, for a client-role connection, is about to send
	// one) immediately.
	StateNew ConnState = iota

	// StateActive is a connection that has read or written at least one
	// byte of the current message and has not yet reached StateIdle.
	StateActive

	// StateIdle is a connection between messages, eligible for reuse
	// (spec.md §4.3's keep-alive) or for the next pipelined request to
	// begin parsing.
	StateIdle

	// StateHijacked is a connection whose raw net.Conn has been handed to
	// application code; the dispatcher no longer touches it.
	StateHijacked

	// StateUpgraded is a connection that completed an HTTP Upgrade or
	// CONNECT handshake; like StateHijacked it is a terminal state from
	// the HTTP/1 codec's point of view. Upgrade hands the caller the raw
	// net.Conn together with the connection's read buffer (§4.6's
	// "Upgraded" handle), and, like a hijacked connection, the connection
	// leaves the Server's active-connection set.
	StateUpgraded

	// StateClosed is a terminal state: the connection is gone.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateHijacked:
		return "hijacked"
	case StateUpgraded:
		return "upgraded"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// readSubState and writeSubState track, independently, how far the codec
// has progressed through the current message in each direction — spec.md
// §4.3's explicit requirement that Reading and Writing be tracked
// separately so that (for example) a response can finish writing while
// the next pipelined request is already being read.
type readSubState int

const (
	readIdle readSubState = iota
	readHead
	readBody
	readTrailer
	readDone
)

type writeSubState int

const (
	writeIdle writeSubState = iota
	writeHead
	writeBody
	writeTrailer
	writeDone
)

// connState is the full per-connection state machine described by spec.md
// §4.3: overall lifecycle (ConnState) plus the independent read/write
// cursors, the keep-alive and upgrade flags that gate whether another
// transaction may begin, and the pipelining depth counter used by the
// dispatcher's bounded request queue (spec.md §4.5).
//
// Grounded on the teacher's conn.serve loop (src/http/conn.go), which
// tracks the same facts as scattered booleans and an atomic.Value
// (curState/curReq); this type makes the transitions explicit so the
// dispatcher can be written as a single advance() step instead of an
// inline for-loop tied to net/http's handler-calling convention.
type connState struct {
	overall ConnState
	read    readSubState
	write   writeSubState

	keepAlive bool // current transaction may be followed by another
	upgraded  bool // an Upgrade/CONNECT handoff has taken effect
	closing   bool // graceful shutdown: finish in-flight, then stop

	pipelineDepth int // requests read but not yet fully written
}

func newConnState() *connState {
	return &connState{overall: StateNew, keepAlive: true}
}

// beginRead transitions into parsing the next message's head. It's a
// no-op (returns false) once closing or upgraded, signaling the dispatcher
// should stop accepting new transactions.
func (s *connState) beginRead() bool {
	if s.closing || s.upgraded {
		return false
	}
	s.read = readHead
	if s.overall == StateIdle || s.overall == StateNew {
		s.overall = StateActive
	}
	return true
}

func (s *connState) readAdvance(next readSubState) { s.read = next }

func (s *connState) beginWrite() { s.write = writeHead }

func (s *connState) writeAdvance(next writeSubState) { s.write = next }

// finishTransaction folds the keep-alive decision (shouldKeepAlive) into
// the state machine and reports whether the connection should continue to
// another transaction.
func (s *connState) finishTransaction(keepAlive bool) bool {
	s.read = readIdle
	s.write = writeIdle
	s.keepAlive = keepAlive
	if s.pipelineDepth > 0 {
		s.pipelineDepth--
	}
	if !keepAlive || s.closing {
		s.overall = StateClosed
		return false
	}
	s.overall = StateIdle
	return true
}

func (s *connState) markUpgraded() {
	s.upgraded = true
	s.overall = StateUpgraded
}

func (s *connState) markHijacked() { s.overall = StateHijacked }

func (s *connState) markClosing() { s.closing = true }

func (s *connState) markClosed() { s.overall = StateClosed }
