/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import "testing"

func TestConnStateFullTransaction(t *testing.T) {
	s := newConnState()
	if s.overall != StateNew {
		t.Fatalf("initial overall = %v, want StateNew", s.overall)
	}

	if !s.beginRead() {
		t.Fatalf("beginRead() = false on a fresh connection")
	}
	if s.overall != StateActive {
		t.Fatalf("overall after beginRead = %v, want StateActive", s.overall)
	}
	s.readAdvance(readBody)
	if s.read != readBody {
		t.Fatalf("read substate = %v, want readBody", s.read)
	}

	s.beginWrite()
	if s.write != writeHead {
		t.Fatalf("write substate = %v, want writeHead", s.write)
	}
	s.writeAdvance(writeDone)

	if !s.finishTransaction(true) {
		t.Fatalf("finishTransaction(true) = false, want true (keep-alive)")
	}
	if s.overall != StateIdle {
		t.Fatalf("overall after finishTransaction(true) = %v, want StateIdle", s.overall)
	}
	if s.read != readIdle || s.write != writeIdle {
		t.Fatalf("read/write substates after finishTransaction = %v/%v, want idle/idle", s.read, s.write)
	}
}

func TestConnStateFinishTransactionNoKeepAlive(t *testing.T) {
	s := newConnState()
	s.beginRead()
	s.beginWrite()
	if s.finishTransaction(false) {
		t.Fatalf("finishTransaction(false) = true, want false")
	}
	if s.overall != StateClosed {
		t.Fatalf("overall after finishTransaction(false) = %v, want StateClosed", s.overall)
	}
}

func TestConnStateClosingRefusesNextRead(t *testing.T) {
	s := newConnState()
	s.beginRead()
	s.beginWrite()
	s.finishTransaction(true)

	s.markClosing()
	if s.beginRead() {
		t.Fatalf("beginRead() = true on a connection marked closing")
	}
}

func TestConnStateUpgradedRefusesNextRead(t *testing.T) {
	s := newConnState()
	s.beginRead()
	s.markUpgraded()
	if s.overall != StateUpgraded {
		t.Fatalf("overall after markUpgraded = %v, want StateUpgraded", s.overall)
	}
	if s.beginRead() {
		t.Fatalf("beginRead() = true on an upgraded connection")
	}
}

func TestConnStateHijacked(t *testing.T) {
	s := newConnState()
	s.beginRead()
	s.markHijacked()
	if s.overall != StateHijacked {
		t.Fatalf("overall after markHijacked = %v, want StateHijacked", s.overall)
	}
}

func TestConnStatePipelineDepth(t *testing.T) {
	s := newConnState()
	s.pipelineDepth = 2
	s.beginRead()
	s.beginWrite()
	s.finishTransaction(true)
	if s.pipelineDepth != 1 {
		t.Fatalf("pipelineDepth after finishTransaction = %d, want 1", s.pipelineDepth)
	}
}

func TestConnStateMarkClosed(t *testing.T) {
	s := newConnState()
	s.markClosed()
	if s.overall != StateClosed {
		t.Fatalf("overall after markClosed = %v, want StateClosed", s.overall)
	}
}
