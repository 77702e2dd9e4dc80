/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package trc

import (
	"context"
	"testing"
)

func TestWithClientTraceOrderingNewFirst(t *testing.T) {
	var calls []string

	outer := &ClientTrace{GetConn: func(string) { calls = append(calls, "outer") }}
	ctx := WithClientTrace(context.Background(), outer)

	inner := &ClientTrace{GetConn: func(string) { calls = append(calls, "inner") }}
	ctx = WithClientTrace(ctx, inner)

	trace := ContextClientTrace(ctx)
	if trace == nil {
		t.Fatal("ContextClientTrace returned nil")
	}
	trace.GetConn("example.com:443")

	want := []string{"inner", "outer"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("hook order = %v, want %v", calls, want)
	}
}

func TestWithClientTraceLeavesUnrelatedHooksAlone(t *testing.T) {
	var gotConnCalled bool
	outer := &ClientTrace{GotConn: func(bool) { gotConnCalled = true }}
	ctx := WithClientTrace(context.Background(), outer)

	inner := &ClientTrace{GetConn: func(string) {}}
	ctx = WithClientTrace(ctx, inner)

	trace := ContextClientTrace(ctx)
	if trace.GotConn == nil {
		t.Fatal("GotConn hook from outer trace was dropped")
	}
	trace.GotConn(true)
	if !gotConnCalled {
		t.Fatal("outer trace's GotConn hook was not invoked")
	}
}

func TestContextClientTraceNilWhenAbsent(t *testing.T) {
	if trace := ContextClientTrace(context.Background()); trace != nil {
		t.Fatalf("expected nil trace on a bare context, got %+v", trace)
	}
}

func TestWithClientTracePanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil ClientTrace")
		}
	}()
	WithClientTrace(context.Background(), nil)
}
