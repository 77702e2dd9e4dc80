/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"context"
	"io"
)

// chanChunk is one frame handed from a Sender to its ChannelBody: either a
// data chunk, a trailer set, or an abort.
type chanChunk struct {
	data    []byte
	trailer Header
	abort   error
}

// ChannelBody is source (e) of spec.md §3: a Body whose frames are pushed
// from elsewhere in the program rather than pulled from a callback or the
// network. It is grounded on the channel-handoff idiom the teacher uses to
// move a request across goroutines (tport/persist_conn.go's reqch/writech
// and requestAndChan/writeRequest): a bounded channel decouples the
// producing goroutine from the connection's own read/write loop so a slow
// or bursty producer never blocks the dispatcher directly.
type ChannelBody struct {
	ch      chan chanChunk
	done    chan struct{}
	pending []byte
	trailer Header
	err     error
	closed  bool
}

// Sender is the write half of a ChannelBody, returned by NewChannelBody. It
// may be used from a goroutine other than the one reading the Body.
type Sender struct {
	b *ChannelBody
}

// NewChannelBody returns a Body and its Sender. capacity sets how many
// pending frames SendData may buffer before blocking, matching the
// teacher's use of a small fixed channel buffer (writech, reqch) to allow
// one request's worth of lookahead without unbounded queuing.
func NewChannelBody(capacity int) (*ChannelBody, *Sender) {
	if capacity < 1 {
		capacity = 1
	}
	b := &ChannelBody{
		ch:   make(chan chanChunk, capacity),
		done: make(chan struct{}),
	}
	return b, &Sender{b: b}
}

// SendData pushes a data chunk to the Body's reader. It blocks until the
// channel has room or ctx is done. A zero-length chunk is dropped, matching
// the chunked encoder's "no zero-chunk" rule (spec.md §4.2/§8) so a Sender
// cannot accidentally terminate the stream early.
func (s *Sender) SendData(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case s.b.ch <- chanChunk{data: cp}:
		return nil
	case <-s.b.done:
		return ErrUserCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTrailers pushes the final trailer set and signals end-of-stream.
// After SendTrailers (or Abort) no further SendData is valid.
func (s *Sender) SendTrailers(ctx context.Context, trailer Header) error {
	select {
	case s.b.ch <- chanChunk{trailer: trailer, data: nil}:
		return nil
	case <-s.b.done:
		return ErrUserCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort signals the reader side that the body ended in error rather than a
// clean EOF (spec.md §4.4's "aborted stream" case); the reader's Read will
// return err instead of io.EOF.
func (s *Sender) Abort(err error) {
	if err == nil {
		err = ErrUserCanceled
	}
	select {
	case s.b.ch <- chanChunk{abort: err}:
	case <-s.b.done:
	}
}

func (b *ChannelBody) Read(p []byte) (int, error) {
	for len(b.pending) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		if b.closed {
			return 0, io.EOF
		}
		select {
		case c := <-b.ch:
			switch {
			case c.abort != nil:
				b.err = c.abort
				return 0, b.err
			case c.data != nil:
				b.pending = c.data
			default:
				b.trailer = c.trailer
				b.closed = true
				b.err = io.EOF
				return 0, io.EOF
			}
		case <-b.done:
			return 0, ErrBodyReadAfterClose
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// Close unblocks any Sender currently waiting on SendData/SendTrailers/
// Abort, which then observe ErrUserCanceled. It does not drain the channel.
func (b *ChannelBody) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return nil
}

func (b *ChannelBody) Trailer() Header { return b.trailer }
