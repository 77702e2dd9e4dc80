/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// aLongTimeAgo is a non-zero time in the past used to immediately cancel
// a pending Read via SetReadDeadline, grounded on the teacher's identical
// constant in conn_reader.go.
var aLongTimeAgo = time.Unix(1, 0)

const maxInt64 = 1<<63 - 1

var (
	bufReaderPool sync.Pool
	bufWriterPool sync.Pool
)

func newPooledReader(r io.Reader, size int) *bufio.Reader {
	if v := bufReaderPool.Get(); v != nil {
		br := v.(*bufio.Reader)
		br.Reset(r)
		return br
	}
	return bufio.NewReaderSize(r, size)
}

func putPooledReader(br *bufio.Reader) {
	br.Reset(nil)
	bufReaderPool.Put(br)
}

func newPooledWriter(w io.Writer, size int) *bufio.Writer {
	if v := bufWriterPool.Get(); v != nil {
		bw := v.(*bufio.Writer)
		bw.Reset(w)
		return bw
	}
	return bufio.NewWriterSize(w, size)
}

func putPooledWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	bufWriterPool.Put(bw)
}

// connReader is the per-connection read gate: it lets the dispatcher hand
// its net.Conn to a Body for blocking reads while still being able to
// abort a pending read (for Hijack, or for a server-initiated background
// peek used to detect a pipelined request or a client closing early).
// Grounded on the teacher's connReader (conn_reader.go).
type connReader struct {
	nc  net.Conn
	mu  sync.Mutex
	cond *sync.Cond

	remain  int64 // bytes left to read before hitting the configured limit
	inRead  bool
	aborted bool

	hasByte bool
	byteBuf [1]byte

	onEOF func()
}

func newConnReader(nc net.Conn) *connReader { return &connReader{nc: nc, remain: maxInt64} }

func (cr *connReader) lock() {
	cr.mu.Lock()
	if cr.cond == nil {
		cr.cond = sync.NewCond(&cr.mu)
	}
}

func (cr *connReader) unlock() { cr.mu.Unlock() }

func (cr *connReader) setReadLimit(remain int64) { cr.remain = remain }

func (cr *connReader) setInfiniteReadLimit() { cr.remain = maxInt64 }

func (cr *connReader) hitReadLimit() bool { return cr.remain <= 0 }

// startBackgroundRead kicks off a goroutine that blocks on the raw
// connection so the dispatcher can detect either a pipelined request
// (spec.md §4.5) arriving before the handler asked for it, or the peer
// closing, without tying up the transaction's own goroutine.
func (cr *connReader) startBackgroundRead() {
	cr.lock()
	defer cr.unlock()
	if cr.inRead {
		panic("relay: invalid concurrent read on connection")
	}
	if cr.hasByte {
		return
	}
	cr.inRead = true
	cr.nc.SetReadDeadline(time.Time{})
	go cr.backgroundRead()
}

func (cr *connReader) backgroundRead() {
	n, err := cr.nc.Read(cr.byteBuf[:])
	cr.lock()
	if n == 1 {
		cr.hasByte = true
	}
	if ne, ok := err.(net.Error); ok && cr.aborted && ne.Timeout() {
		// expected: another goroutine called abortPendingRead
	} else if err != nil && cr.onEOF != nil {
		cr.onEOF()
	}
	cr.aborted = false
	cr.inRead = false
	cr.unlock()
	cr.cond.Broadcast()
}

// abortPendingRead cancels a background read so the caller (e.g. Hijack,
// or the dispatcher handing the socket to an Upgraded handle) can take
// over the raw connection.
func (cr *connReader) abortPendingRead() {
	cr.lock()
	defer cr.unlock()
	if !cr.inRead {
		return
	}
	cr.aborted = true
	cr.nc.SetReadDeadline(aLongTimeAgo)
	for cr.inRead {
		cr.cond.Wait()
	}
	cr.nc.SetReadDeadline(time.Time{})
}

func (cr *connReader) Read(p []byte) (n int, err error) {
	cr.lock()
	if cr.inRead {
		cr.unlock()
		panic("relay: invalid concurrent read on connection")
	}
	if cr.hitReadLimit() {
		cr.unlock()
		return 0, io.EOF
	}
	if len(p) == 0 {
		cr.unlock()
		return 0, nil
	}
	if int64(len(p)) > cr.remain {
		p = p[:cr.remain]
	}
	if cr.hasByte {
		p[0] = cr.byteBuf[0]
		cr.hasByte = false
		cr.unlock()
		return 1, nil
	}
	cr.inRead = true
	cr.unlock()
	n, err = cr.nc.Read(p)

	cr.lock()
	cr.inRead = false
	if err != nil && cr.onEOF != nil {
		cr.onEOF()
	}
	cr.remain -= int64(n)
	cr.unlock()

	cr.cond.Broadcast()
	return n, err
}

// headerBuffer is the header-size check behind Parse::TooLarge:
// readMessageHead sums an already-parsed header block's names and values
// and grows a headerBuffer, starting at min(MaxBufSize, MaxHeaderListSize)
// and doubling up to MaxHeaderListSize, until its size covers that total;
// grow reports errTooLarge once the maximum is reached. It reads no bytes
// itself and does not resize any bufio.Reader. Grounded on the teacher's
// errTooLarge / initialReadLimitSize pairing (types_server.go), where the
// limit is enforced by the connReader's byte counter.
type headerBuffer struct {
	opts *Options
	size int
}

func newHeaderBuffer(opts *Options) *headerBuffer {
	return &headerBuffer{opts: opts, size: minInt(opts.MaxBufSize, opts.MaxHeaderListSize)}
}

// grow doubles the buffer's target size, reporting errTooLarge once the
// configured maximum is exceeded.
func (h *headerBuffer) grow() error {
	if h.size >= h.opts.MaxHeaderListSize {
		return errTooLarge
	}
	h.size *= 2
	if h.size > h.opts.MaxHeaderListSize {
		h.size = h.opts.MaxHeaderListSize
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// writeVectored issues bufs to w as net.Buffers, letting the runtime
// coalesce them into a single writev(2) when w (or whatever it wraps)
// is a *net.TCPConn, instead of one write syscall per slice. Wired into
// response.go's chunkWriter for Options.Writev (config.go): a status
// line, header block and a small, fully-buffered body can go out in one
// syscall without first copying the body into the bufio.Writer.
func writeVectored(w io.Writer, bufs ...[]byte) {
	nb := make(net.Buffers, 0, len(bufs))
	for _, b := range bufs {
		if len(b) > 0 {
			nb = append(nb, b)
		}
	}
	if len(nb) == 0 {
		return
	}
	nb.WriteTo(w)
}
