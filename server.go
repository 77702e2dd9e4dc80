/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxHeaderBytes, DefaultMaxBufSize: see config.go.

// ErrServerClosed is returned by Server.Serve/ListenAndServe after Close or
// Shutdown has been called.
var ErrServerClosed = errors.New("relay: server closed")

// ErrAbortHandler is a sentinel panic value a Handler can use to abort a
// response without the server logging a stack trace, mirroring the
// teacher's ErrAbortHandler usage in conn.serve's recover().
var ErrAbortHandler = errors.New("relay: abort handler")

// Handler responds to a single HTTP request. Grounded on the teacher's
// Handler interface (server_handler.go's invocation convention).
type Handler interface {
	ServeHTTP(w ResponseWriter, r *Request)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ResponseWriter, *Request)

func (f HandlerFunc) ServeHTTP(w ResponseWriter, r *Request) { f(w, r) }

// ResponseWriter is implemented by response and used by Handler.ServeHTTP
// to construct an HTTP response. Grounded on the teacher's response
// (response_server.go) split into an interface so relaytest (and a future
// h2 adapter) can provide their own implementation of the same contract.
type ResponseWriter interface {
	Header() Header
	Write([]byte) (int, error)
	WriteHeader(statusCode int)
}

// Hijacker is implemented by ResponseWriters that allow an HTTP handler to
// take over the connection, per spec.md §4.6.
type Hijacker interface {
	Hijack() (net.Conn, *bufio.ReadWriter, error)
}

// Flusher is implemented by ResponseWriters that allow a handler to flush
// buffered data to the client, used for a chunked streaming response.
type Flusher interface {
	Flush()
}

// shutdownPollInterval mirrors the teacher's constant of the same name
// (types_server.go), the cadence Shutdown polls for quiescence at.
const shutdownPollInterval = 500 * time.Millisecond

// Server implements the server Role Surface of spec.md §5, built directly
// on the connection state machine (connstate.go), the HTTP/1 codec
// (codec.go, transfer.go, chunked.go) and buffered transport
// (transport_buf.go). Grounded on the teacher's Server (types_server.go,
// server.go).
type Server struct {
	Addr      string
	Handler   Handler
	TLSConfig *tls.Config

	Options *Options

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	MaxHeaderBytes int

	ConnState func(net.Conn, ConnState)

	// ErrorLog specifies an optional logger for errors accepting
	// connections and unexpected behavior from handlers. If nil,
	// logging goes to the standard log package logger.
	ErrorLog *log.Logger

	disableKeepAlives int32
	inShutdown        int32

	mu        sync.Mutex
	listeners map[net.Listener]struct{}

	activeConn map[*conn]struct{}
	doneChan   chan struct{}
	onShutdown []func()
}

func (s *Server) options() *Options {
	o := s.Options
	if o == nil {
		o = DefaultOptions()
	}
	if s.MaxHeaderBytes > 0 {
		cp := *o
		cp.MaxHeaderListSize = s.MaxHeaderBytes
		o = &cp
	}
	return o.withDefaults()
}

func (s *Server) maxHeaderBytes() int {
	if s.MaxHeaderBytes > 0 {
		return s.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

func (s *Server) getDoneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDoneChanLocked()
}

func (s *Server) getDoneChanLocked() chan struct{} {
	if s.doneChan == nil {
		s.doneChan = make(chan struct{})
	}
	return s.doneChan
}

func (s *Server) closeDoneChanLocked() {
	ch := s.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Close immediately closes all active listeners and any connection not
// currently hijacked or upgraded.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeDoneChanLocked()
	err := s.closeListenersLocked()
	for c := range s.activeConn {
		c.rwc.Close()
		delete(s.activeConn, c)
	}
	return err
}

// Shutdown gracefully shuts down the server: it stops accepting new
// connections, then waits for active connections to become idle (or for
// ctx to expire) before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.AddInt32(&s.inShutdown, 1)
	defer atomic.AddInt32(&s.inShutdown, -1)

	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	s.closeDoneChanLocked()
	for c := range s.activeConn {
		c.state.markClosing()
	}
	for _, f := range s.onShutdown {
		go f()
	}
	s.mu.Unlock()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		if s.closeIdleConns() {
			return lnerr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RegisterOnShutdown registers a function to be called on Shutdown, used
// to notify long-lived Upgraded/Hijacked connections.
func (s *Server) RegisterOnShutdown(f func()) {
	s.mu.Lock()
	s.onShutdown = append(s.onShutdown, f)
	s.mu.Unlock()
}

func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiescent := true
	for c := range s.activeConn {
		if c.state.overall != StateIdle {
			quiescent = false
			continue
		}
		c.rwc.Close()
		delete(s.activeConn, c)
	}
	return quiescent
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(s.listeners, ln)
	}
	return nil
}

// ListenAndServe listens on the TCP address s.Addr and calls Serve.
func (s *Server) ListenAndServe() error {
	addr := s.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(tcpKeepAliveListener{ln.(*net.TCPListener)})
}

// Serve accepts connections on lsn, spawning one goroutine per connection.
// Grounded on the teacher's Server.Serve (server.go).
func (s *Server) Serve(lsn net.Listener) error {
	defer lsn.Close()

	s.trackListener(lsn, true)
	defer s.trackListener(lsn, false)

	baseCtx := context.Background()
	ctx := context.WithValue(baseCtx, serverContextKey, s)

	var tempDelay time.Duration
	for {
		nc, e := lsn.Accept()
		if e != nil {
			select {
			case <-s.getDoneChan():
				return ErrServerClosed
			default:
			}
			if ne, ok := e.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				s.logf("relay: Accept error: %v; retrying in %v", e, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return e
		}
		tempDelay = 0
		c := s.newConn(nc)
		c.setState(StateNew)
		go c.serve(ctx)
	}
}

// ServeTLS wraps lsn in a *tls.Config-driven listener before calling Serve.
func (s *Server) ServeTLS(lsn net.Listener, certFile, keyFile string) error {
	config := s.TLSConfig.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	if !strSliceContains(config.NextProtos, "http/1.1") {
		config.NextProtos = append(config.NextProtos, "http/1.1")
	}
	hasCert := len(config.Certificates) > 0 || config.GetCertificate != nil
	if !hasCert || certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return s.Serve(tls.NewListener(lsn, config))
}

func strSliceContains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Server) trackListener(ln net.Listener, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[net.Listener]struct{})
	}
	if add {
		if len(s.listeners) == 0 && len(s.activeConn) == 0 {
			s.doneChan = nil
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConn == nil {
		s.activeConn = make(map[*conn]struct{})
	}
	if add {
		s.activeConn[c] = struct{}{}
	} else {
		delete(s.activeConn, c)
	}
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout != 0 {
		return s.IdleTimeout
	}
	return s.ReadTimeout
}

func (s *Server) readHeaderTimeout() time.Duration {
	if s.ReadHeaderTimeout != 0 {
		return s.ReadHeaderTimeout
	}
	return s.ReadTimeout
}

func (s *Server) doKeepAlives() bool {
	return atomic.LoadInt32(&s.disableKeepAlives) == 0 && !s.shuttingDown()
}

func (s *Server) shuttingDown() bool { return atomic.LoadInt32(&s.inShutdown) != 0 }

// SetKeepAlivesEnabled controls whether HTTP keep-alives are enabled.
func (s *Server) SetKeepAlivesEnabled(v bool) {
	if v {
		atomic.StoreInt32(&s.disableKeepAlives, 0)
		return
	}
	atomic.StoreInt32(&s.disableKeepAlives, 1)
	s.closeIdleConns()
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.ErrorLog != nil {
		s.ErrorLog.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

// tcpKeepAliveListener wraps a *net.TCPListener to enable TCP keep-alives
// on every accepted connection, identical to the teacher's listener of the
// same name.
type tcpKeepAliveListener struct{ *net.TCPListener }

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

// conn is a single accepted connection's dispatcher state: the buffered
// transport, the connection state machine, and (while active) the current
// response under construction. Grounded on the teacher's conn (conn.go).
type conn struct {
	server     *Server
	rwc        net.Conn
	remoteAddr string
	tlsState   *tls.ConnectionState

	cr   *connReader
	bufr *bufio.Reader
	bufw *bufio.Writer

	state *connState

	mu        sync.Mutex
	hijackedv bool
	curReq    atomic.Value // *response
	cancelCtx context.CancelFunc
	wErr      error
}

func (s *Server) newConn(rwc net.Conn) *conn {
	return &conn{server: s, rwc: rwc, state: newConnState()}
}

// setState is the dispatcher's single entry point for a ConnState
// transition: it keeps Server.activeConn's bookkeeping and the
// connState sub-state machine (connstate.go) in lockstep, then fires the
// optional ConnState hook. Grounded on the teacher's Server.setState
// (server.go), generalized so every transition that leaves the
// read/write cursors (StateHijacked/StateUpgraded/StateClosed) also
// folds into connState's own mark* methods instead of poking overall
// directly.
func (c *conn) setState(next ConnState) {
	srv := c.server
	switch next {
	case StateNew:
		srv.trackConn(c, true)
		c.state.overall = StateNew
	case StateActive, StateIdle:
		c.state.overall = next
	case StateHijacked:
		srv.trackConn(c, false)
		c.state.markHijacked()
	case StateUpgraded:
		srv.trackConn(c, false)
		c.state.markUpgraded()
	case StateClosed:
		srv.trackConn(c, false)
		c.state.markClosed()
	}
	if hook := srv.ConnState; hook != nil {
		hook(c.rwc, next)
	}
}

func (c *conn) hijacked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hijackedv
}

func (c *conn) finalFlush() {
	if c.bufr != nil {
		putPooledReader(c.bufr)
		c.bufr = nil
	}
	if c.bufw != nil {
		c.bufw.Flush()
		putPooledWriter(c.bufw)
		c.bufw = nil
	}
}

func (c *conn) close() {
	c.finalFlush()
	c.rwc.Close()
}

type closeWriter interface{ CloseWrite() error }

// rstAvoidanceDelay mirrors the teacher's constant: a pause after
// half-closing the write side so the peer's FIN is processed before any
// RST from unread data.
const rstAvoidanceDelay = 500 * time.Millisecond

func (c *conn) closeWriteAndWait() {
	c.finalFlush()
	if tcp, ok := c.rwc.(closeWriter); ok {
		tcp.CloseWrite()
	}
	time.Sleep(rstAvoidanceDelay)
}

// serve is the per-connection dispatcher loop of spec.md §4.5: read a
// request head, decide 100-continue, run the handler, finish the
// response, and either loop for the next (possibly already pipelined)
// request or close. Grounded directly on the teacher's conn.serve
// (src/http/conn.go), generalized to route through connState and to
// actually support server-side pipelining via the background-read
// lookahead the teacher already performs for "is there a next request
// buffered" detection.
func (c *conn) serve(ctx context.Context) {
	c.remoteAddr = c.rwc.RemoteAddr().String()
	ctx = context.WithValue(ctx, localAddrContextKey, c.rwc.LocalAddr())

	defer func() {
		if err := recover(); err != nil && err != ErrAbortHandler {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.server.logf("relay: panic serving %v: %v\n%s", c.remoteAddr, err, buf)
		}
		if !c.hijacked() && c.state.overall != StateUpgraded {
			c.close()
			c.setState(StateClosed)
		}
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		if d := c.server.ReadTimeout; d != 0 {
			c.rwc.SetReadDeadline(time.Now().Add(d))
		}
		if d := c.server.WriteTimeout; d != 0 {
			c.rwc.SetWriteDeadline(time.Now().Add(d))
		}
		if err := tlsConn.Handshake(); err != nil {
			c.server.logf("relay: TLS handshake error from %s: %v", c.rwc.RemoteAddr(), err)
			return
		}
		st := tlsConn.ConnectionState()
		c.tlsState = &st
	}

	opts := c.server.options()

	ctx, cancelCtx := context.WithCancel(ctx)
	c.cancelCtx = cancelCtx
	defer cancelCtx()

	c.cr = newConnReader(c.rwc)
	c.cr.onEOF = cancelCtx
	c.bufr = newPooledReader(c.cr, opts.MaxBufSize)
	c.bufw = newPooledWriter(checkConnErrorWriter{c}, bufferBeforeChunkingSize)

	for {
		if !c.state.beginRead() {
			return
		}
		c.cr.setReadLimit(int64(c.server.maxHeaderBytes()) + 4096)
		w, err := c.readRequest(ctx, opts)
		if c.cr.remain != int64(c.server.maxHeaderBytes())+4096 {
			c.setState(StateActive)
		}
		if err != nil {
			c.replyToReadError(err)
			return
		}

		req := w.req
		if req.Body == nil || req.Body == NoBody {
			c.state.readAdvance(readDone)
		} else {
			c.state.readAdvance(readBody)
		}
		if req.expectsContinue() {
			if req.ProtoAtLeast(1, 1) && req.ContentLength != 0 {
				req.Body = &expectContinueReader{Body: req.Body, w: w}
			}
		} else if req.Header.get(HeaderExpect) != "" {
			w.sendExpectationFailed()
			return
		}
		c.curReq.Store(w)

		// Detect a request whose body the handler won't drain itself, or a
		// request that already has its successor buffered: either way,
		// start (or arrange to start) a background read so a pipelined
		// request or an early peer close is noticed without blocking the
		// handler goroutine. Grounded on the teacher's conn.serve
		// (registerOnHitEOF/startBackgroundRead pairing, src/http/conn.go).
		body := req.Body
		if ecr, ok := body.(*expectContinueReader); ok {
			body = ecr.Body
		}
		if cb, ok := body.(*connBody); ok && cb.remains() {
			cb.registerOnEOF(c.cr.startBackgroundRead)
		} else {
			if c.bufr.Buffered() > 0 {
				c.state.pipelineDepth++
			}
			c.cr.startBackgroundRead()
		}

		c.state.beginWrite()
		func() {
			defer func() {
				if err := recover(); err != nil && err != ErrAbortHandler {
					const size = 64 << 10
					buf := make([]byte, size)
					buf = buf[:runtime.Stack(buf, false)]
					c.server.logf("relay: panic serving %v: %v\n%s", c.remoteAddr, err, buf)
					w.closeAfterReply = true
				}
			}()
			handler := c.server.Handler
			if handler == nil {
				handler = HandlerFunc(NotFoundHandler)
			}
			handler.ServeHTTP(w, w.req)
		}()
		c.state.writeAdvance(writeDone)

		cancelCtx()
		if c.hijacked() || c.state.overall == StateUpgraded {
			return
		}
		w.finishRequest()
		c.state.readAdvance(readDone)

		keepAlive := w.shouldReuseConnection()
		if !c.state.finishTransaction(keepAlive) {
			if w.requestBodyLimitHit || w.closedRequestBodyEarly() {
				c.closeWriteAndWait()
			}
			return
		}

		c.setState(StateIdle)
		c.curReq.Store((*response)(nil))

		if !c.server.doKeepAlives() {
			return
		}

		if d := c.server.idleTimeout(); d != 0 {
			c.rwc.SetReadDeadline(time.Now().Add(d))
			if _, err := c.bufr.Peek(4); err != nil {
				return
			}
		}
		c.rwc.SetReadDeadline(time.Time{})
	}
}

func (c *conn) replyToReadError(err error) {
	const errorHeaders = "\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n"
	if pe, ok := err.(*ParseError); ok && pe.Kind == ParseTooLarge {
		const publicErr = "431 Request Header Fields Too Large"
		io.WriteString(c.rwc, "HTTP/1.1 "+publicErr+errorHeaders+publicErr)
		c.closeWriteAndWait()
		return
	}
	if isCommonNetReadError(err) {
		return
	}
	publicErr := "400 Bad Request"
	if v, ok := err.(badRequestError); ok {
		publicErr += ": " + string(v)
	}
	io.WriteString(c.rwc, "HTTP/1.1 "+publicErr+errorHeaders+publicErr)
}

func isCommonNetReadError(err error) bool {
	if err == io.EOF {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// NotFoundHandler is the fallback Handler used when Server.Handler is nil.
func NotFoundHandler(w ResponseWriter, r *Request) {
	w.WriteHeader(StatusBadRequest)
	io.WriteString(w, "relay: no handler registered")
}

// checkConnErrorWriter records the first write error a response
// encountered so the connection can be torn down instead of reused,
// grounded on the teacher's check_conn_error_writer.go.
type checkConnErrorWriter struct{ c *conn }

func (w checkConnErrorWriter) Write(p []byte) (n int, err error) {
	n, err = w.c.rwc.Write(p)
	if err != nil {
		w.c.wErr = err
		if w.c.cancelCtx != nil {
			w.c.cancelCtx()
		}
	}
	return
}
