/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package relaytest is an in-process test harness for relay: it starts a
// real relay.Server on a loopback net.Listener and hands back a
// relay.Client wired to talk to it, the way net/http/httptest does for
// net/http. Grounded on the teacher's th/tserver.go.
package relaytest

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/relayhttp/relay"
)

// Server is an HTTP server listening on a system-chosen port on the local
// loopback interface, for use in end-to-end tests.
type Server struct {
	URL      string // base URL of form http://ipaddr:port with no trailing slash
	Listener net.Listener

	// TLS is the optional TLS configuration, populated by StartTLS.
	TLS *tls.Config

	// Config is the relay.Server that serves requests.
	Config *relay.Server

	certificate *x509.Certificate
	client      *relay.Client

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]relay.ConnState
	wg     sync.WaitGroup
}

// NewServer starts and returns a Server using the provided handler. The
// caller must call Close when finished to shut it down.
func NewServer(handler relay.Handler) *Server {
	s := NewUnstartedServer(handler)
	s.Start()
	return s
}

// NewTLSServer starts and returns a TLS Server using the provided handler.
func NewTLSServer(handler relay.Handler) *Server {
	s := NewUnstartedServer(handler)
	s.StartTLS()
	return s
}

// NewUnstartedServer returns a new Server but doesn't start it. The caller
// may configure Server.TLS or Server.Config before calling Start or
// StartTLS.
func NewUnstartedServer(handler relay.Handler) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		if ln, err = net.Listen("tcp6", "[::1]:0"); err != nil {
			panic(fmt.Sprintf("relaytest: failed to listen on a port: %v", err))
		}
	}
	return &Server{
		Listener: ln,
		Config:   &relay.Server{Handler: handler},
	}
}

// Start starts a server from NewUnstartedServer.
func (s *Server) Start() {
	if s.URL != "" {
		panic("relaytest: Server already started")
	}
	if s.client == nil {
		s.client = &relay.Client{Transport: &relay.Transport{}}
	}
	s.URL = "http://" + s.Listener.Addr().String()
	s.wrap()
	s.goServe()
}

// StartTLS starts TLS on a server from NewUnstartedServer.
func (s *Server) StartTLS() {
	if s.URL != "" {
		panic("relaytest: Server already started")
	}
	if s.client == nil {
		s.client = &relay.Client{Transport: &relay.Transport{}}
	}
	cert, err := tls.X509KeyPair(localhostCert, localhostKey)
	if err != nil {
		panic(fmt.Sprintf("relaytest: NewTLSServer: %v", err))
	}

	existingConfig := s.TLS
	if existingConfig != nil {
		s.TLS = existingConfig.Clone()
	} else {
		s.TLS = new(tls.Config)
	}
	if s.TLS.NextProtos == nil {
		s.TLS.NextProtos = []string{"http/1.1"}
	}
	if len(s.TLS.Certificates) == 0 {
		s.TLS.Certificates = []tls.Certificate{cert}
	}
	s.certificate, err = x509.ParseCertificate(s.TLS.Certificates[0].Certificate[0])
	if err != nil {
		panic(fmt.Sprintf("relaytest: NewTLSServer: %v", err))
	}
	certpool := x509.NewCertPool()
	certpool.AddCert(s.certificate)
	s.client.Transport = &relay.Transport{
		TLSClientConfig: &tls.Config{RootCAs: certpool},
	}

	s.Listener = tls.NewListener(s.Listener, s.TLS)
	s.URL = "https://" + s.Listener.Addr().String()
	s.wrap()
	s.goServe()
}

// Close shuts down the server and blocks until all outstanding requests on
// this server have completed.
func (s *Server) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.Listener.Close()
		s.Config.SetKeepAlivesEnabled(false)
		for c, st := range s.conns {
			if st == relay.StateIdle || st == relay.StateNew {
				s.closeConn(c)
			}
		}
		t := time.AfterFunc(5*time.Second, s.logCloseHangDebugInfo)
		defer t.Stop()
	}
	s.mu.Unlock()

	if s.client != nil {
		if ct, ok := s.client.Transport.(closeIdleTransport); ok {
			ct.CloseIdleConnections()
		}
	}

	s.wg.Wait()
}

type closeIdleTransport interface {
	CloseIdleConnections()
}

func (s *Server) logCloseHangDebugInfo() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	buf.WriteString("relaytest: Server blocked in Close after 5 seconds, waiting for connections:\n")
	for c, st := range s.conns {
		fmt.Fprintf(&buf, "  %T %p %v in state %v\n", c, c, c.RemoteAddr(), st)
	}
	log.Print(buf.String())
}

// CloseClientConnections closes any open connections to the test server.
func (s *Server) CloseClientConnections() {
	s.mu.Lock()
	nconn := len(s.conns)
	ch := make(chan struct{}, nconn)
	for c := range s.conns {
		go s.closeConnChan(c, ch)
	}
	s.mu.Unlock()

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for i := 0; i < nconn; i++ {
		select {
		case <-ch:
		case <-timer.C:
			return
		}
	}
}

// Certificate returns the certificate used by the server, or nil if the
// server isn't using TLS.
func (s *Server) Certificate() *x509.Certificate { return s.certificate }

// Client returns a relay.Client configured to trust the server's TLS test
// certificate (if any) and to close its idle connections on Server.Close.
func (s *Server) Client() *relay.Client { return s.client }

func (s *Server) goServe() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Config.Serve(s.Listener)
	}()
}

// wrap installs the connection state-tracking hook that lets Close tell
// which connections are idle versus mid-request.
func (s *Server) wrap() {
	oldHook := s.Config.ConnState
	s.Config.ConnState = func(c net.Conn, cs relay.ConnState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch cs {
		case relay.StateNew:
			s.wg.Add(1)
			if _, exists := s.conns[c]; exists {
				panic("relaytest: invalid connection state transition")
			}
			if s.conns == nil {
				s.conns = make(map[net.Conn]relay.ConnState)
			}
			s.conns[c] = cs
			if s.closed {
				s.closeConn(c)
			}
		case relay.StateActive:
			if oldState, ok := s.conns[c]; ok {
				if oldState != relay.StateNew && oldState != relay.StateIdle {
					panic("relaytest: invalid connection state transition")
				}
				s.conns[c] = cs
			}
		case relay.StateIdle:
			if oldState, ok := s.conns[c]; ok {
				if oldState != relay.StateActive {
					panic("relaytest: invalid connection state transition")
				}
				s.conns[c] = cs
			}
			if s.closed {
				s.closeConn(c)
			}
		case relay.StateHijacked, relay.StateUpgraded, relay.StateClosed:
			s.forgetConn(c)
		}
		if oldHook != nil {
			oldHook(c, cs)
		}
	}
}

// closeConn closes c. s.mu must be held.
func (s *Server) closeConn(c net.Conn) { s.closeConnChan(c, nil) }

func (s *Server) closeConnChan(c net.Conn, done chan<- struct{}) {
	c.Close()
	if done != nil {
		done <- struct{}{}
	}
}

// forgetConn removes c from the tracked set and decrements wg, unless
// already removed. s.mu must be held.
func (s *Server) forgetConn(c net.Conn) {
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.wg.Done()
	}
}
