/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package h2 is the HTTP/2 Integration Adapter (spec.md §4.7): it puts a
// relay.Handler behind golang.org/x/net/http2 (and h2c for cleartext
// upgrade/prior-knowledge) on the server side, and a relay.RoundTripper in
// front of golang.org/x/net/http2.Transport on the client side, so the
// connection state machine and codec in the root package stay HTTP/1-only
// and h2 framing, flow control and multiplexing are left entirely to
// golang.org/x/net/http2. Grounded on the teacher's alt-RoundTripper seam
// in types_transport.go (Transport.TLSNextProto) and spec.md §4.7.
package h2

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/relayhttp/relay"
)

// adaptiveUploadBuffer picks http2.Server's per-stream and per-connection
// upload buffers. With H2AdaptiveWindow set, the server starts with a
// larger buffer: H2InitialWindowSize per stream (1 MB when that is zero)
// and that times the concurrent-stream limit per connection; the sizes
// do not change afterwards. Otherwise both are exactly
// opts.H2InitialWindowSize, or http2's own defaults when that is zero.
func adaptiveUploadBuffer(o *relay.Options) (perStream, perConn int32) {
	switch {
	case o.H2AdaptiveWindow:
		perStream = o.H2InitialWindowSize
		if perStream <= 0 {
			perStream = 1 << 20 // 1 MB, well above http2's own 64KB default
		}
		return perStream, perStream * int32(maxConcurrentOrDefault(o))
	case o.H2InitialWindowSize > 0:
		return o.H2InitialWindowSize, o.H2InitialWindowSize
	default:
		return 0, 0
	}
}

func maxConcurrentOrDefault(o *relay.Options) uint32 {
	if o.H2MaxConcurrentStreams > 0 {
		return o.H2MaxConcurrentStreams
	}
	return 250 // http2.Server's own default
}

func configFor(opts *relay.Options) *http2.Server {
	o := opts.Resolved()
	perStream, perConn := adaptiveUploadBuffer(o)
	return &http2.Server{
		MaxConcurrentStreams:         o.H2MaxConcurrentStreams,
		IdleTimeout:                  o.IdleTimeout,
		MaxUploadBufferPerStream:     perStream,
		MaxUploadBufferPerConnection: perConn,
		PingTimeout:                  o.H2PingTimeout,
		ReadIdleTimeout:              o.H2PingInterval,
	}
}

// NewHandler wraps h so that it also serves HTTP/2: a TLS listener whose
// net/http server is configured with http2.ConfigureServer negotiates h2
// via ALPN, and h2c.NewHandler additionally accepts cleartext prior-
// knowledge or Upgrade-header h2c, matching the teacher's support for
// both rather than TLS-only h2.
func NewHandler(h relay.Handler, opts *relay.Options) http.Handler {
	h2s := configFor(opts)
	bridge := &handlerBridge{h: h}
	return h2c.NewHandler(bridge, h2s)
}

// Server wraps a *http.Server configured to speak HTTP/2 (ALPN over TLS
// via http2.ConfigureServer, h2c for cleartext), so that Shutdown gets the
// GOAWAY-then-drain graceful shutdown net/http already gives an
// h2-configured server: http2.ConfigureServer registers every h2
// connection with the *http.Server's own ConnState bookkeeping, so
// (*http.Server).Shutdown stops the listener, sends GOAWAY on each active
// h2 connection, and waits for in-flight streams to finish before
// returning. Grounded on the teacher's Server.Shutdown (server.go) for the
// stop-accept/drain shape, applied to the h2 side of the adapter.
type Server struct {
	httpSrv *http.Server
}

// NewServer builds a Server for addr, serving h over HTTP/2 with
// tlsConfig ALPN-negotiated (see ConfigureTLS) and h2c cleartext fallback.
func NewServer(addr string, h relay.Handler, opts *relay.Options, tlsConfig *tls.Config) (*Server, error) {
	h2s := configFor(opts)
	bridge := &handlerBridge{h: h}
	httpSrv := &http.Server{
		Addr:      addr,
		Handler:   h2c.NewHandler(bridge, h2s),
		TLSConfig: tlsConfig,
	}
	if err := http2.ConfigureServer(httpSrv, h2s); err != nil {
		return nil, err
	}
	return &Server{httpSrv: httpSrv}, nil
}

func (s *Server) ListenAndServe() error { return s.httpSrv.ListenAndServe() }

func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	return s.httpSrv.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown sends GOAWAY to every active h2 connection and waits for
// in-flight streams to finish, or for ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpSrv.Shutdown(ctx) }

// ConfigureTLS arms cfg (a *tls.Config consumed by a net/http.Server or a
// raw tls.Listener) to negotiate h2 via ALPN ahead of http/1.1, the way
// http2.ConfigureServer does for a *http.Server.
func ConfigureTLS(cfg *tls.Config) {
	if cfg.NextProtos == nil {
		cfg.NextProtos = []string{"h2", "http/1.1"}
		return
	}
	for _, p := range cfg.NextProtos {
		if p == "h2" {
			return
		}
	}
	cfg.NextProtos = append([]string{"h2"}, cfg.NextProtos...)
}

// handlerBridge adapts a relay.Handler to net/http.Handler so it can be
// driven by golang.org/x/net/http2's server, which only knows the
// net/http request/response types.
type handlerBridge struct{ h relay.Handler }

func (b *handlerBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := toRelayRequest(r)
	rw := &responseBridge{w: w, header: relay.Header(w.Header())}
	b.h.ServeHTTP(rw, req)
}

func toRelayRequest(r *http.Request) *relay.Request {
	req := &relay.Request{
		Method:           r.Method,
		URL:              r.URL,
		Proto:            r.Proto,
		ProtoMajor:       r.ProtoMajor,
		ProtoMinor:       r.ProtoMinor,
		Header:           relay.Header(r.Header),
		ContentLength:    r.ContentLength,
		TransferEncoding: r.TransferEncoding,
		Close:            r.Close,
		Host:             r.Host,
		Trailer:          relay.Header(r.Trailer),
		RemoteAddr:       r.RemoteAddr,
		RequestURI:       r.RequestURI,
	}
	req.Body = wrapReadCloser(r.Body)
	return req.WithContext(r.Context())
}

// wrapReadCloser satisfies relay.Body over a plain io.ReadCloser; an h2
// request/response body carries no independently-framed trailer the way a
// chunked HTTP/1 body does; golang.org/x/net/http2 merges HEADERS-frame
// trailers into r.Trailer once Read returns io.EOF, so Trailer here always
// reports nil: callers should consult the original *http.Request.Trailer
// post-read if they need it.
type wrappedBody struct{ io.ReadCloser }

func (wrappedBody) Trailer() relay.Header { return nil }

func wrapReadCloser(rc io.ReadCloser) relay.Body {
	if rc == nil {
		return relay.NoBody
	}
	return wrappedBody{rc}
}

// responseBridge implements relay.ResponseWriter over a net/http
// ResponseWriter, the counterpart handlerBridge needs to hand relay's own
// Handler contract a writer it understands.
type responseBridge struct {
	w      http.ResponseWriter
	header relay.Header
}

func (r *responseBridge) Header() relay.Header { return r.header }

func (r *responseBridge) Write(p []byte) (int, error) { return r.w.Write(p) }

func (r *responseBridge) WriteHeader(statusCode int) { r.w.WriteHeader(statusCode) }

func (r *responseBridge) Flush() {
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Transport is a relay.RoundTripper that speaks h2 exclusively, built on
// golang.org/x/net/http2.Transport. Grounded on the teacher's alternate
// RoundTripper slot (Transport.TLSNextProto) the way net/http wires h2 in
// transparently; here it is an explicit opt-in RoundTripper instead, since
// spec.md §4.7 scopes ALPN/protocol negotiation out as ambient TLS
// plumbing a caller decides, not something the adapter guesses at.
type Transport struct {
	t2 *http2.Transport
}

// NewTransport returns a Transport dialing with tlsConfig (NextProtos
// should already list "h2" first; see ConfigureTLS) and applying opts'
// H2PingTimeout and H2PingInterval; the other H2* fields do not affect
// the client.
func NewTransport(tlsConfig *tls.Config, opts *relay.Options) *Transport {
	o := opts.Resolved()
	return &Transport{t2: &http2.Transport{
		TLSClientConfig: tlsConfig,
		PingTimeout:     o.H2PingTimeout,
		ReadIdleTimeout: o.H2PingInterval,
	}}
}

func (t *Transport) RoundTrip(req *relay.Request) (*relay.Response, error) {
	hreq := &http.Request{
		Method:           req.Method,
		URL:              req.URL,
		Proto:            req.Proto,
		ProtoMajor:       2,
		ProtoMinor:       0,
		Header:           http.Header(req.Header),
		ContentLength:    req.ContentLength,
		TransferEncoding: req.TransferEncoding,
		Close:            req.Close,
		Host:             req.Host,
		Trailer:          http.Header(req.Trailer),
	}
	if req.Body != nil && req.Body != relay.NoBody {
		hreq.Body = req.Body
	}
	hreq = hreq.WithContext(req.Context())

	hresp, err := t.t2.RoundTrip(hreq)
	if err != nil {
		return nil, h2RoundTripError(err)
	}
	resp := &relay.Response{
		Status:           hresp.Status,
		StatusCode:       hresp.StatusCode,
		Proto:            hresp.Proto,
		ProtoMajor:       hresp.ProtoMajor,
		ProtoMinor:       hresp.ProtoMinor,
		Header:           relay.Header(hresp.Header),
		ContentLength:    hresp.ContentLength,
		TransferEncoding: hresp.TransferEncoding,
		Close:            hresp.Close,
		Trailer:          relay.Header(hresp.Trailer),
		Request:          req,
	}
	resp.Body = wrapReadCloser(hresp.Body)
	return resp, nil
}

// CloseIdleConnections lets relaytest.Server.Close treat an h2 Transport
// the same way it treats relay.Transport.
func (t *Transport) CloseIdleConnections() { t.t2.CloseIdleConnections() }

// h2RoundTripError recognizes the two shapes golang.org/x/net/http2 uses to
// report a peer-initiated stream reset or connection-level GOAWAY, and
// surfaces the numeric reason code via relay.H2Error instead of letting the
// caller string-match t2.RoundTrip's error.
func h2RoundTripError(err error) error {
	if se, ok := err.(http2.StreamError); ok {
		return relay.NewH2Error(uint32(se.Code), "stream reset: "+se.Code.String())
	}
	if gae, ok := err.(http2.GoAwayError); ok {
		return relay.NewH2Error(uint32(gae.ErrCode), "connection closed: "+gae.DebugData)
	}
	return err
}
