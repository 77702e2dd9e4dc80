/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"context"
	"io"
)

// bodyReaderDetached implements connOwner: once a request's connBody has
// been fully consumed (or closed), the connection is free to read the
// next pipelined request head.
func (c *conn) bodyReaderDetached() {
	c.cr.setInfiniteReadLimit()
}

// readRequest parses the next request head off the connection and wires
// up its Body, returning the *response that will carry the reply.
// Grounded on the teacher's conn.readRequest (src/http/conn.go).
func (c *conn) readRequest(ctx context.Context, opts *Options) (*response, error) {
	if c.hijacked() {
		return nil, ErrHijacked
	}

	req, err := ReadRequestHead(c.bufr, opts)
	if err != nil {
		return nil, err
	}
	req.RemoteAddr = c.remoteAddr
	req.ctx = ctx

	if req.ProtoMajor == 0 && req.ProtoMinor == 9 {
		req.Body = NoBody
		return newResponse(c, req), nil
	}

	if req.Host == "" && !req.ProtoAtLeast(1, 1) {
		// HTTP/1.0 requests are allowed to omit Host.
	} else if req.Host == "" {
		return nil, badRequestError("missing required Host header")
	}

	framing, length, err := decodeBodyFraming(false, true, req.Method, 0, req.Header)
	if err != nil {
		return nil, err
	}
	req.TransferEncoding = req.Header[HeaderTransferEncoding]
	req.ContentLength = length

	trailer, err := fixTrailer(req.Header, framing)
	if err != nil {
		return nil, err
	}
	req.Trailer = trailer

	isClosing := req.wantsClose() || !req.ProtoAtLeast(1, 1)
	switch framing {
	case framingEmpty:
		req.Body = NoBody
	case framingChunked:
		cr := &chunkedReader{r: c.bufr}
		req.Body = newConnBody(cr, framing, isClosing, c, req)
	case framingLength:
		lr := &io.LimitedReader{R: c.bufr, N: length}
		req.Body = newConnBody(lr, framing, isClosing, c, req)
	case framingCloseDelimited:
		// Not reachable for requests per decodeBodyFraming's rule 6, but
		// handle it defensively rather than leaving Body nil.
		req.Body = newConnBody(c.bufr, framing, true, c, req)
	}

	return newResponse(c, req), nil
}
