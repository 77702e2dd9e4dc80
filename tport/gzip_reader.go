/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package tport

import (
	"compress/gzip"
	"errors"
	"io"
	"sync"
)

var errReadOnClosedResBody = errors.New("tport: read on closed response body")

// gzipReader lazily wraps an underlying body in a gzip.Reader on first
// Read, the way relay.Transport transparently decodes a response it
// itself requested gzip encoding for (the Transport added
// Accept-Encoding: gzip and the peer honored it with Content-Encoding:
// gzip). Grounded on the teacher's gzipReader (types_transport.go /
// gzip_reader.go).
type gzipReader struct {
	mu     sync.Mutex
	body   io.ReadCloser
	closed bool

	zr   *gzip.Reader
	zerr error
}

// NewGzipReader returns an io.ReadCloser that transparently gunzips body.
func NewGzipReader(body io.ReadCloser) io.ReadCloser {
	return &gzipReader{body: body}
}

func (gz *gzipReader) Read(p []byte) (n int, err error) {
	if gz.zr == nil {
		if gz.zerr == nil {
			gz.zr, gz.zerr = gzip.NewReader(gz.body)
		}
		if gz.zerr != nil {
			return 0, gz.zerr
		}
	}

	gz.mu.Lock()
	closed := gz.closed
	gz.mu.Unlock()
	if closed {
		return 0, errReadOnClosedResBody
	}
	return gz.zr.Read(p)
}

func (gz *gzipReader) Close() error {
	gz.mu.Lock()
	gz.closed = true
	gz.mu.Unlock()
	return gz.body.Close()
}
