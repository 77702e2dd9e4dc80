/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package tport

// HTTPError implements net.Error for transport-level failures (e.g. a
// client-side timeout awaiting response headers) that callers may want to
// retry. Grounded on the teacher's httpError (types_transport.go).
type HTTPError struct {
	Err     string
	IsTimeout bool
}

func (e *HTTPError) Error() string   { return e.Err }
func (e *HTTPError) Timeout() bool   { return e.IsTimeout }
func (e *HTTPError) Temporary() bool { return true }

// ErrResponseHeaderTimeout is the HTTPError for a timeout while awaiting
// response headers. Nothing in relay returns it.
var ErrResponseHeaderTimeout = &HTTPError{Err: "tport: timeout awaiting response headers", IsTimeout: true}
