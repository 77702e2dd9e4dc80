/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relay

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// parseRequestLine splits "GET /foo HTTP/1.1" into its three parts.
// Grounded on the teacher's parseRequestLine (utils_request.go).
func parseRequestLine(line string) (method, requestURI, proto string, ok bool) {
	s1 := strings.IndexByte(line, ' ')
	if s1 < 0 {
		return "", "", "", false
	}
	s2 := strings.IndexByte(line[s1+1:], ' ')
	if s2 < 0 {
		return "", "", "", false
	}
	s2 += s1 + 1
	return line[:s1], line[s1+1 : s2], line[s2+1:], true
}

// ParseHTTPVersion parses an HTTP version string of the form "HTTP/M.N".
func ParseHTTPVersion(vers string) (major, minor int, ok bool) {
	const Big = 1000000
	switch vers {
	case ProtoHTTP11:
		return 1, 1, true
	case ProtoHTTP10:
		return 1, 0, true
	}
	if !strings.HasPrefix(vers, "HTTP/") {
		return 0, 0, false
	}
	dot := strings.IndexByte(vers, '.')
	if dot < 0 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(vers[5:dot])
	if err != nil || major < 0 || major > Big {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(vers[dot+1:])
	if err != nil || minor < 0 || minor > Big {
		return 0, 0, false
	}
	return major, minor, true
}

// readLine reads a single CRLF- or LF-terminated line via tp, translating
// textproto's io.EOF into io.ErrUnexpectedEOF so a truncated message never
// looks like a clean end-of-stream to the caller.
func readLine(tp *textproto.Reader) (string, error) {
	line, err := tp.ReadLine()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return line, nil
}

// readMessageHead parses the header block (but not the start line) of a
// request or response off tp, enforcing opts' header-size ceiling.
// Grounded on ReadResponse's tp.ReadHeader() call (public_response.go),
// generalized to also serve request parsing and to surface Parse::TooLarge
// instead of a bufio-level error.
func readMessageHead(tp *textproto.Reader, opts *Options) (Header, error) {
	mh, err := tp.ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	h := Header(mh)
	var total int
	for k, vv := range h {
		total += len(k)
		for _, v := range vv {
			total += len(v)
		}
	}
	// headerBuffer's doubling ceiling (transport_buf.go) replaces a flat
	// one-shot comparison against opts.MaxHeaderListSize: a header block
	// that outgrows the starting size is still accepted as long as each
	// doubling stays within the configured maximum, matching the adaptive
	// growth spec.md §4.1 describes for the connection's read buffer.
	hb := newHeaderBuffer(opts)
	for total > hb.size {
		if err := hb.grow(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// ReadRequestHead parses a request line and header block from br. The
// returned Request has no Body attached yet; the caller (conn.readRequest)
// decides body framing via decodeBodyFraming and wires it up.
func ReadRequestHead(br *bufio.Reader, opts *Options) (*Request, error) {
	tp := textproto.NewReader(br)
	line, err := readLine(tp)
	if err != nil {
		return nil, err
	}

	method, requestURI, proto, ok := parseRequestLine(line)
	if !ok {
		return nil, newParseError(ParseMethod, "malformed request line: "+line)
	}
	if !validMethod(method) {
		return nil, newParseError(ParseMethod, "invalid method: "+method)
	}

	req := &Request{Method: method, RequestURI: requestURI}

	rawurl := requestURI
	if method == MethodConnect {
		req.URL, err = url.ParseRequestURI("http://" + requestURI)
	} else {
		req.URL, err = url.ParseRequestURI(rawurl)
	}
	if err != nil {
		return nil, newParseError(ParseURI, err.Error())
	}

	if proto == "" && opts != nil && opts.AllowHTTP09 {
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/0.9", 0, 9
	} else {
		major, minor, ok := ParseHTTPVersion(proto)
		if !ok {
			return nil, newParseError(ParseVersion, "unknown protocol version: "+proto)
		}
		req.Proto, req.ProtoMajor, req.ProtoMinor = proto, major, minor
	}

	if req.ProtoMajor == 0 && req.ProtoMinor == 9 {
		return req, nil // HTTP/0.9 has no header block
	}

	header, err := readMessageHead(tp, opts)
	if err != nil {
		return nil, err
	}
	req.Header = header
	req.Host = req.URL.Host
	if req.Host == "" {
		req.Host = header.get(HeaderHost)
	}
	header.Del(HeaderHost)

	return req, nil
}

func validMethod(method string) bool {
	if method == "" {
		return false
	}
	for i := 0; i < len(method); i++ {
		if !isTokenChar(method[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// ReadResponseHead parses a status line and header block from br.
// Grounded on ReadResponse (public_response.go).
func ReadResponseHead(br *bufio.Reader, opts *Options) (*Response, error) {
	tp := textproto.NewReader(br)
	line, err := readLine(tp)
	if err != nil {
		return nil, err
	}

	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return nil, newParseError(ParseStatus, "malformed status line: "+line)
	}
	resp := &Response{Proto: line[:i], Status: strings.TrimLeft(line[i+1:], " ")}

	major, minor, ok := ParseHTTPVersion(resp.Proto)
	if !ok {
		return nil, newParseError(ParseVersion, "unknown protocol version: "+resp.Proto)
	}
	resp.ProtoMajor, resp.ProtoMinor = major, minor

	statusCode := resp.Status
	if i := strings.IndexByte(statusCode, ' '); i != -1 {
		statusCode = statusCode[:i]
	}
	if len(statusCode) != 3 {
		return nil, newParseError(ParseStatus, "malformed status code: "+statusCode)
	}
	resp.StatusCode, err = strconv.Atoi(statusCode)
	if err != nil || resp.StatusCode < 0 {
		return nil, newParseError(ParseStatus, "malformed status code: "+statusCode)
	}

	header, err := readMessageHead(tp, opts)
	if err != nil {
		return nil, err
	}
	resp.Header = header
	return resp, nil
}

// writeRequestLine writes "METHOD target HTTP/1.1\r\n".
func writeRequestLine(w io.Writer, method, target string) error {
	_, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", method, target)
	return err
}

// writeStatusLine writes "HTTP/1.1 NNN Reason\r\n".
func writeStatusLine(w io.Writer, major, minor, code int, reason string) error {
	if reason == "" {
		reason = StatusText(code)
	}
	_, err := fmt.Fprintf(w, "HTTP/%d.%d %03d %s\r\n", major, minor, code, reason)
	return err
}
