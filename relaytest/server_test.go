/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package relaytest

import (
	"io"
	"net/url"
	"testing"

	"github.com/relayhttp/relay"
)

func TestServerRoundTrip(t *testing.T) {
	srv := NewServer(relay.HandlerFunc(func(w relay.ResponseWriter, r *relay.Request) {
		if r.URL.Path != "/hello" {
			w.WriteHeader(404)
			return
		}
		w.Header().Set(relay.HeaderContentType, "text/plain")
		w.WriteHeader(relay.StatusOK)
		io.WriteString(w, "world")
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/hello")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	req := &relay.Request{Method: relay.MethodGet, URL: u, Proto: relay.ProtoHTTP11, ProtoMajor: 1, ProtoMinor: 1, Header: make(relay.Header)}

	resp, err := srv.Client().Send(req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != relay.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "world" {
		t.Fatalf("body = %q, want %q", body, "world")
	}
}

func TestServerRoundTripPostBody(t *testing.T) {
	var gotBody string
	srv := NewServer(relay.HandlerFunc(func(w relay.ResponseWriter, r *relay.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(relay.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/echo")
	header := make(relay.Header)
	header.Set(relay.HeaderContentLength, "4")
	req := &relay.Request{
		Method:        relay.MethodPost,
		URL:           u,
		Proto:         relay.ProtoHTTP11,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: 4,
		Body:          relay.NewFixedBody([]byte("ping")),
	}

	resp, err := srv.Client().Send(req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp.Body.Close()

	if gotBody != "ping" {
		t.Fatalf("handler saw body %q, want %q", gotBody, "ping")
	}
}
