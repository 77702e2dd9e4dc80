/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package tport holds low-level client transport helpers shared across
// relay.Transport's dial path: proxy-from-environment resolution and
// transparent gzip response decoding. Grounded on the teacher's
// tport/env_once.go and tport/gzip_reader.go, reconstructed with their
// companion type declarations (lost from the retrieval slice) so the
// package is self-contained.
package tport

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
)

// envOnce looks up an environment variable (by any of several names,
// first match wins) exactly once and caches the result.
type envOnce struct {
	names []string
	once  sync.Once
	val   string
}

func (e *envOnce) Get() string {
	e.once.Do(e.init)
	return e.val
}

func (e *envOnce) init() {
	for _, n := range e.names {
		e.val = os.Getenv(n)
		if e.val != "" {
			return
		}
	}
}

// Reset clears the cached value, used by tests that mutate the
// environment between calls.
func (e *envOnce) Reset() {
	e.once = sync.Once{}
	e.val = ""
}

var (
	httpProxyEnv  = &envOnce{names: []string{"HTTP_PROXY", "http_proxy"}}
	httpsProxyEnv = &envOnce{names: []string{"HTTPS_PROXY", "https_proxy"}}
	noProxyEnv    = &envOnce{names: []string{"NO_PROXY", "no_proxy"}}
)

// ResetProxyEnv clears the cached $HTTP_PROXY/$HTTPS_PROXY/$NO_PROXY
// lookups, exposed for tests that manipulate the environment.
func ResetProxyEnv() {
	httpProxyEnv.Reset()
	httpsProxyEnv.Reset()
	noProxyEnv.Reset()
}

// ProxyFromEnvironment resolves a proxy URL for reqURL from
// $HTTP_PROXY/$HTTPS_PROXY, honoring $NO_PROXY, the way net/http's
// function of the same name does. It returns (nil, nil) when no proxying
// applies.
func ProxyFromEnvironment(reqURL *url.URL) (*url.URL, error) {
	var proxy string
	if reqURL.Scheme == "https" {
		proxy = httpsProxyEnv.Get()
	}
	if proxy == "" {
		proxy = httpProxyEnv.Get()
	}
	if proxy == "" {
		return nil, nil
	}
	if !useProxy(reqURL.Hostname()) {
		return nil, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil || !strings.HasPrefix(proxyURL.Scheme, "http") && proxyURL.Scheme != "socks5" {
		if u, err2 := url.Parse("http://" + proxy); err2 == nil {
			return u, nil
		}
		return nil, fmt.Errorf("tport: invalid proxy URL %q: %w", proxy, err)
	}
	return proxyURL, nil
}

// useProxy reports whether requests to host should use a proxy, given the
// $NO_PROXY/$no_proxy list (comma- or space-separated host suffixes, "*"
// disables proxying entirely).
func useProxy(host string) bool {
	if len(host) == 0 {
		return true
	}
	host = strings.TrimSuffix(host, ".")
	noProxy := noProxyEnv.Get()
	if noProxy == "*" {
		return false
	}
	noProxy = strings.ReplaceAll(noProxy, " ", ",")
	for _, entry := range strings.Split(noProxy, ",") {
		entry = strings.TrimSpace(strings.TrimSuffix(entry, "."))
		if entry == "" {
			continue
		}
		if strings.EqualFold(host, entry) {
			return false
		}
		if len(host) > len(entry) && strings.EqualFold(host[len(host)-len(entry):], entry) && host[len(host)-len(entry)-1] == '.' {
			return false
		}
	}
	return true
}
