/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package tport

import (
	"net/url"
	"testing"
)

func TestProxyFromEnvironmentHTTPProxy(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://proxy.example.com:8080")
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("NO_PROXY", "")
	ResetProxyEnv()
	defer ResetProxyEnv()

	u, _ := url.Parse("http://target.example.com/path")
	proxyURL, err := ProxyFromEnvironment(u)
	if err != nil {
		t.Fatalf("ProxyFromEnvironment: %v", err)
	}
	if proxyURL == nil || proxyURL.Host != "proxy.example.com:8080" {
		t.Fatalf("got proxy %v, want proxy.example.com:8080", proxyURL)
	}
}

func TestProxyFromEnvironmentNoProxyMatch(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://proxy.example.com:8080")
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("NO_PROXY", "target.example.com")
	ResetProxyEnv()
	defer ResetProxyEnv()

	u, _ := url.Parse("http://target.example.com/path")
	proxyURL, err := ProxyFromEnvironment(u)
	if err != nil {
		t.Fatalf("ProxyFromEnvironment: %v", err)
	}
	if proxyURL != nil {
		t.Fatalf("got proxy %v, want nil (NO_PROXY match)", proxyURL)
	}
}

func TestProxyFromEnvironmentNoneSet(t *testing.T) {
	t.Setenv("HTTP_PROXY", "")
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("NO_PROXY", "")
	ResetProxyEnv()
	defer ResetProxyEnv()

	u, _ := url.Parse("http://target.example.com/path")
	proxyURL, err := ProxyFromEnvironment(u)
	if err != nil {
		t.Fatalf("ProxyFromEnvironment: %v", err)
	}
	if proxyURL != nil {
		t.Fatalf("got proxy %v, want nil", proxyURL)
	}
}
