// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package migux

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestProxyHandler_BuildUpstreamRequest_ForwardedHeadersAndStrip(t *testing.T) {
	up := &UpstreamConfig{Name: "api", Endpoints: []string{"10.0.0.5:9000"}}
	loc := &LocationConfig{Path: "/api", Upstream: up}
	h := NewProxyHandler(loc, nil, time.Second, time.Second, false)

	req := &Request{
		Method: "GET",
		Path:   "/api/items",
		Query:  "q=1",
		Header: Header{{Name: "Host", Value: "public.example.com"}, {Name: "Connection", Value: "keep-alive"}},
	}
	up2 := h.buildUpstreamRequest(req, "203.0.113.5:54321", "https")

	if up2.Target != "/items?q=1" {
		t.Fatalf("want stripped target /items?q=1, got %q", up2.Target)
	}
	if up2.Header.Get("X-Forwarded-For") != "203.0.113.5" {
		t.Fatalf("got X-Forwarded-For=%q", up2.Header.Get("X-Forwarded-For"))
	}
	if up2.Header.Get("X-Forwarded-Proto") != "https" {
		t.Fatalf("got X-Forwarded-Proto=%q", up2.Header.Get("X-Forwarded-Proto"))
	}
	if up2.Header.Get("X-Forwarded-Host") != "public.example.com" {
		t.Fatalf("got X-Forwarded-Host=%q", up2.Header.Get("X-Forwarded-Host"))
	}
	if up2.Header.Get("Host") != "10.0.0.5:9000" {
		t.Fatalf("want rewritten Host when PreserveUpstreamHost is false, got %q", up2.Header.Get("Host"))
	}
}

func TestProxyHandler_BuildUpstreamRequest_PreservesHostWhenConfigured(t *testing.T) {
	up := &UpstreamConfig{Name: "api", Endpoints: []string{"10.0.0.5:9000"}}
	loc := &LocationConfig{Path: "/", Upstream: up}
	h := NewProxyHandler(loc, nil, time.Second, time.Second, true)

	req := &Request{Method: "GET", Path: "/x", Header: Header{{Name: "Host", Value: "public.example.com"}}}
	up2 := h.buildUpstreamRequest(req, "203.0.113.5:1", "http")
	if up2.Header.Get("Host") != "public.example.com" {
		t.Fatalf("want preserved Host, got %q", up2.Header.Get("Host"))
	}
}

func TestReadUpstreamResponse_SizedBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	br := bufio.NewReader(strings.NewReader(raw))
	resp, body, err := readUpstreamResponse(br, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || resp.BodyMode != BodySized || resp.ContentLength != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	got, _ := io.ReadAll(body)
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestReadUpstreamResponse_NoFramingHeaderIsEOFBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n\r\ntrailing-bytes"
	br := bufio.NewReader(strings.NewReader(raw))
	resp, body, err := readUpstreamResponse(br, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.BodyMode != BodyEOF {
		t.Fatalf("want BodyEOF, got %v", resp.BodyMode)
	}
	got, _ := io.ReadAll(body)
	if string(got) != "trailing-bytes" {
		t.Fatalf("got %q", got)
	}
}

func TestProxyHandler_Serve_RelaysUpstreamResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		br.ReadString('\n') // request line
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	up := &UpstreamConfig{Name: "api", Endpoints: []string{ln.Addr().String()}, Strategy: StrategySingle, FailThreshold: 3, Cooldown: time.Second}
	pool := NewUpstreamPool(up, 4)
	defer pool.Close()
	loc := &LocationConfig{Path: "/", Upstream: up}
	h := NewProxyHandler(loc, pool, time.Second, time.Second, true)

	req := &Request{Method: "GET", Path: "/x", Header: Header{{Name: "Host", Value: "a"}}}
	var out bytes.Buffer
	status, n, _, err := h.Serve(context.Background(), req, nil, "1.2.3.4:1", "http", &out, "date", "migux")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != 200 || n == 0 {
		t.Fatalf("status=%d n=%d", status, n)
	}
	if !strings.Contains(out.String(), "ok") {
		t.Fatalf("want relayed body, got:\n%s", out.String())
	}
}

func TestProxyHandler_Serve_MalformedUpstreamResponseIs502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		br.ReadString('\n')
		for {
			line, _ := br.ReadString('\n')
			if line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("not a status line\r\n\r\n"))
	}()

	up := &UpstreamConfig{Name: "api", Endpoints: []string{ln.Addr().String()}, Strategy: StrategySingle, FailThreshold: 3, Cooldown: time.Second}
	pool := NewUpstreamPool(up, 4)
	defer pool.Close()
	loc := &LocationConfig{Path: "/", Upstream: up}
	h := NewProxyHandler(loc, pool, time.Second, time.Second, true)

	req := &Request{Method: "GET", Path: "/x", Header: Header{{Name: "Host", Value: "a"}}}
	var out bytes.Buffer
	status, _, _, err := h.Serve(context.Background(), req, nil, "1.2.3.4:1", "http", &out, "date", "migux")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != 502 {
		t.Fatalf("want 502 Bad Gateway on malformed upstream framing, got %d:\n%s", status, out.String())
	}
}
