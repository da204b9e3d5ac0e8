// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package migux

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestResolvePath_RejectsDotDotEscape(t *testing.T) {
	root := t.TempDir()
	if _, ok := resolvePath(root, "/../../etc/passwd"); ok {
		t.Fatalf("want escape rejected")
	}
	if p, ok := resolvePath(root, "/sub/file.txt"); !ok || !strings.HasPrefix(p, root) {
		t.Fatalf("want a path under root, got %q ok=%v", p, ok)
	}
}

func TestStaticHandler_ServesFileWithETagAndConditionalGet(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "hello.txt", "hello world")

	loc := &LocationConfig{Server: &ServerConfig{Root: dir, Index: "index.html"}, Path: "/"}
	h := NewStaticHandler(loc, nil)

	req := &Request{Method: "GET", Path: "/hello.txt"}
	var buf bytes.Buffer
	status, n, _, err := h.Serve(req, &buf, "date", "migux")
	if err != nil || status != 200 {
		t.Fatalf("status=%d err=%v", status, err)
	}
	if n == 0 {
		t.Fatalf("want non-zero bytes written")
	}
	resp := buf.String()
	if !strings.Contains(resp, "200 OK") || !strings.Contains(resp, "hello world") {
		t.Fatalf("unexpected response:\n%s", resp)
	}

	etagLine := ""
	for _, line := range strings.Split(resp, "\r\n") {
		if strings.HasPrefix(line, "ETag:") {
			etagLine = strings.TrimSpace(strings.TrimPrefix(line, "ETag:"))
		}
	}
	if etagLine == "" {
		t.Fatalf("want an ETag header, got:\n%s", resp)
	}

	req2 := &Request{Method: "GET", Path: "/hello.txt", Header: Header{{Name: "If-None-Match", Value: etagLine}}}
	var buf2 bytes.Buffer
	status2, _, _, err := h.Serve(req2, &buf2, "date", "migux")
	if err != nil || status2 != 304 {
		t.Fatalf("want 304 on matching If-None-Match, got status=%d err=%v", status2, err)
	}
}

func TestStaticHandler_DirectoryFallsBackToIndex(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "index.html", "<html>home</html>")

	loc := &LocationConfig{Server: &ServerConfig{Root: dir, Index: "index.html"}, Path: "/"}
	h := NewStaticHandler(loc, nil)

	var buf bytes.Buffer
	status, _, _, err := h.Serve(&Request{Method: "GET", Path: "/"}, &buf, "date", "migux")
	if err != nil || status != 200 {
		t.Fatalf("status=%d err=%v", status, err)
	}
	if !strings.Contains(buf.String(), "home") {
		t.Fatalf("want index.html content served, got:\n%s", buf.String())
	}
}

func TestStaticHandler_MissingFileIs404(t *testing.T) {
	dir := t.TempDir()
	loc := &LocationConfig{Server: &ServerConfig{Root: dir, Index: "index.html"}, Path: "/"}
	h := NewStaticHandler(loc, nil)

	var buf bytes.Buffer
	status, _, _, err := h.Serve(&Request{Method: "GET", Path: "/nope.txt"}, &buf, "date", "migux")
	if err != nil || status != 404 {
		t.Fatalf("status=%d err=%v", status, err)
	}
}

func TestStaticHandler_PostIsMethodNotAllowed(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.txt", "content-here")
	loc := &LocationConfig{Server: &ServerConfig{Root: dir, Index: "index.html"}, Path: "/"}
	h := NewStaticHandler(loc, nil)

	var buf bytes.Buffer
	status, _, _, err := h.Serve(&Request{Method: "POST", Path: "/a.txt"}, &buf, "date", "migux")
	if err != nil || status != 405 {
		t.Fatalf("status=%d err=%v", status, err)
	}
}

func TestStaticHandler_HeadOmitsBody(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.txt", "content-here")
	loc := &LocationConfig{Server: &ServerConfig{Root: dir, Index: "index.html"}, Path: "/"}
	h := NewStaticHandler(loc, nil)

	var buf bytes.Buffer
	status, _, _, err := h.Serve(&Request{Method: "HEAD", Path: "/a.txt"}, &buf, "date", "migux")
	if err != nil || status != 200 {
		t.Fatalf("status=%d err=%v", status, err)
	}
	if strings.Contains(buf.String(), "content-here") {
		t.Fatalf("HEAD response must not include a body, got:\n%s", buf.String())
	}
	br := bufio.NewReader(&buf)
	firstLine, _ := br.ReadString('\n')
	if !strings.Contains(firstLine, "200") {
		t.Fatalf("want a 200 status line, got %q", firstLine)
	}
}
