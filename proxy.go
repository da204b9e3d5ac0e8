// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Reverse proxy handler (component G): builds the upstream request from the
// client's, borrows a pooled connection, streams both directions without
// rebuffering the body, and maps every upstream failure to 502. The
// forwarded-header set (X-Forwarded-For, X-Real-IP, X-Forwarded-Proto,
// X-Forwarded-Host) and the Host-header policy are grounded on
// fabian4/gateway-homebrew-go's internal/proxy/http1.go; the bidirectional
// copy without rebuffering follows the teacher's TCPXReverseProxy goroutine
// pair (net_tcpx.go).

package migux

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"
)

// ProxyHandler forwards a request to one named upstream.
type ProxyHandler struct {
	loc          *LocationConfig
	pool         *UpstreamPool
	dialTimeout  time.Duration
	writeTimeout time.Duration
	preserveHost bool
}

// NewProxyHandler builds a handler bound to loc's upstream pool.
func NewProxyHandler(loc *LocationConfig, pool *UpstreamPool, dialTimeout, writeTimeout time.Duration, preserveHost bool) *ProxyHandler {
	return &ProxyHandler{loc: loc, pool: pool, dialTimeout: dialTimeout, writeTimeout: writeTimeout, preserveHost: preserveHost}
}

// Serve relays req to the upstream and copies its response back through w.
// bodyReader is the already-framed client request body (nil for bodiless
// requests); clientAddr is used for X-Forwarded-For/X-Real-IP.
func (h *ProxyHandler) Serve(ctx context.Context, req *Request, bodyReader io.Reader, clientAddr, scheme string, w io.Writer, dateHeader, serverHeader string) (status int, bytesOut int64, bodyMode BodyMode, err error) {
	upReq := h.buildUpstreamRequest(req, clientAddr, scheme)

	conn, es, borrowErr := h.pool.Borrow(ctx, h.dialTimeout)
	if borrowErr != nil {
		return h.writeError(w, wrapStatusError(502, "Bad Gateway", borrowErr), dateHeader, serverHeader)
	}

	if h.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	}

	upBW := bufio.NewWriter(conn)
	if werr := writeUpstreamRequestHead(upBW, upReq); werr != nil {
		h.pool.Release(es, conn, true)
		return h.writeError(w, wrapStatusError(502, "Bad Gateway", werr), dateHeader, serverHeader)
	}
	if bodyReader != nil {
		var dst io.Writer = upBW
		var chunked *ChunkedWriter
		if upReq.BodyMode == BodyChunked {
			chunked = NewChunkedWriter(upBW)
			dst = chunked
		}
		buf := getBuf(size64K)
		_, werr := io.CopyBuffer(dst, bodyReader, buf)
		putBuf(buf)
		if werr == nil && chunked != nil {
			werr = chunked.Close()
		}
		if werr != nil {
			h.pool.Release(es, conn, true)
			return h.writeError(w, wrapStatusError(502, "Bad Gateway", werr), dateHeader, serverHeader)
		}
	}
	if werr := upBW.Flush(); werr != nil {
		h.pool.Release(es, conn, true)
		return h.writeError(w, wrapStatusError(502, "Bad Gateway", werr), dateHeader, serverHeader)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(readUpstreamHeadTimeout))
	upBR := bufio.NewReader(conn)
	upResp, respBody, rerr := readUpstreamResponse(upBR, req.Method == "HEAD")
	conn.SetReadDeadline(time.Time{})
	if rerr != nil {
		h.pool.Release(es, conn, true)
		es.recordFailure(h.pool.cfg.FailThreshold, h.pool.cfg.Cooldown, time.Now())
		return h.writeError(w, wrapStatusError(502, "Bad Gateway", rerr), dateHeader, serverHeader)
	}
	es.recordSuccess()

	stripHopByHop(&upResp.Header)
	// Content-Length/Transfer-Encoding are re-derived from BodyMode by
	// WriteResponseHead; relaying the upstream's own copy would duplicate it.
	upResp.Header.DelAll(map[string]bool{"content-length": true})
	downResp := NewResponse(upResp.Status)
	downResp.Header = upResp.Header
	downResp.BodyMode = upResp.BodyMode
	downResp.ContentLength = upResp.ContentLength

	bw, cw := newBufWriter(w)
	werr := WriteResponseHead(bw, downResp, req.Method == "HEAD", dateHeader, serverHeader)
	if werr == nil {
		var dst io.Writer = bw
		var chunked *ChunkedWriter
		if downResp.BodyMode == BodyChunked {
			chunked = NewChunkedWriter(bw)
			dst = chunked
		}
		buf := getBuf(size64K)
		_, werr = io.CopyBuffer(dst, respBody, buf)
		putBuf(buf)
		if werr == nil && chunked != nil {
			werr = chunked.Close()
		}
	}
	if werr == nil {
		werr = bw.Flush()
	}

	discard := werr != nil || upResp.BodyMode == BodyEOF || hasConnectionToken(upResp.Header, "close")
	h.pool.Release(es, conn, discard)

	return upResp.Status, cw.n, upResp.BodyMode, werr
}

const readUpstreamHeadTimeout = 30 * time.Second

func (h *ProxyHandler) writeError(w io.Writer, se *statusError, dateHeader, serverHeader string) (int, int64, BodyMode, error) {
	resp := NewResponse(se.status)
	bw, cw := newBufWriter(w)
	err := WriteResponseHead(bw, resp, false, dateHeader, serverHeader)
	if err == nil {
		err = bw.Flush()
	}
	return se.status, cw.n, BodyNone, err
}

// buildUpstreamRequest copies the client request, stripping hop-by-hop
// headers and adding the forwarded-for chain. The request target is
// rewritten by StripFor so an upstream rooted differently than the public
// path still sees the path it expects.
func (h *ProxyHandler) buildUpstreamRequest(req *Request, clientAddr, scheme string) *Request {
	up := &Request{
		Method:        req.Method,
		Header:        req.Header.Clone(),
		BodyMode:      req.BodyMode,
		ContentLength: req.ContentLength,
	}
	stripHopByHop(&up.Header)

	target := req.Path
	if strip := h.loc.StripFor(); strip != "" && strings.HasPrefix(target, strip) {
		target = "/" + strings.TrimPrefix(strings.TrimPrefix(target, strip), "/")
	}
	if req.Query != "" {
		target += "?" + req.Query
	}
	up.Target, up.Path, up.Query = target, req.Path, req.Query

	host := req.Header.Get("Host")
	if !h.preserveHost {
		if len(h.loc.Upstream.Endpoints) > 0 {
			host = h.loc.Upstream.Endpoints[0]
		}
	}
	up.Header.Set("Host", host)
	up.Header.Set("Connection", "keep-alive")

	clientIP := clientAddr
	if i := strings.LastIndexByte(clientAddr, ':'); i >= 0 {
		clientIP = clientAddr[:i]
	}
	if prior := up.Header.Get("X-Forwarded-For"); prior != "" {
		up.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		up.Header.Set("X-Forwarded-For", clientIP)
	}
	up.Header.Set("X-Real-IP", clientIP)
	up.Header.Set("X-Forwarded-Proto", scheme)
	if fh := req.Header.Get("Host"); fh != "" {
		up.Header.Set("X-Forwarded-Host", fh)
	}
	return up
}

// writeUpstreamRequestHead writes a request line and headers to an
// upstream connection, using the same ordering discipline WriteResponseHead
// uses for responses: explicit framing header last, blank line terminates.
func writeUpstreamRequestHead(bw *bufio.Writer, req *Request) error {
	if _, err := bw.WriteString(req.Method + " " + req.Target + " HTTP/1.1\r\n"); err != nil {
		return err
	}
	for _, f := range req.Header {
		if strings.EqualFold(f.Name, "Content-Length") {
			continue // re-emitted below from the authoritative framing mode
		}
		if _, err := bw.WriteString(f.Name + ": " + f.Value + "\r\n"); err != nil {
			return err
		}
	}
	if req.BodyMode == BodySized {
		if _, err := bw.WriteString("Content-Length: "); err != nil {
			return err
		}
		if _, err := io.WriteString(bw, itoaInt64(req.ContentLength)); err != nil {
			return err
		}
		if _, err := bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if req.BodyMode == BodyChunked {
		if _, err := bw.WriteString("Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	_, err := bw.WriteString("\r\n")
	return err
}

func itoaInt64(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// readUpstreamResponse parses a status line and headers off an upstream
// connection and returns a reader positioned at the start of the body.
func readUpstreamResponse(br *bufio.Reader, isHead bool) (*Response, io.Reader, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, nil, newStatusError(502, "Bad Gateway")
	}
	status, err := parseStatusCode(parts[1])
	if err != nil {
		return nil, nil, newStatusError(502, "Bad Gateway")
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	resp := &Response{Status: status, Reason: reason}

	for {
		l, err := br.ReadString('\n')
		if err != nil {
			return nil, nil, err
		}
		l = strings.TrimRight(l, "\r\n")
		if l == "" {
			break
		}
		name, value, err := parseHeaderLine(l)
		if err != nil {
			return nil, nil, err
		}
		resp.Header.Add(name, value)
	}

	if isHead || noBodyStatus(status) {
		resp.BodyMode = BodyNone
		return resp, io.LimitReader(br, 0), nil
	}
	if te := resp.Header.Get("Transfer-Encoding"); strings.EqualFold(strings.TrimSpace(te), "chunked") {
		resp.BodyMode = BodyChunked
		return resp, NewBodyReader(br, BodyChunked, 0), nil
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		n, err := parseContentLength(cl)
		if err != nil {
			return nil, nil, newStatusError(502, "Bad Gateway")
		}
		resp.BodyMode = BodySized
		resp.ContentLength = n
		return resp, NewBodyReader(br, BodySized, n), nil
	}
	resp.BodyMode = BodyEOF
	return resp, br, nil
}

func parseStatusCode(s string) (int, error) {
	n := 0
	if len(s) != 3 {
		return 0, newStatusError(502, "Bad Gateway")
	}
	for i := 0; i < 3; i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, newStatusError(502, "Bad Gateway")
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, nil
}

func parseContentLength(s string) (int64, error) {
	var n int64
	if s == "" {
		return 0, newStatusError(502, "Bad Gateway")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, newStatusError(502, "Bad Gateway")
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n, nil
}
