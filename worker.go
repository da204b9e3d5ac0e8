// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Worker (component H): one worker owns a listener, an accept loop bounded
// by worker_connections, and per-connection sequential keep-alive
// processing. Grounded on the teacher's net_tcpx.go accept loop (a
// semaphore-bounded Accept loop handing each conn to its own goroutine) and
// on its deadline-coalescing idiom: a connection's read deadline is only
// reissued when it has moved by at least a second, avoiding a SetDeadline
// syscall on every request of a busy keep-alive connection.

package migux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// deadlineSlack is how far a connection's deadline may drift before the
// worker bothers reissuing SetReadDeadline (the teacher's coalescing idiom).
const deadlineSlack = time.Second

// Worker serves one listen address: accept loop, routing, and the static
// and proxy handlers for every location reachable from that address.
type Worker struct {
	cfg      *Config
	listener net.Listener
	router   *Router
	caches   map[string]*ObjectCache // keyed by effective root
	pools    map[string]*UpstreamPool // keyed by upstream name
	logger   Logger
	serverHdr string

	sem chan struct{} // bounds concurrent connections to worker_connections
}

// NewWorker binds listenAddr and prepares the handlers for every location
// routed through it. cfg.Servers must already be normalized (LoadConfig
// does this).
func NewWorker(cfg *Config, listenAddr string, router *Router, logger Logger) (*Worker, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:       cfg,
		listener:  ln,
		router:    router,
		caches:    map[string]*ObjectCache{},
		pools:     map[string]*UpstreamPool{},
		logger:    logger,
		serverHdr: "migux",
		sem:       make(chan struct{}, cfg.WorkerConnections),
	}
	if err := w.prepareHandlers(listenAddr); err != nil {
		ln.Close()
		return nil, err
	}
	return w, nil
}

func (w *Worker) prepareHandlers(listenAddr string) error {
	for _, srv := range w.cfg.Servers {
		if srv.Listen != listenAddr {
			continue
		}
		for _, loc := range srv.Locations {
			switch loc.Kind {
			case LocationStatic:
				if loc.CacheEnabled {
					root := loc.EffectiveRoot()
					if _, ok := w.caches[root]; !ok {
						c, err := NewObjectCache(w.cfg.CacheDir, w.cfg.CacheMaxObjectBytes, w.cfg.CacheDefaultTTL)
						if err != nil {
							return err
						}
						w.caches[root] = c
					}
				}
			case LocationProxy:
				if _, ok := w.pools[loc.Upstream.Name]; !ok {
					w.pools[loc.Upstream.Name] = NewUpstreamPool(loc.Upstream, w.cfg.ProxyPoolMaxPerAddr)
				}
			}
		}
	}
	return nil
}

// Serve runs the accept loop until ctx is cancelled or the listener fails.
func (w *Worker) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		w.listener.Close()
	}()

	for _, p := range w.pools {
		p.StartActiveProbing(ctx)
	}

	var wg sync.WaitGroup
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			wg.Wait()
			for _, p := range w.pools {
				p.Close()
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}

		select {
		case w.sem <- struct{}{}:
		default:
			conn.Close() // worker_connections exceeded: reject rather than queue unbounded
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-w.sem }()
			w.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection processes requests on one connection sequentially until
// keep-alive ends, the peer disconnects, or an error forces a close.
func (w *Worker) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	listenAddr := conn.LocalAddr().String()
	clientAddr := conn.RemoteAddr().String()
	br := bufio.NewReader(conn)

	var lastDeadline time.Time
	first := true
	for {
		idleTimeout := w.cfg.ClientReadTimeout
		if !first {
			idleTimeout = w.cfg.KeepaliveTimeout
		}
		coalesceDeadline(conn, &lastDeadline, idleTimeout)

		started := time.Now()
		req, err := ReadRequest(br, w.cfg.MaxRequestHeaderBytes, w.cfg.MaxRequestBodyBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return // idle timeout or the peer closed before starting a new request
			}
			w.writeProtocolError(conn, err)
			return
		}
		first = false

		keepAlive := w.serveOne(ctx, conn, br, req, listenAddr, clientAddr, started)
		if !keepAlive {
			return
		}
	}
}

// coalesceDeadline reissues the connection's read deadline only when it
// would move later by at least deadlineSlack, or move earlier at all, trading a little timeout
// imprecision for far fewer SetReadDeadline syscalls on a busy connection.
func coalesceDeadline(conn net.Conn, last *time.Time, timeout time.Duration) {
	next := time.Now().Add(timeout)
	if last.IsZero() || next.Sub(*last) >= deadlineSlack || next.Before(*last) {
		conn.SetReadDeadline(next)
		*last = next
	}
}

// serveOne dispatches one request to the right handler and reports whether
// the connection should stay open for another.
func (w *Worker) serveOne(ctx context.Context, conn net.Conn, br *bufio.Reader, req *Request, listenAddr, clientAddr string, started time.Time) bool {
	dateHeader := started.UTC().Format(time.RFC1123)
	requestID := newRequestID()

	srv, loc, routeErr := w.router.Route(listenAddr, req.Header.Get("Host"), req.Path)
	if routeErr != nil {
		status, n, _ := writeStatusOnly(conn, errNotFound, dateHeader, w.serverHdr)
		w.logAccess(requestID, req, status, n, started, "", "")
		return false
	}

	var bodyReader io.Reader
	if req.BodyMode != BodyNone {
		bodyReader = NewBodyReader(br, req.BodyMode, req.ContentLength)
	}

	var status int
	var bytesOut int64
	var bodyMode BodyMode
	var serveErr error
	upstreamName := ""

	switch loc.Kind {
	case LocationStatic:
		if bodyReader != nil {
			io.Copy(io.Discard, bodyReader) // drain so the next request on this connection starts clean
		}
		h := NewStaticHandler(loc, w.caches[loc.EffectiveRoot()])
		status, bytesOut, bodyMode, serveErr = h.Serve(req, conn, dateHeader, w.serverHdr)
	case LocationProxy:
		upstreamName = loc.Upstream.Name
		h := NewProxyHandler(loc, w.pools[loc.Upstream.Name], w.cfg.ProxyWriteTimeout, w.cfg.ProxyWriteTimeout, w.cfg.PreserveUpstreamHost)
		status, bytesOut, bodyMode, serveErr = h.Serve(ctx, req, bodyReader, clientAddr, "http", conn, dateHeader, w.serverHdr)
	default:
		status, bytesOut, serveErr = writeStatusOnly(conn, errInternalServerError, dateHeader, w.serverHdr)
		bodyMode = BodyNone
	}

	errStr := ""
	if serveErr != nil {
		errStr = serveErr.Error()
	}
	w.logAccess(requestID, req, status, bytesOut, started, srv.Listen, upstreamName)
	if errStr != "" {
		w.logger.Logf("request %s failed: %s", requestID, errStr)
	}

	if serveErr != nil {
		return false
	}
	return negotiateKeepAlive(req.Header, bodyMode)
}

func (w *Worker) writeProtocolError(conn net.Conn, err error) {
	se, ok := asStatusError(err)
	if !ok {
		se = errBadRequest
	}
	writeStatusOnly(conn, se, time.Now().UTC().Format(time.RFC1123), w.serverHdr)
}

func asStatusError(err error) (*statusError, bool) {
	var se *statusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func writeStatusOnly(w io.Writer, se *statusError, dateHeader, serverHeader string) (int, int64, error) {
	resp := NewResponse(se.status)
	bw, cw := newBufWriter(w)
	err := WriteResponseHead(bw, resp, false, dateHeader, serverHeader)
	if err == nil {
		err = bw.Flush()
	}
	return se.status, cw.n, err
}

func (w *Worker) logAccess(requestID string, req *Request, status int, bytesOut int64, started time.Time, server, upstream string) {
	w.logger.LogAccess(&AccessLog{
		Time:         started,
		RequestID:    requestID,
		Method:       req.Method,
		Path:         req.Path,
		Status:       status,
		BytesWritten: bytesOut,
		DurationMS:   time.Since(started).Milliseconds(),
		Upstream:     upstream,
		Server:       server,
	})
}

// Close closes the listener without waiting for in-flight connections.
func (w *Worker) Close() error {
	return w.listener.Close()
}
