// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Static file handler (component D): path resolution against the location's
// root, directory-to-index fallback, weak ETag/Last-Modified generation,
// conditional GET, and dispatch through the object cache. Grounded on
// hexinfra-gorox's web_handlet_static.go (path cleaning, the index-file
// fallback, the If-None-Match/ETag pair) adapted to migux's own Request
// type and two-tier cache instead of gorox's Piece-based output.

package migux

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StaticHandler serves files rooted at a location's effective root.
type StaticHandler struct {
	loc   *LocationConfig
	cache *ObjectCache // nil when location.CacheEnabled is false
}

// NewStaticHandler builds a handler for one location. cache may be nil.
func NewStaticHandler(loc *LocationConfig, cache *ObjectCache) *StaticHandler {
	h := &StaticHandler{loc: loc}
	if loc.CacheEnabled {
		h.cache = cache
	}
	return h
}

// Serve resolves req against the handler's root and writes a response head
// plus body through w. It never panics on a hostile path: resolvePath
// rejects any ".." escape before the filesystem is touched.
func (h *StaticHandler) Serve(req *Request, w io.Writer, dateHeader, serverHeader string) (status int, bytesOut int64, bodyMode BodyMode, err error) {
	if req.Method != "GET" && req.Method != "HEAD" {
		return h.writeError(w, errMethodNotAllowed, dateHeader, serverHeader)
	}

	unescaped, err := url.PathUnescape(req.Path)
	if err != nil {
		return h.writeError(w, errBadRequest, dateHeader, serverHeader)
	}

	diskPath, ok := resolvePath(h.loc.EffectiveRoot(), unescaped)
	if !ok {
		return h.writeError(w, errNotFound, dateHeader, serverHeader)
	}

	info, statErr := os.Stat(diskPath)
	if statErr != nil {
		return h.writeError(w, errNotFound, dateHeader, serverHeader)
	}

	if info.IsDir() {
		indexPath := filepath.Join(diskPath, h.loc.EffectiveIndex())
		if idxInfo, idxErr := os.Stat(indexPath); idxErr == nil && !idxInfo.IsDir() {
			diskPath, info = indexPath, idxInfo
		} else if h.loc.AutoIndex {
			return h.serveAutoIndex(diskPath, req.Path, w, dateHeader, serverHeader)
		} else {
			return h.writeError(w, errNotFound, dateHeader, serverHeader)
		}
	}

	etag := weakETag(info.Size(), info.ModTime())
	lastMod := info.ModTime().UTC().Format(time.RFC1123)

	if ifNoneMatch := req.Header.Get("If-None-Match"); ifNoneMatch != "" && etagMatches(ifNoneMatch, etag) {
		resp := NewResponse(304)
		resp.Header.Set("ETag", etag)
		resp.Header.Set("Last-Modified", lastMod)
		bw, cw := newBufWriter(w)
		werr := WriteResponseHead(bw, resp, req.Method == "HEAD", dateHeader, serverHeader)
		if werr == nil {
			werr = bw.Flush()
		}
		return 304, cw.n, BodyNone, werr
	}

	ct := mimeTypeFor(diskPath)

	var body []byte
	if h.cache != nil {
		body, err = h.cache.Get(diskPath, info, func() ([]byte, error) {
			return os.ReadFile(diskPath)
		})
	} else {
		body, err = os.ReadFile(diskPath)
	}
	if err != nil {
		return h.writeError(w, errInternalServerError, dateHeader, serverHeader)
	}

	resp := NewResponse(200)
	resp.Header.Set("Content-Type", ct)
	resp.Header.Set("ETag", etag)
	resp.Header.Set("Last-Modified", lastMod)
	resp.BodyMode = BodySized
	resp.ContentLength = int64(len(body))

	bw, cw := newBufWriter(w)
	werr := WriteResponseHead(bw, resp, req.Method == "HEAD", dateHeader, serverHeader)
	if werr == nil && req.Method != "HEAD" {
		_, werr = bw.Write(body)
	}
	if werr == nil {
		werr = bw.Flush()
	}
	return 200, cw.n, BodySized, werr
}

func (h *StaticHandler) writeError(w io.Writer, se *statusError, dateHeader, serverHeader string) (int, int64, BodyMode, error) {
	resp := NewResponse(se.status)
	bw, cw := newBufWriter(w)
	err := WriteResponseHead(bw, resp, false, dateHeader, serverHeader)
	if err == nil {
		err = bw.Flush()
	}
	return se.status, cw.n, BodyNone, err
}

// resolvePath joins root and the request's URL path, rejecting any result
// that would escape root via "..". Returns the cleaned absolute path and
// whether it was accepted.
func resolvePath(root, urlPath string) (string, bool) {
	cleanRoot := filepath.Clean(root)
	// Cleaned relative to root, so ".." segments that climb above root are
	// kept and rejected by the prefix check below instead of being clamped.
	cleaned := path.Clean(strings.TrimPrefix(urlPath, "/"))
	joined := filepath.Join(cleanRoot, filepath.FromSlash(cleaned))
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}

// weakETag derives a weak validator from size and modification time, the
// cheapest stable fingerprint available without reading file content.
func weakETag(size int64, mtime time.Time) string {
	return fmt.Sprintf(`W/"%x-%x"`, size, mtime.UnixNano())
}

// etagMatches reports whether candidate appears in an If-None-Match list,
// honoring the "*" wildcard and ignoring the W/ weakness prefix on both
// sides since migux only issues weak validators.
func etagMatches(ifNoneMatch, etag string) bool {
	if strings.TrimSpace(ifNoneMatch) == "*" {
		return true
	}
	for _, tok := range strings.Split(ifNoneMatch, ",") {
		tok = strings.TrimSpace(tok)
		if strings.TrimPrefix(tok, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

// serveAutoIndex renders a plain directory listing. Opt-in only; default
// behavior is 404 on a directory with no index file.
func (h *StaticHandler) serveAutoIndex(dir, reqPath string, w io.Writer, dateHeader, serverHeader string) (int, int64, BodyMode, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return h.writeError(w, errInternalServerError, dateHeader, serverHeader)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "<html><head><title>Index of %s</title></head><body><h1>Index of %s</h1><ul>\n", reqPath, reqPath)
	if reqPath != "/" {
		sb.WriteString(`<li><a href="../">../</a></li>` + "\n")
	}
	for _, name := range names {
		base := strings.TrimSuffix(name, "/")
		href := url.PathEscape(base)
		if strings.HasSuffix(name, "/") {
			href += "/"
		}
		fmt.Fprintf(&sb, `<li><a href="%s">%s</a></li>`+"\n", href, name)
	}
	sb.WriteString("</ul></body></html>")

	body := []byte(sb.String())
	resp := NewResponse(200)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	resp.BodyMode = BodySized
	resp.ContentLength = int64(len(body))

	bw, cw := newBufWriter(w)
	err = WriteResponseHead(bw, resp, false, dateHeader, serverHeader)
	if err == nil {
		_, err = bw.Write(body)
	}
	if err == nil {
		err = bw.Flush()
	}
	return 200, cw.n, BodySized, err
}
