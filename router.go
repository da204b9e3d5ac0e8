// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Router (component C): server selection by the listen address a connection
// arrived on, then location selection by longest URL-prefix match, grounded
// on fabian4/gateway-homebrew-go's internal/router (host-keyed route table,
// longest-prefix-wins, case-insensitive host matching) adapted to migux's
// two-level server/location model.

package migux

import "strings"

// Router resolves (listen address, Host header, path) to a location.
type Router struct {
	byListen map[string][]*ServerConfig // preserves config order
}

// NewRouter builds a Router from a frozen Config. Cyclic references
// (location -> server -> config) are already flattened into direct
// pointers by LoadConfig/normalizeConfig, so the router never walks a
// graph at request time.
func NewRouter(cfg *Config) *Router {
	r := &Router{byListen: map[string][]*ServerConfig{}}
	for _, srv := range cfg.Servers {
		r.byListen[srv.Listen] = append(r.byListen[srv.Listen], srv)
	}
	return r
}

// SelectServer picks the server bound to listenAddr whose server_name
// matches the Host header, defaulting to the first one configured for that
// address on a miss.
func (r *Router) SelectServer(listenAddr, hostHeader string) *ServerConfig {
	candidates := r.byListen[listenAddr]
	if len(candidates) == 0 {
		return nil
	}
	host := hostOnly(hostHeader)
	for _, srv := range candidates {
		for _, name := range srv.Names {
			if strings.EqualFold(name, host) {
				return srv
			}
		}
	}
	return candidates[0]
}

// SelectLocation returns the location whose path is the longest prefix of
// target, ties broken by configuration order. Returns nil if no location
// matches (caller responds 404).
func (r *Router) SelectLocation(srv *ServerConfig, target string) *LocationConfig {
	var best *LocationConfig
	for _, loc := range srv.Locations {
		if !strings.HasPrefix(target, loc.Path) {
			continue
		}
		if best == nil || len(loc.Path) > len(best.Path) {
			best = loc
		}
	}
	return best
}

// Route is the single entry point the worker loop calls per request.
func (r *Router) Route(listenAddr, hostHeader, target string) (*ServerConfig, *LocationConfig, error) {
	srv := r.SelectServer(listenAddr, hostHeader)
	if srv == nil {
		return nil, nil, errNotFound
	}
	loc := r.SelectLocation(srv, target)
	if loc == nil {
		return srv, nil, errNotFound
	}
	return srv, loc, nil
}

func hostOnly(h string) string {
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}
