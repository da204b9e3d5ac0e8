// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package migux

// NewAccessLogger resolves the logger backend named by cfg into a Logger
// via the registry; a Worker is handed only the Logger interface.
func NewAccessLogger(cfg *Config) (Logger, error) {
	return createLogger(cfg.LogBackend, cfg.LogTarget)
}

// ListenAddresses returns the distinct listen addresses named by cfg's
// servers, in configuration order, one worker per address.
func ListenAddresses(cfg *Config) []string {
	seen := map[string]bool{}
	var out []string
	for _, srv := range cfg.Servers {
		if seen[srv.Listen] {
			continue
		}
		seen[srv.Listen] = true
		out = append(out, srv.Listen)
	}
	return out
}
