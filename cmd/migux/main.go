// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Entry point (component H bootstrap): loads the config, starts one worker
// goroutine per configured listen address, and waits for either a fatal
// worker error or an interrupt signal. Grounded on the teacher's
// process.Main bootstrap (main.go) shape, scaled down from its
// leader/worker process split to goroutine-based workers sharing nothing
// but the immutable *Config and the Router built from it, each with its own
// logger, since migux's spec has no embedded config-DSL
// or multi-protocol plugin surface to drive a separate leader process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/diogin/migux"
)

func main() {
	configPath := flag.String("config", "migux.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := migux.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migux: %v\n", err)
		os.Exit(1)
	}

	router := migux.NewRouter(cfg)

	listenAddrs := migux.ListenAddresses(cfg)
	if len(listenAddrs) == 0 {
		fmt.Fprintln(os.Stderr, "migux: no servers configured")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, len(listenAddrs))
	workers := make([]*migux.Worker, 0, len(listenAddrs))
	for _, addr := range listenAddrs {
		logger, err := migux.NewAccessLogger(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migux: %v\n", err)
			os.Exit(1)
		}
		defer logger.Close()
		w, err := migux.NewWorker(cfg, addr, router, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migux: listen %s: %v\n", addr, err)
			os.Exit(1)
		}
		workers = append(workers, w)
		go func() { errCh <- w.Serve(ctx) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "migux: worker failed: %v\n", err)
		}
		cancel()
	}
	for _, w := range workers {
		w.Close()
	}
}
