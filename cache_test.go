// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package migux

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestObjectCache_ServesFromDiskAfterMemoryEviction(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "a.txt")
	if err := os.WriteFile(src, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}

	cacheDir := t.TempDir()
	c, err := NewObjectCache(cacheDir, 1<<20, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	var builds int32
	build := func() ([]byte, error) {
		atomic.AddInt32(&builds, 1)
		return os.ReadFile(src)
	}

	body, err := c.Get(src, info, build)
	if err != nil || string(body) != "hello" {
		t.Fatalf("body=%q err=%v", body, err)
	}
	if builds != 1 {
		t.Fatalf("want 1 build, got %d", builds)
	}

	// evict the memory tier directly, disk tier should still answer.
	c.mu.Lock()
	delete(c.entries, src)
	c.mu.Unlock()

	body, err = c.Get(src, info, build)
	if err != nil || string(body) != "hello" {
		t.Fatalf("body=%q err=%v", body, err)
	}
	if builds != 1 {
		t.Fatalf("want build not called again once the disk tier has the entry, got %d builds", builds)
	}
}

func TestObjectCache_ConcurrentMissesCoalesce(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "a.txt")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(src)

	c, err := NewObjectCache(t.TempDir(), 1<<20, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	var builds int32
	build := func() ([]byte, error) {
		atomic.AddInt32(&builds, 1)
		time.Sleep(20 * time.Millisecond)
		return os.ReadFile(src)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(src, info, build); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if builds != 1 {
		t.Fatalf("want concurrent misses coalesced into 1 build, got %d", builds)
	}
}

func TestObjectCache_StaleEntryRevalidatesOnSizeChange(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "a.txt")
	os.WriteFile(src, []byte("v1"), 0644)
	info1, _ := os.Stat(src)

	c, err := NewObjectCache(t.TempDir(), 1<<20, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	body, _ := c.Get(src, info1, func() ([]byte, error) { return os.ReadFile(src) })
	if string(body) != "v1" {
		t.Fatalf("got %q", body)
	}

	time.Sleep(10 * time.Millisecond)
	os.WriteFile(src, []byte("version-two"), 0644)
	info2, _ := os.Stat(src)

	body, _ = c.Get(src, info2, func() ([]byte, error) { return os.ReadFile(src) })
	if string(body) != "version-two" {
		t.Fatalf("want revalidated content after size change, got %q", body)
	}
}
