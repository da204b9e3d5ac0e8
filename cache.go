// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Object cache (component E): a two-tier memory-then-disk cache for static
// file bodies, keyed by resolved absolute path. Concurrent misses for the
// same key are coalesced with golang.org/x/sync/singleflight rather than a
// hand-rolled in-flight map, the same role the teacher's connPool mutex
// plays for connections. Disk entries are written tmp-then-rename so a
// reader never observes a partial file.

package migux

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// cacheEntry is what ObjectCache keeps in memory for one key.
type cacheEntry struct {
	body    []byte
	size    int64
	modTime time.Time
	storedAt time.Time
}

// ObjectCache is one worker's private object cache: an in-memory map backed
// by an on-disk tier under dir. Workers never share a cache instance, but
// the disk tier is a shared directory, so writes there are atomic renames.
type ObjectCache struct {
	dir       string
	maxObject int64
	ttl       time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	flight singleflight.Group
}

// NewObjectCache creates a cache rooted at dir, creating the directory if
// it does not already exist.
func NewObjectCache(dir string, maxObjectBytes int64, ttl time.Duration) (*ObjectCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &ObjectCache{
		dir:       dir,
		maxObject: maxObjectBytes,
		ttl:       ttl,
		entries:   map[string]*cacheEntry{},
	}, nil
}

// Get returns key's cached body, validating it against info (the caller's
// fresh os.Stat of the source file) before trusting either cache tier, and
// falling through to build on a full miss or a stale entry. Concurrent
// callers asking for the same key share one build call.
func (c *ObjectCache) Get(key string, info os.FileInfo, build func() ([]byte, error)) ([]byte, error) {
	if info.Size() > c.maxObject {
		return build()
	}

	if body, ok := c.lookupMemory(key, info); ok {
		return body, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		if body, ok := c.lookupMemory(key, info); ok {
			return body, nil
		}
		if body, ok := c.lookupDisk(key, info); ok {
			c.storeMemory(key, body, info)
			return body, nil
		}
		body, err := build()
		if err != nil {
			return nil, err
		}
		c.storeMemory(key, body, info)
		c.storeDisk(key, body) // best-effort; a disk write failure never fails the request
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *ObjectCache) lookupMemory(key string, info os.FileInfo) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !entryFresh(e, info, c.ttl) {
		return nil, false
	}
	return e.body, true
}

func (c *ObjectCache) storeMemory(key string, body []byte, info os.FileInfo) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{body: body, size: info.Size(), modTime: info.ModTime(), storedAt: nowFunc()}
	c.mu.Unlock()
}

func entryFresh(e *cacheEntry, info os.FileInfo, ttl time.Duration) bool {
	if !e.modTime.Equal(info.ModTime()) || e.size != info.Size() {
		return false // source changed since caching: lazy revalidation via re-stat
	}
	if ttl > 0 && nowFunc().Sub(e.storedAt) > ttl {
		return false
	}
	return true
}

func (c *ObjectCache) diskPaths(key string) (data, meta string) {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, name+".cache"), filepath.Join(c.dir, name+".meta")
}

// lookupDisk reads a disk-tier entry, trusting it only when its recorded
// size+mtime still match the source file's current stat.
func (c *ObjectCache) lookupDisk(key string, info os.FileInfo) ([]byte, bool) {
	dataPath, metaPath := c.diskPaths(key)
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, false
	}
	wantMeta := diskMetaLine(info)
	if string(metaBytes) != wantMeta {
		return nil, false
	}
	body, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, false
	}
	return body, true
}

// storeDisk writes body to a temp file and renames it into place, so a
// concurrent reader on another worker never observes a half-written entry.
// The meta file (size+mtime fingerprint) is written and renamed the same
// way, last rename wins under concurrent writers for the same key.
func (c *ObjectCache) storeDisk(key string, body []byte) {
	info, ok := c.lastStatForStore(key)
	if !ok {
		return
	}
	dataPath, metaPath := c.diskPaths(key)
	if err := atomicWriteFile(dataPath, body); err != nil {
		return
	}
	_ = atomicWriteFile(metaPath, []byte(diskMetaLine(info)))
}

// lastStatForStore re-reads the source file's current stat at store time,
// so the meta fingerprint written to disk reflects the file after the build
// ran; the memory entry keeps the stat the caller passed to Get.
func (c *ObjectCache) lastStatForStore(key string) (os.FileInfo, bool) {
	info, err := os.Stat(key)
	if err != nil {
		return nil, false
	}
	return info, true
}

func diskMetaLine(info os.FileInfo) string {
	return info.ModTime().UTC().Format(time.RFC3339Nano) + " " + strconv.FormatInt(info.Size(), 10)
}

// atomicWriteFile writes data to a ".tmp-<random>" sibling of path and
// renames it over path, so readers only ever see a complete file.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp-" + newRequestID()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// nowFunc is indirected for testability.
var nowFunc = time.Now
