// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package migux

import "sync"

// Bucketed buffer pools for body copies; the proxy draws its 64K copy
// buffers from here. Avoids an allocation on every request/response for
// the common cases.
const (
	size4K  = 4 * 1024
	size16K = 16 * 1024
	size64K = 64 * 1024
)

var (
	pool4K  sync.Pool
	pool16K sync.Pool
	pool64K sync.Pool
)

// getBuf returns a buffer of at least n bytes, drawn from the smallest
// bucket that fits.
func getBuf(n int) []byte {
	switch {
	case n <= size4K:
		return getFromPool(&pool4K, size4K)
	case n <= size16K:
		return getFromPool(&pool16K, size16K)
	case n <= size64K:
		return getFromPool(&pool64K, size64K)
	default:
		return make([]byte, n)
	}
}

func getFromPool(p *sync.Pool, size int) []byte {
	if v := p.Get(); v != nil {
		b := v.([]byte)
		return b[:size]
	}
	return make([]byte, size)
}

// putBuf returns a buffer to its bucket. Buffers not originally drawn from a
// bucket (odd-sized, oversized) are simply dropped.
func putBuf(b []byte) {
	switch cap(b) {
	case size4K:
		pool4K.Put(b[:size4K])
	case size16K:
		pool16K.Put(b[:size16K])
	case size64K:
		pool64K.Put(b[:size64K])
	}
}
