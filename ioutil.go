// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package migux

import (
	"bufio"
	"io"
)

// countingWriter tracks how many bytes have passed through it, so callers
// that build a response out of several Write calls and a buffered flush can
// report one access-log byte count without re-deriving it from the request.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// newBufWriter wraps w in a counted, buffered writer. The returned
// *countingWriter's n field is only accurate after bw.Flush().
func newBufWriter(w io.Writer) (*bufio.Writer, *countingWriter) {
	cw := &countingWriter{w: w}
	return bufio.NewWriter(cw), cw
}
