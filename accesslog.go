// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Logging follows the teacher's _accessLogger_ mixin shape (a tiny Logger
// interface plus a registry of named constructors, "noop" as the zero
// value) adapted to migux's single-concern worker: one logger per worker,
// no process-wide singleton, JSON access-log lines tagged with a
// google/uuid correlation id per request.

package migux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is implemented by every log backend a worker can be configured to
// use.
type Logger interface {
	Logf(format string, args ...any)
	LogAccess(entry *AccessLog)
	Close() error
}

// AccessLog is one completed request, written as a JSON line.
type AccessLog struct {
	Time         time.Time `json:"time"`
	RequestID    string    `json:"request_id"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Status       int       `json:"status"`
	BytesWritten int64     `json:"bytes_written"`
	DurationMS   int64     `json:"duration_ms"`
	Upstream     string    `json:"upstream,omitempty"`
	Server       string    `json:"server,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	Error        string    `json:"error,omitempty"`
}

var (
	loggersLock    sync.RWMutex
	loggerCreators = map[string]func(target string) (Logger, error){}
)

// RegisterLogger makes a named logger backend available to config. Mirrors
// the teacher's RegisterLogger/loggerCreators pattern.
func RegisterLogger(name string, create func(target string) (Logger, error)) {
	loggersLock.Lock()
	defer loggersLock.Unlock()
	loggerCreators[name] = create
}

func createLogger(name, target string) (Logger, error) {
	loggersLock.RLock()
	create := loggerCreators[name]
	loggersLock.RUnlock()
	if create == nil {
		return noopLogger{}, nil
	}
	return create(target)
}

func init() {
	RegisterLogger("noop", func(string) (Logger, error) { return noopLogger{}, nil })
	RegisterLogger("file", func(target string) (Logger, error) { return newFileLogger(target) })
}

// noopLogger discards everything; it is the default when a worker isn't
// given an explicit logging target.
type noopLogger struct{}

func (noopLogger) Logf(string, ...any)       {}
func (noopLogger) LogAccess(*AccessLog)      {}
func (noopLogger) Close() error              { return nil }

// fileLogger writes newline-delimited text and JSON access-log lines to a
// file (or stdout, for target "-"), one at a time under a mutex.
type fileLogger struct {
	mu  sync.Mutex
	out io.WriteCloser
	enc *json.Encoder
}

func newFileLogger(target string) (Logger, error) {
	if target == "" || target == "-" {
		return &fileLogger{out: os.Stdout, enc: json.NewEncoder(os.Stdout)}, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &fileLogger{out: f, enc: json.NewEncoder(f)}, nil
}

func (l *fileLogger) Logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, format+"\n", args...)
}

func (l *fileLogger) LogAccess(entry *AccessLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(entry)
}

func (l *fileLogger) Close() error {
	if l.out == os.Stdout {
		return nil
	}
	return l.out.Close()
}

// newRequestID mints a correlation id for one connection or request.
func newRequestID() string {
	return uuid.NewString()
}
