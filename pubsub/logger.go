// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package pubsub provides a channel-backed io.Writer that structured log
// handlers can write to while other components tail the same stream (the
// admin websocket feed, a future file sink, etc).
package pubsub

import (
	"sync"
)

const defaultBuffer = 256

// Logger fans a stream of log lines out to any number of subscribers.
// It implements io.Writer so it can back a slog.Handler directly.
type Logger struct {
	mu          sync.Mutex
	subscribers map[chan string]struct{}
	buffer      int
}

// NewLogger returns a Logger whose per-subscriber channel has the given
// buffer size. A size <= 0 falls back to defaultBuffer.
func NewLogger(buffer int) *Logger {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Logger{
		subscribers: make(map[chan string]struct{}),
		buffer:      buffer,
	}
}

// Publish delivers msg to every current subscriber. Slow subscribers drop
// the message rather than block the publisher.
func (l *Logger) Publish(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ch := range l.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Write implements io.Writer so *Logger can be wrapped by a slog.Handler.
func (l *Logger) Write(p []byte) (n int, err error) {
	l.Publish(string(p))
	return len(p), nil
}

// Subscribe returns a channel of future log lines and an unsubscribe func.
// Callers must invoke the returned func to release the channel.
func (l *Logger) Subscribe() (<-chan string, func()) {
	ch := make(chan string, l.buffer)

	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()

	unsubscribe := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subscribers[ch]; ok {
			delete(l.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}
