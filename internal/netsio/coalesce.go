/*
 * netsiohub: bridges an Atari 8-bit emulator with NetSIO/serial peripherals
 * Copyright 2019 Daniel Selifonov
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package netsio

import (
	"sync"
	"time"
)

// CoalesceSize is the byte count at which the coalescing buffer flushes
// synchronously (spec.md §4.3).
const CoalesceSize = 130

// CoalesceAge is the maximum time a byte may sit unflushed in the buffer.
const CoalesceAge = 5 * time.Millisecond

// FlushFunc receives the single message produced by a coalescing flush:
// DataByte for a lone byte, DataBlock otherwise.
type FlushFunc func(Message)

// Buffer aggregates consecutive DATA_BYTE payloads into a single DATA_BLOCK
// (or DATA_BYTE, for a lone byte), flushing on size, on age, or on demand —
// e.g. before delivering any other SIO payload event, to preserve per-device
// ordering (spec.md §4.3, invariant I3).
//
// The age-based flush is driven by one monitor goroutine that always
// recomputes its wait from the shared deadline rather than trusting a queued
// wakeup, so repeated Extend calls correctly push the flush out without ever
// busy-waiting (the redesign note in spec.md §9).
type Buffer struct {
	maxSize int
	maxAge  time.Duration
	onFlush FlushFunc

	mu       sync.Mutex
	data     []byte
	deadline time.Time
	stopped  bool

	notify chan struct{}
}

func NewBuffer(onFlush FlushFunc) *Buffer {
	return newBuffer(CoalesceSize, CoalesceAge, onFlush)
}

func newBuffer(maxSize int, maxAge time.Duration, onFlush FlushFunc) *Buffer {
	b := &Buffer{
		maxSize: maxSize,
		maxAge:  maxAge,
		onFlush: onFlush,
		notify:  make(chan struct{}, 1),
	}
	go b.monitor()
	return b
}

func (b *Buffer) arm() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Buffer) monitor() {
	for {
		b.mu.Lock()
		stopped := b.stopped
		deadline := b.deadline
		b.mu.Unlock()

		if stopped {
			return
		}

		if deadline.IsZero() {
			<-b.notify
			continue
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			b.flushIfDeadline(deadline)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			b.flushIfDeadline(deadline)
		case <-b.notify:
			if !timer.Stop() {
				<-timer.C
			}
		}
	}
}

// flushIfDeadline flushes only if the deadline hasn't been superseded by a
// newer Extend call between wakeup and lock acquisition.
func (b *Buffer) flushIfDeadline(d time.Time) {
	b.mu.Lock()
	if !b.deadline.Equal(d) {
		b.mu.Unlock()
		return
	}
	b.deadline = time.Time{}
	b.mu.Unlock()
	b.Flush()
}

// Extend appends bytes to the buffer, flushing immediately if the size
// threshold is reached, otherwise (re)arming the age timer.
func (b *Buffer) Extend(data []byte) {
	b.mu.Lock()
	b.data = append(b.data, data...)
	full := len(b.data) >= b.maxSize
	if full {
		b.mu.Unlock()
		b.Flush()
		return
	}
	b.deadline = time.Now().Add(b.maxAge)
	b.mu.Unlock()
	b.arm()
}

// Flush atomically swaps out the accumulated bytes and, if any were
// present, emits exactly one message upstream.
func (b *Buffer) Flush() {
	b.mu.Lock()
	data := b.data
	b.data = nil
	b.deadline = time.Time{}
	b.mu.Unlock()

	if len(data) == 0 {
		return
	}
	if len(data) == 1 {
		b.onFlush(WithPayload(DataByte, data))
	} else {
		b.onFlush(WithPayload(DataBlock, data))
	}
}

// Stop terminates the monitor goroutine. Idempotent.
func (b *Buffer) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	b.arm()
}
