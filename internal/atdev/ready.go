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
package atdev

import (
	"sync"
	"time"
)

// readyGate is a single-signal, re-armable completion primitive: callers
// block in Wait until SetReady is called (or a timeout elapses), without busy
// polling. This is the Go replacement for the original's threading.Event
// toggled between "POKEY busy" and "POKEY ready" (spec.md §4.5, §9).
type readyGate struct {
	mu    sync.Mutex
	ready bool
	ch    chan struct{}
}

func newReadyGate() *readyGate {
	g := &readyGate{ready: true, ch: make(chan struct{})}
	close(g.ch)
	return g
}

// ClearReady marks the gate closed (POKEY busy); subsequent Wait calls block.
func (g *readyGate) ClearReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		g.ready = false
		g.ch = make(chan struct{})
	}
}

// SetReady marks the gate open (POKEY ready) and releases any waiters.
func (g *readyGate) SetReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		g.ready = true
		close(g.ch)
	}
}

// Wait blocks until the gate is ready or timeout elapses, returning whether
// it became ready.
func (g *readyGate) Wait(timeout time.Duration) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
