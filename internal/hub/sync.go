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
package hub

import (
	"sync"
	"time"

	"netsiohub/internal/netsio"
)

// syncSlot is the single in-flight synchronous request rendezvous: at most
// one sequence number is outstanding, and completion is signalled by closing
// a channel rather than polling (invariant I1, spec.md §3, §5).
type syncSlot struct {
	mu      sync.Mutex
	seq     byte
	pending bool
	sn      byte
	result  int32
	done    chan struct{}
}

// next allocates the next sequence number (wrapping mod 256) and opens a new
// pending slot, returning the sn to tag the outbound request with.
func (s *syncSlot) next() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.sn = s.seq
	s.pending = true
	s.result = netsio.AtDevEmptySync
	s.done = make(chan struct{})
	return s.sn
}

// cancel abandons a slot that was allocated but never sent (no peripheral
// connected), without waking any waiter.
func (s *syncSlot) cancel(sn byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending && s.sn == sn {
		s.pending = false
	}
}

// isPending reports whether a sync request is currently outstanding.
func (s *syncSlot) isPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// matches reports whether sn is the currently outstanding request's sequence.
func (s *syncSlot) matches(sn byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending && s.sn == sn
}

// complete resolves the pending slot with val, waking the waiter. A no-op if
// sn no longer matches the outstanding request (already timed out).
func (s *syncSlot) complete(sn byte, val int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending && s.sn == sn {
		s.result = val
		s.pending = false
		close(s.done)
	}
}

// wait blocks until sn completes or timeout elapses, returning the result
// and whether it completed (as opposed to timing out).
func (s *syncSlot) wait(sn byte, timeout time.Duration) (int32, bool) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.mu.Lock()
		v := s.result
		s.mu.Unlock()
		return v, true
	case <-time.After(timeout):
		s.mu.Lock()
		if s.pending && s.sn == sn {
			s.pending = false
		}
		s.mu.Unlock()
		return netsio.AtDevEmptySync, false
	}
}

// abandon releases any outstanding waiter on host disconnect, so a blocked
// HandleHostMsgSync call returns instead of waiting out the full timeout.
func (s *syncSlot) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		s.pending = false
		s.result = netsio.AtDevEmptySync
		close(s.done)
	}
}
