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

	"github.com/op/go-logging"

	"netsiohub/internal/netsio"
)

// HostQueueCapacity bounds the queue feeding the host outbound pump
// (spec.md §3, §5).
const HostQueueCapacity = 8

// Hub is the orchestrator owning the host-bound queue, the sync slot, and
// the host-ready lifecycle. It implements netsio.DeviceMsgSink and
// netsio.HostQueueSizer for the peripheral backend, and HostFacade for the
// host session (spec.md §4.7).
type Hub struct {
	log     *logging.Logger
	backend PeripheralBackend
	sync    syncSlot

	mu        sync.Mutex
	hostReady bool
	ready     ReadySignal
	hostQueue chan netsio.Message
}

// New constructs a Hub bound to the given peripheral backend. The backend
// is set once at startup; the hub never swaps backends at runtime.
func New(log *logging.Logger, backend PeripheralBackend) *Hub {
	return &Hub{log: log, backend: backend}
}

// HostConnected marks the host ready and allocates a fresh host-bound queue,
// returning the receive half for the outbound pump to drain.
func (h *Hub) HostConnected(ready ReadySignal) <-chan netsio.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hostReady = true
	h.ready = ready
	h.hostQueue = make(chan netsio.Message, HostQueueCapacity)
	return h.hostQueue
}

// HostDisconnected tears down the host-ready state and releases any
// in-flight sync wait so it returns immediately instead of timing out.
func (h *Hub) HostDisconnected() {
	h.mu.Lock()
	h.hostReady = false
	h.ready = nil
	h.hostQueue = nil
	h.mu.Unlock()
	h.sync.abandon()
}

// HostQueueSize implements netsio.HostQueueSizer.
func (h *Hub) HostQueueSize() int {
	h.mu.Lock()
	q := h.hostQueue
	h.mu.Unlock()
	if q == nil {
		return 0
	}
	return len(q)
}

// CreditClients delegates to the active peripheral backend.
func (h *Hub) CreditClients() {
	h.backend.CreditClients()
}

// HandleHostMsg forwards an asynchronous host-originated event to the
// peripheral backend. Resets are logged on the way through (spec.md §4.7).
func (h *Hub) HandleHostMsg(m netsio.Message) {
	if m.ID == netsio.ColdReset || m.ID == netsio.WarmReset {
		h.log.Noticef("Host reset: %s", m.Label())
	}
	h.backend.ToPeripheral(m)
}

// HandleHostMsgSync services a synchronous script-event call from the host
// session. DATA_BLOCK is a pure forward; everything else allocates a sync
// sequence, clears stale host-bound traffic, and blocks on the peripheral's
// response up to its sync timeout (spec.md §4.7).
func (h *Hub) HandleHostMsgSync(m netsio.Message) int32 {
	if m.ID == netsio.DataBlock {
		h.backend.ToPeripheral(m)
		return netsio.AtDevEmptySync
	}

	sn := h.sync.next()
	req := m.AppendSeq(sn)
	h.drainHostQueue()

	if !h.backend.Connected() {
		h.sync.cancel(sn)
		return netsio.AtDevEmptySync
	}

	h.backend.ToPeripheral(req)
	val, ok := h.sync.wait(sn, h.backend.SyncTimeout())
	if !ok {
		return netsio.AtDevEmptySync
	}
	return val
}

func (h *Hub) drainHostQueue() {
	h.mu.Lock()
	q := h.hostQueue
	h.mu.Unlock()
	if q == nil {
		return
	}
	for {
		select {
		case <-q:
		default:
			return
		}
	}
}

// HandleDeviceMsg routes a peripheral-originated event: a matching
// SYNC_RESPONSE resolves the pending sync slot; DATA_BYTE and DATA_BLOCK
// arriving while a sync is in flight are discarded; everything else is
// enqueued for the host outbound pump (spec.md §4.7).
func (h *Hub) HandleDeviceMsg(m netsio.Message, client *netsio.Client) {
	h.mu.Lock()
	ready := h.hostReady
	signal := h.ready
	h.mu.Unlock()
	if !ready {
		return
	}

	if m.ID == netsio.SyncResponse {
		h.handleSyncResponse(m, signal)
		return
	}

	if h.sync.isPending() {
		if m.ID == netsio.DataByte || m.ID == netsio.DataBlock {
			return
		}
	}

	h.enqueue(m)
}

func (h *Hub) handleSyncResponse(m netsio.Message, signal ReadySignal) {
	if len(m.Arg) < 2 {
		h.log.Debug("netsio: malformed sync response")
		return
	}
	sn := m.Arg[0]
	kind := m.Arg[1]

	if !h.sync.matches(sn) {
		if kind != netsio.EmptySync && len(m.Arg) >= 5 {
			h.enqueue(netsio.New(netsio.DataByte, m.Arg[2]))
		} else {
			h.log.Debug("netsio: unexpected sync response sequence, dropped")
		}
		return
	}

	if kind == netsio.EmptySync {
		h.sync.complete(sn, netsio.AtDevEmptySync)
		return
	}
	if len(m.Arg) < 5 {
		h.log.Debug("netsio: truncated sync response payload")
		h.sync.complete(sn, netsio.AtDevEmptySync)
		return
	}
	if signal != nil {
		signal.ClearReady()
	}
	ack, sizeLo, sizeHi := m.Arg[2], m.Arg[3], m.Arg[4]
	val := int32(netsio.SyncResponse) | int32(ack)<<8 | int32(sizeLo)<<16 | int32(sizeHi)<<24
	h.sync.complete(sn, val)
}

// enqueue blocks until the host-bound queue has room, applying backpressure
// to the device backend via credits rather than dropping data (spec.md §7).
func (h *Hub) enqueue(m netsio.Message) {
	h.mu.Lock()
	q := h.hostQueue
	h.mu.Unlock()
	if q == nil {
		return
	}
	q <- m
}
